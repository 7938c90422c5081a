// sendhook signs and sends a test webhook to a locally running intake.
//
// Usage:
//
//	go run ./scripts/sendhook -provider nymcard -secret whsec_dev \
//	  -body '{"event_id":"evt_1","event_type":"card.created","data":{"card_id":"crd_1","user_id":"usr_1"}}'
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/signature"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "intake base URL")
	provider := flag.String("provider", "nymcard", "provider name (nymcard, ramp, wio, circle)")
	secret := flag.String("secret", "", "webhook signing secret")
	body := flag.String("body", `{"event_id":"evt_test_1","event_type":"card.created","data":{"card_id":"crd_1","user_id":"usr_1"}}`, "raw JSON payload")
	skew := flag.Duration("skew", 0, "timestamp offset, for testing the replay window")
	flag.Parse()

	if *secret == "" {
		log.Fatal("-secret is required")
	}

	scheme, ok := signature.Schemes()[domain.Provider(*provider)]
	if !ok {
		log.Fatalf("unknown provider %q", *provider)
	}

	payload := []byte(*body)
	ts := strconv.FormatInt(time.Now().Add(*skew).Unix(), 10)
	sig := signature.NewVerifier(scheme).Sign(payload, ts, *secret)

	url := fmt.Sprintf("%s/webhooks/%s", *baseURL, *provider)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(fmt.Sprintf("x-%s-signature", *provider), sig)
	req.Header.Set(fmt.Sprintf("x-%s-timestamp", *provider), ts)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("POST %s\n", url)
	fmt.Printf("-> %s\n", resp.Status)
	fmt.Printf("-> %s\n", respBody)
}
