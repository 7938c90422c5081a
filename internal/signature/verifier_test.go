package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"testing"
	"time"
)

var testNow = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

func hexSig(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func base64Sig(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifier_Verify(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"card.activated"}`)
	ts := strconv.FormatInt(testNow.Unix(), 10)
	secret := "whsec_test"

	tests := []struct {
		name      string
		scheme    Scheme
		signature string
		wantErr   error
	}{
		{
			name:      "hex timestamp+body",
			scheme:    Scheme{Encoding: EncodingHex},
			signature: hexSig(ts+string(body), secret),
		},
		{
			name:      "hex with version prefix",
			scheme:    Scheme{Encoding: EncodingHex, Prefix: "v1="},
			signature: "v1=" + hexSig(ts+string(body), secret),
		},
		{
			name:      "base64 with dot separator",
			scheme:    Scheme{Separator: ".", Encoding: EncodingBase64},
			signature: base64Sig(ts+"."+string(body), secret),
		},
		{
			name:      "wrong secret rejected",
			scheme:    Scheme{Encoding: EncodingHex},
			signature: hexSig(ts+string(body), "whsec_other"),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "wrong canonical layout rejected",
			scheme:    Scheme{Separator: ".", Encoding: EncodingHex},
			signature: hexSig(ts+string(body), secret),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "tampered body rejected",
			scheme:    Scheme{Encoding: EncodingHex},
			signature: hexSig(ts+`{"id":"evt_1","type":"card.terminated"}`, secret),
			wantErr:   ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.scheme).WithNow(func() time.Time { return testNow })
			err := v.Verify(body, tt.signature, ts, secret)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifier_Verify_MissingInputs(t *testing.T) {
	v := NewVerifier(Scheme{Encoding: EncodingHex}).WithNow(func() time.Time { return testNow })
	body := []byte(`{}`)
	ts := strconv.FormatInt(testNow.Unix(), 10)

	if err := v.Verify(body, "", ts, "secret"); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("empty signature: got %v, want ErrMissingSignature", err)
	}
	if err := v.Verify(body, "abc", "", "secret"); !errors.Is(err, ErrMissingTimestamp) {
		t.Errorf("empty timestamp: got %v, want ErrMissingTimestamp", err)
	}
	if err := v.Verify(body, "abc", ts, ""); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("empty secret: got %v, want ErrMissingSecret", err)
	}
	if err := v.Verify(body, "abc", "not-a-number", "secret"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("garbage timestamp: got %v, want ErrInvalidTimestamp", err)
	}
}

func TestVerifier_Verify_ReplayWindow(t *testing.T) {
	v := NewVerifier(Scheme{Encoding: EncodingHex}).WithNow(func() time.Time { return testNow })
	body := []byte(`{}`)
	secret := "whsec_test"

	tests := []struct {
		name    string
		offset  time.Duration
		wantErr error
	}{
		{"exactly at window", -300 * time.Second, nil},
		{"just inside window", -299 * time.Second, nil},
		{"too old", -301 * time.Second, ErrStaleTimestamp},
		{"too far in future", 301 * time.Second, ErrStaleTimestamp},
		{"future inside window", 120 * time.Second, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := strconv.FormatInt(testNow.Add(tt.offset).Unix(), 10)
			err := v.Verify(body, hexSig(ts+string(body), secret), ts, secret)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifier_SignRoundTrip(t *testing.T) {
	for name, scheme := range map[string]Scheme{
		"hex":        {Encoding: EncodingHex},
		"prefixed":   {Encoding: EncodingHex, Prefix: "v1="},
		"dot-base64": {Separator: ".", Encoding: EncodingBase64},
	} {
		t.Run(name, func(t *testing.T) {
			v := NewVerifier(scheme).WithNow(func() time.Time { return testNow })
			body := []byte(`{"id":"evt_9"}`)
			ts := strconv.FormatInt(testNow.Unix(), 10)
			sig := v.Sign(body, ts, "secret")
			if err := v.Verify(body, sig, ts, "secret"); err != nil {
				t.Errorf("Verify(Sign()) = %v, want nil", err)
			}
		})
	}
}
