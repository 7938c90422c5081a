// Package signature validates inbound webhook authenticity.
//
// Each provider signs the raw request body with HMAC-SHA256 over a canonical
// string built from the timestamp header and the exact bytes received. The
// canonical layout, digest encoding, and signature prefix vary per provider,
// so verification is driven by a per-provider Scheme.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("signature header is required")
	ErrMissingTimestamp = errors.New("timestamp header is required")
	ErrMissingSecret    = errors.New("signing secret is not configured")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	ErrStaleTimestamp   = errors.New("signature timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Encoding selects how the computed digest is rendered before comparison.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// DefaultMaxSkew is the replay window applied to the timestamp header, in
// either direction.
const DefaultMaxSkew = 300 * time.Second

// Scheme describes one provider's signing convention.
//
// The canonical string is timestamp + Separator + body. NymCard and Ramp use
// an empty separator, Wio joins with ".". Prefix is a version tag some
// providers prepend to the signature header (e.g. "v1=") and is stripped
// before comparison.
type Scheme struct {
	Separator string
	Encoding  Encoding
	Prefix    string
	MaxSkew   time.Duration
}

// Verifier checks a raw webhook body against its signature and timestamp
// headers. It is a pure validation component with no side effects.
type Verifier struct {
	scheme Scheme
	now    func() time.Time
}

func NewVerifier(scheme Scheme) *Verifier {
	if scheme.Encoding == "" {
		scheme.Encoding = EncodingHex
	}
	if scheme.MaxSkew == 0 {
		scheme.MaxSkew = DefaultMaxSkew
	}
	return &Verifier{scheme: scheme, now: time.Now}
}

// WithNow overrides the time source, for tests.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify returns nil only when the signature matches the HMAC-SHA256 of the
// canonical string under secret and the timestamp is within the replay
// window. Comparison is constant-time.
func (v *Verifier) Verify(rawBody []byte, signatureHeader, timestampHeader, secret string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}
	if timestampHeader == "" {
		return ErrMissingTimestamp
	}
	if secret == "" {
		return ErrMissingSecret
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestampHeader)
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.scheme.MaxSkew {
		return ErrStaleTimestamp
	}

	received := signatureHeader
	if v.scheme.Prefix != "" {
		received = strings.TrimPrefix(received, v.scheme.Prefix)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte(v.scheme.Separator))
	mac.Write(rawBody)
	sum := mac.Sum(nil)

	var expected string
	switch v.scheme.Encoding {
	case EncodingBase64:
		expected = base64.StdEncoding.EncodeToString(sum)
	default:
		expected = hex.EncodeToString(sum)
	}

	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature a provider would send for the given body and
// timestamp. Used by tests and the sendhook developer tool.
func (v *Verifier) Sign(rawBody []byte, timestampHeader, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte(v.scheme.Separator))
	mac.Write(rawBody)
	sum := mac.Sum(nil)

	var sig string
	switch v.scheme.Encoding {
	case EncodingBase64:
		sig = base64.StdEncoding.EncodeToString(sum)
	default:
		sig = hex.EncodeToString(sum)
	}
	return v.scheme.Prefix + sig
}
