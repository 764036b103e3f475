// Package webhook receives asynchronous events from the vendor-hosted
// signing provider and applies them to the orchestrator idempotently.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Headers the vendor sets on every delivery.
const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
)

// verifySignature checks the hex HMAC-SHA256 of the raw payload against the
// shared secret using a constant-time compare.
func verifySignature(headers http.Header, rawBody []byte, secret string) bool {
	if secret == "" {
		return false
	}

	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return false
	}

	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the signature the vendor is expected to send; exported for
// tests and local tooling that replays deliveries.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
