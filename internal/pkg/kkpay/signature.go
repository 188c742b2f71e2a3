package kkpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Sign computes the KKPay message signature: base64(sha256(body + secret)).
// The body is the raw base64 text exactly as transmitted on the wire, so the
// signed bytes are stable regardless of how the embedded JSON was produced.
func Sign(body []byte, secret string) string {
	sum := sha256.Sum256(append(append([]byte{}, body...), secret...))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify recomputes the signature over the raw body and compares it against
// the presented one in constant time. Missing or undecodable signatures fail
// closed.
func Verify(body []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" {
		return false
	}

	presented, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	expected := sha256.Sum256(append(append([]byte{}, body...), secret...))
	return hmac.Equal(expected[:], presented)
}
