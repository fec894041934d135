package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	settlementHMACSignatureHeader = "X-Settlement-Signature-256"
	settlementEventIDHeader       = "X-Settlement-Event-Id"
	settlementEventTypeHeader     = "X-Settlement-Event-Type"
	settlementHMACScheme          = "settlement-hmac-v1"
)

type settlementHMACVerifier struct {
	provider string
}

// NewGenericHMACVerifier verifies `X-Settlement-Signature-256: sha256=<hex>`
// over the raw body with HMAC-SHA256. The bare-hex form without the prefix is
// accepted for providers that predate it. Event identity comes from the
// settlement event headers, falling back to the body's event fields when a
// provider omits them.
func NewGenericHMACVerifier(provider string) Verifier {
	return &settlementHMACVerifier{provider: strings.TrimSpace(provider)}
}

func (v *settlementHMACVerifier) Provider() string {
	return v.provider
}

func (v *settlementHMACVerifier) Verify(headers http.Header, rawBody []byte, _ time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	res := VerificationResult{
		Valid:  false,
		Scheme: settlementHMACScheme,
		Details: map[string]any{
			"signature_header_present": false,
			"signature_hex_decodable":  false,
			"provider":                 v.provider,
			"used_header":              settlementHMACSignatureHeader,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(settlementEventIDHeader)),
		EventType:       strings.TrimSpace(headers.Get(settlementEventTypeHeader)),
	}
	if res.ProviderEventID == "" && res.EventType == "" {
		res.ProviderEventID, res.EventType = eventMetaFromBody(rawBody)
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}

	sigHex := strings.TrimSpace(headers.Get(settlementHMACSignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true
	sigHex = strings.TrimPrefix(sigHex, "sha256=")

	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	res.Details["signature_hex_decodable"] = true

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), providedSig)
	return res, nil
}
