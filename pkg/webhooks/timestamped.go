package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	tsHMACSignatureHeader = "X-Settlement-Signature"
	tsHMACScheme          = "ts-hmac-v1"
	defaultToleranceSecs  = 300
)

// tsHMACVerifier checks the replay-resistant scheme bundlers use:
// `X-Settlement-Signature: t=<unix>,v1=<hex>` where the signature covers
// `<t>.<rawBody>`. Deliveries outside the tolerance window are rejected even
// when the signature matches.
type tsHMACVerifier struct {
	provider         string
	toleranceSeconds int
}

func NewTimestampedHMACVerifier(provider string) Verifier {
	return &tsHMACVerifier{
		provider:         strings.TrimSpace(provider),
		toleranceSeconds: toleranceFromEnv(),
	}
}

func NewTimestampedHMACVerifierWithTolerance(provider string, toleranceSeconds int) Verifier {
	return &tsHMACVerifier{
		provider:         strings.TrimSpace(provider),
		toleranceSeconds: toleranceSeconds,
	}
}

func (v *tsHMACVerifier) Provider() string {
	return v.provider
}

func (v *tsHMACVerifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	timestamp, signatures := parseTimestampedHeader(headers.Values(tsHMACSignatureHeader))
	timestampUnix, parseErr := strconv.ParseInt(timestamp, 10, 64)
	if parseErr != nil {
		timestampUnix = 0
	}
	skew := 0
	if timestampUnix > 0 {
		skew = int(receivedAt.UTC().Unix() - timestampUnix)
		if skew < 0 {
			skew = -skew
		}
	}

	result := VerificationResult{
		Valid:  false,
		Scheme: tsHMACScheme,
		Details: map[string]any{
			"signature_header_present": len(strings.TrimSpace(strings.Join(headers.Values(tsHMACSignatureHeader), ","))) > 0,
			"parsed_timestamp":         timestampUnix,
			"tolerance_seconds":        v.toleranceSeconds,
			"skew_seconds":             skew,
			"v1_present":               len(signatures) > 0,
		},
		ProviderEventID: "",
		EventType:       "unknown",
	}
	if !result.Details["signature_header_present"].(bool) || timestampUnix <= 0 || len(signatures) == 0 {
		return result, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	signedPayload := append([]byte(timestamp), '.')
	signedPayload = append(signedPayload, rawBody...)
	_, _ = mac.Write(signedPayload)
	expectedSig := mac.Sum(nil)

	validSig := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expectedSig, decoded) {
			validSig = true
			break
		}
	}
	if !validSig {
		return result, nil
	}
	if v.toleranceSeconds > 0 && skew > v.toleranceSeconds {
		return result, nil
	}

	result.Valid = true
	id, typ := eventMetaFromBody(rawBody)
	result.ProviderEventID = id
	if typ != "" {
		result.EventType = typ
	}
	return result, nil
}

func toleranceFromEnv() int {
	raw := strings.TrimSpace(os.Getenv("EVX_SETTLEMENT_TOLERANCE_SECONDS"))
	if raw == "" {
		return defaultToleranceSecs
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultToleranceSecs
	}
	return v
}

func parseTimestampedHeader(values []string) (string, []string) {
	joined := strings.TrimSpace(strings.Join(values, ","))
	if joined == "" {
		return "", nil
	}
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(joined, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if k == "t" && t == "" {
			t = val
			continue
		}
		if k == "v1" && val != "" {
			v1 = append(v1, val)
		}
	}
	return t, v1
}
