// Package webhooks verifies settlement-provider callbacks before the
// payments service trusts them. Each provider endpoint is configured with a
// verifier scheme and a shared secret; verification never errors on a bad
// signature, it reports Valid=false so the ingress can record the attempt.
package webhooks

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type VerificationResult struct {
	Valid           bool           `json:"valid"`
	Scheme          string         `json:"scheme"`
	Details         map[string]any `json:"details"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	EventType       string         `json:"event_type,omitempty"`
}

type Verifier interface {
	Provider() string
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}

// eventMetaFromBody pulls the event identity out of the payload itself for
// providers that do not carry it in headers.
func eventMetaFromBody(rawBody []byte) (eventID, eventType string) {
	var evt struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return "", ""
	}
	return strings.TrimSpace(evt.EventID), strings.TrimSpace(evt.EventType)
}
