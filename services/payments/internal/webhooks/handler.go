// Package webhooks is the settlement callback ingress. Every delivery is
// verified against the endpoint's secret, recorded as a receipt, deduped by
// (provider, event id), and only then applied to the ledger.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/httpx"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/ledger"
	pkgwebhooks "github.com/AdityaKumar41/evolvx-sub003/pkg/webhooks"
	"github.com/AdityaKumar41/evolvx-sub003/services/payments/internal/store"
)

const maxWebhookBodyBytes = 5 << 20 // 5MB

const (
	eventSettlementSucceeded = "settlement.succeeded"
	eventSettlementFailed    = "settlement.failed"
)

// Resolver is the slice of the ledger the ingress needs.
type Resolver interface {
	ResolveSettled(ctx context.Context, paymentID, settlementRef string) (ledger.Record, error)
	ResolveFailed(ctx context.Context, paymentID string) (ledger.Record, error)
}

type verifierFactory func(scheme, provider string) pkgwebhooks.Verifier

type IngressHandler struct {
	store    *store.Store
	ledger   Resolver
	verifier verifierFactory
}

func NewIngressHandler(st *store.Store, l Resolver) *IngressHandler {
	return &IngressHandler{
		store:  st,
		ledger: l,
		verifier: func(scheme, provider string) pkgwebhooks.Verifier {
			if strings.EqualFold(strings.TrimSpace(scheme), "ts-hmac-v1") {
				return pkgwebhooks.NewTimestampedHMACVerifier(provider)
			}
			return pkgwebhooks.NewGenericHMACVerifier(provider)
		},
	}
}

func (h *IngressHandler) HandleIngress(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	endpointToken := strings.TrimSpace(chi.URLParam(r, "endpoint_token"))
	endpoint, err := h.store.GetEndpoint(r.Context(), provider, endpointToken)
	if err != nil {
		if errors.Is(err, store.ErrEndpointNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "settlement endpoint not found", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if endpoint.RevokedAt != nil {
		httpx.WriteError(w, 404, "NOT_FOUND", "settlement endpoint not found", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 5MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}

	headersCanonicalJSON, _, err := pkgwebhooks.CanonicalizeHeaders(r.Header)
	if err != nil {
		httpx.WriteError(w, 500, "CANONICALIZATION_ERROR", err.Error(), nil)
		return
	}
	rawBodySHA, headersSHA, requestSHA := pkgwebhooks.ComputeReceiptHashes(r.Method, r.URL.Path, headersCanonicalJSON, rawBody)

	receivedAt := time.Now().UTC()
	verifier := h.verifier(endpoint.Scheme, provider)
	result, err := verifier.Verify(r.Header, rawBody, receivedAt, endpoint.Secret)
	if err != nil {
		httpx.WriteError(w, 500, "VERIFIER_ERROR", err.Error(), nil)
		return
	}

	eventType := strings.TrimSpace(result.EventType)
	if eventType == "" {
		eventType = "unknown"
	}
	var providerEventID *string
	if v := strings.TrimSpace(result.ProviderEventID); v != "" {
		providerEventID = &v
	}
	processingStatus := "REJECTED"
	if result.Valid {
		processingStatus = "VERIFIED"
	}

	var headersCanonical any
	if err := json.Unmarshal(headersCanonicalJSON, &headersCanonical); err != nil {
		httpx.WriteError(w, 500, "CANONICALIZATION_ERROR", err.Error(), nil)
		return
	}

	receipt := store.Receipt{
		Provider:         provider,
		EventType:        eventType,
		ProviderEventID:  providerEventID,
		ReceivedAt:       receivedAt,
		RequestMethod:    r.Method,
		RequestPath:      r.URL.Path,
		RawBody:          rawBody,
		RawBodySHA256:    rawBodySHA,
		HeadersCanonical: headersCanonical,
		HeadersSHA256:    headersSHA,
		RequestSHA256:    requestSHA,
		SignatureValid:   result.Valid,
		SignatureScheme:  result.Scheme,
		SignatureDetails: result.Details,
		ProcessingStatus: processingStatus,
	}

	inserted, receiptID, err := h.store.InsertReceipt(r.Context(), receipt)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if !inserted && providerEventID != nil {
		// Redelivery: acknowledge with the original receipt, apply nothing.
		existing, err := h.store.GetReceiptByProviderEventID(r.Context(), provider, *providerEventID)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"status":          "duplicate",
			"receipt_id":      existing.ReceiptID,
			"request_sha256":  existing.RequestSHA256,
			"signature_valid": existing.SignatureValid,
		})
		return
	}

	applied := false
	if result.Valid {
		if paymentID, outcome, ok := extractSettlementOutcome(rawBody, eventType); ok {
			var resolveErr error
			switch outcome {
			case eventSettlementSucceeded:
				ref := extractSettlementRef(rawBody)
				_, resolveErr = h.ledger.ResolveSettled(r.Context(), paymentID, ref)
			case eventSettlementFailed:
				_, resolveErr = h.ledger.ResolveFailed(r.Context(), paymentID)
			}
			if resolveErr == nil {
				applied = true
				if err := h.store.UpdateReceiptLinkage(r.Context(), receiptID, paymentID); err != nil {
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
					return
				}
			}
		}
	}

	httpx.WriteJSON(w, 200, map[string]any{
		"status":          "accepted",
		"receipt_id":      receiptID,
		"request_sha256":  requestSHA,
		"signature_valid": result.Valid,
		"applied":         applied,
	})
}

func extractSettlementOutcome(rawBody []byte, eventType string) (paymentID, outcome string, ok bool) {
	if eventType != eventSettlementSucceeded && eventType != eventSettlementFailed {
		return "", "", false
	}
	var payload struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return "", "", false
	}
	id := strings.TrimSpace(payload.PaymentID)
	if !strings.HasPrefix(id, "pay_") {
		return "", "", false
	}
	return id, eventType, true
}

func extractSettlementRef(rawBody []byte) string {
	var payload struct {
		SettlementRef string `json:"settlement_ref"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.SettlementRef)
}
