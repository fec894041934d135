// Package httpx carries the JSON envelope conventions shared by every
// service: request ids, error envelopes, and the mapping from state-machine
// fault kinds to HTTP statuses.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// statusFor maps a fault kind to its HTTP status. Unknown kinds are treated
// as internal failures.
func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindInvalidInput:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindAlreadyFinalized, faults.KindDuplicateOperation, faults.KindRevoked:
		return http.StatusConflict
	case faults.KindNotCommitter, faults.KindNotAuthorized:
		return http.StatusForbidden
	case faults.KindExpired:
		return http.StatusUnauthorized
	case faults.KindLimitExceeded, faults.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case faults.KindSettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault renders a state-machine rejection as the standard error
// envelope, keyed by its kind.
func WriteFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	WriteError(w, statusFor(kind), string(kind), err.Error(), nil)
}
