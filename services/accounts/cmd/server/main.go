package main

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/authn"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/db"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/httpx"
	"github.com/AdityaKumar41/evolvx-sub003/services/accounts/internal/store"
)

var allowedRoles = map[string]bool{
	authn.RoleSponsor:   true,
	authn.RoleAgent:     true,
	authn.RoleDepositor: true,
}

func main() {
	pool := db.MustConnect()
	st := store.New(pool)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8081"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/accounts", func(api chi.Router) {

		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DisplayName string `json:"display_name"`
				Role        string `json:"role"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			role := strings.ToUpper(strings.TrimSpace(req.Role))
			if strings.TrimSpace(req.DisplayName) == "" || !allowedRoles[role] {
				httpx.WriteError(w, 400, "BAD_REQUEST", "display_name and a valid role are required", nil)
				return
			}
			token := "evx_live_" + randomToken()
			a := store.Account{
				AccountID:   "acc_" + uuid.NewString(),
				DisplayName: strings.TrimSpace(req.DisplayName),
				Role:        role,
				Status:      "ACTIVE",
				CreatedAt:   time.Now().UTC(),
			}
			if err := st.CreateAccount(r.Context(), a, authn.HashToken(token)); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"account":    a,
				"credentials": map[string]any{
					"token":      token,
					"token_hint": "store once; not retrievable again",
				},
			})
		})

		api.Get("/{account_id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "account_id")
			a, err := st.GetAccount(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "account not found", nil)
				return
			}
			keys, err := st.ListSigningKeys(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"account":      a,
				"signing_keys": keys,
			})
		})

		// Only the account itself may rotate its signing key.
		api.Post("/{account_id}/signing-keys", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			id := chi.URLParam(r, "account_id")
			if caller.AccountID != id {
				httpx.WriteError(w, 403, "FORBIDDEN", "signing keys can only be registered by their owner", nil)
				return
			}
			var req struct {
				Algorithm string `json:"algorithm"`
				PublicKey string `json:"public_key"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			alg := strings.ToLower(strings.TrimSpace(req.Algorithm))
			if alg != "ed25519" && alg != "es256" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "algorithm must be ed25519 or es256", nil)
				return
			}
			if strings.TrimSpace(req.PublicKey) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "public_key is required", nil)
				return
			}
			k := store.SigningKey{
				SigningKeyID: "sgk_" + uuid.NewString(),
				AccountID:    id,
				Algorithm:    alg,
				PublicKey:    strings.TrimSpace(req.PublicKey),
				CreatedAt:    time.Now().UTC(),
			}
			if err := st.AddSigningKey(r.Context(), k); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id":  httpx.NewRequestID(),
				"signing_key": k,
			})
		})
	})

	http.ListenAndServe(":"+port, r)
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
