package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/authn"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/db"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/escrow"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/httpx"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/ledger"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/sessionkey"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/signature"
	"github.com/AdityaKumar41/evolvx-sub003/services/payments/internal/bundler"
	"github.com/AdityaKumar41/evolvx-sub003/services/payments/internal/store"
	"github.com/AdityaKumar41/evolvx-sub003/services/payments/internal/webhooks"
)

func main() {
	pool := db.MustConnect()
	st := store.New(pool)
	ctx := context.Background()

	keys := sessionkey.New(authn.SigningKeys{DB: pool}, st)
	loadedKeys, err := st.LoadSessionKeys(ctx)
	if err != nil {
		log.Fatalf("load session keys: %v", err)
	}
	keys.Load(loadedKeys)

	charges := ledger.New(keys, st)
	records, err := st.LoadMicropayments(ctx)
	if err != nil {
		log.Fatalf("load micropayments: %v", err)
	}
	credits, err := st.LoadCredits(ctx)
	if err != nil {
		log.Fatalf("load credits: %v", err)
	}
	charges.Load(records, credits)

	// Pending charges still hold capacity; rebuild their reservation tokens
	// so the reaper can release them.
	var held []sessionkey.Reservation
	for _, rec := range records {
		if rec.Status == ledger.StatusPending && rec.Payer.Kind == ledger.PayerSessionKey && rec.ReservationToken != "" {
			held = append(held, sessionkey.Reservation{
				Token:  rec.ReservationToken,
				KeyID:  rec.Payer.ID,
				Amount: rec.TotalAmount,
			})
		}
	}
	keys.LoadReservations(held)

	pools := escrow.New(st)
	loadedPools, err := st.LoadPools(ctx)
	if err != nil {
		log.Fatalf("load escrow pools: %v", err)
	}
	pools.Load(loadedPools)

	bundlerBase := os.Getenv("BUNDLER_BASE_URL")
	if bundlerBase == "" {
		bundlerBase = "http://localhost:8090"
	}
	settler := bundler.New(bundlerBase, 30*time.Second)
	ingress := webhooks.NewIngressHandler(st, charges)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8085"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/pay", func(api chi.Router) {

		api.Post("/session-keys", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				OwnerAccountID  string             `json:"owner_account_id"`
				MaxPerOperation uint64             `json:"max_per_operation"`
				MaxTotalSpend   uint64             `json:"max_total_spend"`
				ValidUntil      string             `json:"valid_until"`
				Envelope        signature.Envelope `json:"envelope"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			validUntil, err := time.Parse(time.RFC3339, req.ValidUntil)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_REQUEST", "valid_until must be RFC3339", nil)
				return
			}
			key, err := keys.Register(r.Context(), sessionkey.RegisterParams{
				OwnerAccountID:  req.OwnerAccountID,
				MaxPerOperation: req.MaxPerOperation,
				MaxTotalSpend:   req.MaxTotalSpend,
				ValidUntil:      validUntil,
				Envelope:        req.Envelope,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "session_key": key})
		})

		api.Post("/session-keys/{key_id}:revoke", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			key, err := keys.Revoke(r.Context(), chi.URLParam(r, "key_id"), caller.AccountID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "session_key": key})
		})

		api.Get("/session-keys/{key_id}", func(w http.ResponseWriter, r *http.Request) {
			key, ok := keys.Get(chi.URLParam(r, "key_id"))
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "session key not found", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "session_key": key})
		})

		api.Post("/charges", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Payer           ledger.PayerRef `json:"payer"`
				BaseAmount      uint64          `json:"base_amount"`
				ComplexityClass string          `json:"complexity_class"`
				FeeRate         float64         `json:"fee_rate"`
				IdempotencyKey  string          `json:"idempotency_key"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			base := req.BaseAmount
			if req.ComplexityClass != "" {
				if base != 0 {
					httpx.WriteFault(w, faults.New(faults.KindInvalidInput,
						"base_amount and complexity_class are mutually exclusive"))
					return
				}
				priced, err := ledger.PriceFor(ledger.ComplexityClass(strings.ToUpper(req.ComplexityClass)))
				if err != nil {
					httpx.WriteFault(w, err)
					return
				}
				base = priced
			}
			rec, err := charges.Charge(r.Context(), ledger.ChargeRequest{
				Payer:          req.Payer,
				BaseAmount:     base,
				FeeRate:        req.FeeRate,
				IdempotencyKey: req.IdempotencyKey,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			if rec.Status == ledger.StatusPending {
				go submitCharge(settler, charges, rec)
			}
			httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.NewRequestID(), "charge": rec})
		})

		api.Get("/charges/{payment_id}", func(w http.ResponseWriter, r *http.Request) {
			rec, ok := charges.Get(chi.URLParam(r, "payment_id"))
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "charge not found", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "charge": rec})
		})

		api.Post("/credits", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			var req struct {
				Amount uint64 `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			balance, err := charges.CreditAccount(r.Context(), caller.AccountID, req.Amount)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"account_id": caller.AccountID,
				"balance":    balance,
			})
		})

		api.Post("/pools", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			var req struct {
				ProjectID   string `json:"project_id"`
				MilestoneID string `json:"milestone_id"`
				Amount      uint64 `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := pools.Deposit(r.Context(), escrow.DepositParams{
				PoolID:      "pool_" + uuid.NewString(),
				ProjectID:   req.ProjectID,
				MilestoneID: req.MilestoneID,
				Amount:      req.Amount,
				Source:      caller.AccountID,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
		})

		api.Post("/pools/{pool_id}:deposit", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			var req struct {
				Amount uint64 `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := pools.Deposit(r.Context(), escrow.DepositParams{
				PoolID: chi.URLParam(r, "pool_id"),
				Amount: req.Amount,
				Source: caller.AccountID,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
		})

		api.Post("/pools/{pool_id}:lock", poolAmountHandler(pools.Lock))
		api.Post("/pools/{pool_id}:unlock", poolAmountHandler(pools.Unlock))

		api.Post("/pools/{pool_id}:withdraw", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			var req struct {
				Amount uint64 `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := pools.Withdraw(r.Context(), chi.URLParam(r, "pool_id"), req.Amount, caller.AccountID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
		})

		api.Post("/pools/{pool_id}:complete", poolTransitionHandler(pool, pools.Complete))
		api.Post("/pools/{pool_id}:cancel", poolTransitionHandler(pool, pools.Cancel))

		api.Post("/pools/{pool_id}/yield", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Amount   uint64 `json:"amount"`
				PeriodID string `json:"period_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := pools.ReportYield(r.Context(), chi.URLParam(r, "pool_id"), req.Amount, req.PeriodID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
		})

		api.Get("/pools/{pool_id}", func(w http.ResponseWriter, r *http.Request) {
			p, ok := pools.Get(chi.URLParam(r, "pool_id"))
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "pool not found", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
		})

		api.Post("/webhooks/settlement/{provider}/{endpoint_token}", ingress.HandleIngress)
	})

	timeout := settlementTimeout()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return http.ListenAndServe(":"+port, r)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				reaped := charges.ReapStale(gctx, time.Now().UTC().Add(-timeout))
				if len(reaped) > 0 {
					log.Printf("reaped %d stale pending charges", len(reaped))
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

// submitCharge runs outside any request; the charge is already journaled
// Pending, so a crash here is recovered by the reaper or the webhook.
func submitCharge(settler *bundler.Client, charges *ledger.Ledger, rec ledger.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ref, err := settler.Submit(ctx, rec)
	if err != nil {
		if _, rerr := charges.ResolveFailed(ctx, rec.PaymentID); rerr != nil {
			log.Printf("resolve failed %s: %v", rec.PaymentID, rerr)
		}
		return
	}
	if _, rerr := charges.ResolveSettled(ctx, rec.PaymentID, ref); rerr != nil {
		log.Printf("resolve settled %s: %v", rec.PaymentID, rerr)
	}
}

func poolAmountHandler(op func(ctx context.Context, poolID string, amount uint64) (escrow.Pool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount uint64 `json:"amount"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		p, err := op(r.Context(), chi.URLParam(r, "pool_id"), req.Amount)
		if err != nil {
			httpx.WriteFault(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
	}
}

func poolTransitionHandler(dbpool *pgxpool.Pool, op func(ctx context.Context, poolID, caller string) (escrow.Pool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := authn.AuthenticateBearer(r.Context(), dbpool, r.Header.Get("Authorization"))
		if err != nil {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
			return
		}
		p, err := op(r.Context(), chi.URLParam(r, "pool_id"), caller.AccountID)
		if err != nil {
			httpx.WriteFault(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pool": p})
	}
}

func settlementTimeout() time.Duration {
	raw := strings.TrimSpace(os.Getenv("EVX_SETTLEMENT_TIMEOUT_SECONDS"))
	if raw == "" {
		return 5 * time.Minute
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(secs) * time.Second
}
