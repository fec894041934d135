// Package ledger records every debit attempt against a session key or a
// prepaid account balance. Capacity is reserved synchronously before the
// settlement wait; the settlement outcome arrives later as a follow-up atomic
// transition (Pending -> Success|Failed), so no per-key lock is ever held
// across the external submission.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/sessionkey"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

type PayerKind string

const (
	PayerSessionKey PayerKind = "SESSION_KEY"
	PayerAccount    PayerKind = "ACCOUNT"
)

// PayerRef is the tagged payer variant, resolved once at the ledger boundary.
type PayerRef struct {
	Kind PayerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Record is one debit attempt. Terminal states are immutable.
type Record struct {
	PaymentID        string     `json:"payment_id"`
	Payer            PayerRef   `json:"payer"`
	BaseAmount       uint64     `json:"base_amount"`
	FeeAmount        uint64     `json:"fee_amount"`
	TotalAmount      uint64     `json:"total_amount"`
	Status           Status     `json:"status"`
	SettlementRef    string     `json:"settlement_ref,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key"`
	PayloadHash      string     `json:"payload_hash,omitempty"`
	ReservationToken string     `json:"reservation_token,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Authority is the capacity check for session-key payers.
type Authority interface {
	Authorize(ctx context.Context, keyID string, amount uint64) (sessionkey.Reservation, error)
	Release(ctx context.Context, rsv sessionkey.Reservation) error
	// Consume retires a reservation token once its charge settled; the
	// spend stays counted.
	Consume(token string)
}

// Settler submits an approved charge to the external bundler/chain. It is
// called outside every ledger lock.
type Settler interface {
	Submit(ctx context.Context, rec Record) (settlementRef string, err error)
}

// Journal persists accepted ledger transitions.
type Journal interface {
	SaveMicropayment(ctx context.Context, rec Record) error
	SaveCredit(ctx context.Context, accountID string, balance uint64) error
}

// NopJournal backs tests.
type NopJournal struct{}

func (NopJournal) SaveMicropayment(context.Context, Record) error { return nil }
func (NopJournal) SaveCredit(context.Context, string, uint64) error { return nil }

type recordEntry struct {
	mu  sync.Mutex
	rec Record
}

// Ledger owns micropayment records, idempotency bindings, and prepaid
// account credit.
type Ledger struct {
	mu        sync.Mutex
	records   map[string]*recordEntry
	idem      map[string]idemBinding
	credits   map[string]uint64
	authority Authority
	journal   Journal
	now       func() time.Time
	inflight  singleflight.Group
}

type idemBinding struct {
	paymentID   string
	payloadHash string
}

func New(authority Authority, journal Journal) *Ledger {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Ledger{
		records:   make(map[string]*recordEntry),
		idem:      make(map[string]idemBinding),
		credits:   make(map[string]uint64),
		authority: authority,
		journal:   journal,
		now:       time.Now,
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ChargeRequest is one debit attempt from the usage-billing boundary.
type ChargeRequest struct {
	Payer          PayerRef
	BaseAmount     uint64
	FeeRate        float64
	IdempotencyKey string
}

func (r ChargeRequest) payloadHash() string {
	h := sha256.New()
	h.Write([]byte(r.Payer.Kind))
	h.Write([]byte{0})
	h.Write([]byte(r.Payer.ID))
	h.Write([]byte{0})
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], r.BaseAmount)
	h.Write(amt[:])
	binary.BigEndian.PutUint64(amt[:], math.Float64bits(r.FeeRate))
	h.Write(amt[:])
	return hex.EncodeToString(h.Sum(nil))
}

// FeeFor rounds base*rate half-up to the nearest unit.
func FeeFor(base uint64, rate float64) uint64 {
	return uint64(math.Floor(float64(base)*rate + 0.5))
}

// Charge validates, reserves capacity, and records a Pending debit. A retry
// carrying the same idempotency key returns the existing record; the same key
// with a different payload is rejected. Settlement is applied later by
// ResolveSettled or ResolveFailed.
func (l *Ledger) Charge(ctx context.Context, req ChargeRequest) (Record, error) {
	if req.IdempotencyKey == "" {
		return Record{}, faults.New(faults.KindInvalidInput, "idempotency_key is required")
	}
	if req.Payer.ID == "" {
		return Record{}, faults.New(faults.KindInvalidInput, "payer is required")
	}
	if req.Payer.Kind != PayerSessionKey && req.Payer.Kind != PayerAccount {
		return Record{}, faults.Newf(faults.KindInvalidInput, "unknown payer kind %q", req.Payer.Kind)
	}
	if req.BaseAmount == 0 {
		return Record{}, faults.New(faults.KindInvalidInput, "base_amount must be positive")
	}
	if req.FeeRate < 0 || math.IsNaN(req.FeeRate) || math.IsInf(req.FeeRate, 0) {
		return Record{}, faults.New(faults.KindInvalidInput, "fee_rate must be a non-negative finite number")
	}

	// Concurrent retries of the same idempotency key collapse into one
	// admission; distinct keys proceed in parallel.
	v, err, _ := l.inflight.Do(req.IdempotencyKey, func() (any, error) {
		return l.chargeOnce(ctx, req)
	})
	if err != nil {
		return Record{}, err
	}
	rec := v.(Record)
	// A caller sharing the flight may carry a different payload than the one
	// admitted; the key binds to exactly one payload.
	if rec.PayloadHash != req.payloadHash() {
		return Record{}, faults.New(faults.KindDuplicateOperation, "idempotency key reused with a different payload")
	}
	return rec, nil
}

func (l *Ledger) chargeOnce(ctx context.Context, req ChargeRequest) (Record, error) {
	hash := req.payloadHash()
	l.mu.Lock()
	if bound, ok := l.idem[req.IdempotencyKey]; ok {
		e := l.records[bound.paymentID]
		l.mu.Unlock()
		if bound.payloadHash != hash {
			return Record{}, faults.New(faults.KindDuplicateOperation, "idempotency key reused with a different payload")
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.rec, nil
	}
	l.mu.Unlock()

	fee := FeeFor(req.BaseAmount, req.FeeRate)
	total := req.BaseAmount + fee

	rec := Record{
		PaymentID:      "pay_" + uuid.NewString(),
		Payer:          req.Payer,
		BaseAmount:     req.BaseAmount,
		FeeAmount:      fee,
		TotalAmount:    total,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		PayloadHash:    hash,
		CreatedAt:      l.now().UTC(),
	}

	switch req.Payer.Kind {
	case PayerSessionKey:
		rsv, err := l.authority.Authorize(ctx, req.Payer.ID, total)
		if err != nil {
			return Record{}, err
		}
		rec.ReservationToken = rsv.Token
	case PayerAccount:
		if err := l.debitCredit(ctx, req.Payer.ID, total); err != nil {
			return Record{}, err
		}
	}

	if err := l.journal.SaveMicropayment(ctx, rec); err != nil {
		l.compensate(ctx, rec)
		return Record{}, err
	}

	l.mu.Lock()
	l.records[rec.PaymentID] = &recordEntry{rec: rec}
	l.idem[req.IdempotencyKey] = idemBinding{paymentID: rec.PaymentID, payloadHash: hash}
	l.mu.Unlock()
	return rec, nil
}

// ResolveSettled applies a confirmed settlement: Pending -> Success.
// Re-delivery of the same outcome is a no-op.
func (l *Ledger) ResolveSettled(ctx context.Context, paymentID, settlementRef string) (Record, error) {
	return l.resolve(ctx, paymentID, StatusSuccess, settlementRef)
}

// ResolveFailed applies a failed or abandoned settlement: Pending -> Failed,
// releasing the reserved capacity.
func (l *Ledger) ResolveFailed(ctx context.Context, paymentID string) (Record, error) {
	return l.resolve(ctx, paymentID, StatusFailed, "")
}

func (l *Ledger) resolve(ctx context.Context, paymentID string, to Status, settlementRef string) (Record, error) {
	l.mu.Lock()
	e, ok := l.records[paymentID]
	l.mu.Unlock()
	if !ok {
		return Record{}, faults.Newf(faults.KindNotFound, "micropayment %s not found", paymentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status == to {
		return e.rec, nil
	}
	if e.rec.Status != StatusPending {
		return Record{}, faults.Newf(faults.KindInvalidInput,
			"micropayment %s is terminal (%s)", paymentID, e.rec.Status)
	}

	next := e.rec
	next.Status = to
	next.SettlementRef = settlementRef
	at := l.now().UTC()
	next.ResolvedAt = &at
	if err := l.journal.SaveMicropayment(ctx, next); err != nil {
		return Record{}, err
	}
	e.rec = next
	switch {
	case to == StatusFailed:
		l.compensate(ctx, next)
	case to == StatusSuccess && next.Payer.Kind == PayerSessionKey && next.ReservationToken != "":
		l.authority.Consume(next.ReservationToken)
	}
	return next, nil
}

// compensate returns reserved capacity after a failed charge. Best-effort:
// release past its single use is ignored.
func (l *Ledger) compensate(ctx context.Context, rec Record) {
	switch rec.Payer.Kind {
	case PayerSessionKey:
		_ = l.authority.Release(ctx, sessionkey.Reservation{
			Token:  rec.ReservationToken,
			KeyID:  rec.Payer.ID,
			Amount: rec.TotalAmount,
		})
	case PayerAccount:
		_ = l.refundCredit(ctx, rec.Payer.ID, rec.TotalAmount)
	}
}

// ReapStale fails every pending record created at or before cutoff, releasing
// its capacity, so an unsettled submission cannot strand spending authority
// forever. Returns the payment ids it resolved.
func (l *Ledger) ReapStale(ctx context.Context, cutoff time.Time) []string {
	l.mu.Lock()
	var stale []string
	for id, e := range l.records {
		e.mu.Lock()
		if e.rec.Status == StatusPending && !e.rec.CreatedAt.After(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	l.mu.Unlock()

	var reaped []string
	for _, id := range stale {
		if _, err := l.ResolveFailed(ctx, id); err == nil {
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Get is a pure read.
func (l *Ledger) Get(paymentID string) (Record, bool) {
	l.mu.Lock()
	e, ok := l.records[paymentID]
	l.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// CreditAccount adds prepaid balance for a direct-account payer.
func (l *Ledger) CreditAccount(ctx context.Context, accountID string, amount uint64) (uint64, error) {
	if accountID == "" || amount == 0 {
		return 0, faults.New(faults.KindInvalidInput, "account_id and a positive amount are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.credits[accountID] + amount
	if err := l.journal.SaveCredit(ctx, accountID, next); err != nil {
		return 0, err
	}
	l.credits[accountID] = next
	return next, nil
}

// CreditBalance is a pure read.
func (l *Ledger) CreditBalance(accountID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credits[accountID]
}

func (l *Ledger) debitCredit(ctx context.Context, accountID string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.credits[accountID]
	if balance < amount {
		return faults.Newf(faults.KindInsufficientFunds, "account %s has %d credit, need %d", accountID, balance, amount)
	}
	next := balance - amount
	if err := l.journal.SaveCredit(ctx, accountID, next); err != nil {
		return err
	}
	l.credits[accountID] = next
	return nil
}

func (l *Ledger) refundCredit(ctx context.Context, accountID string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.credits[accountID] + amount
	if err := l.journal.SaveCredit(ctx, accountID, next); err != nil {
		return err
	}
	l.credits[accountID] = next
	return nil
}

// Load seeds the ledger from journaled state at startup, rebuilding the
// idempotency bindings from the records themselves.
func (l *Ledger) Load(records []Record, credits map[string]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		l.records[rec.PaymentID] = &recordEntry{rec: rec}
		if rec.IdempotencyKey != "" {
			l.idem[rec.IdempotencyKey] = idemBinding{
				paymentID:   rec.PaymentID,
				payloadHash: rec.PayloadHash,
			}
		}
	}
	for id, balance := range credits {
		l.credits[id] = balance
	}
}
