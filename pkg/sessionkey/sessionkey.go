// Package sessionkey issues and enforces bounded, time-limited, revocable
// spending capabilities. A key is never deleted: revocation is a one-way
// stored transition and expiry is a read-time condition, which preserves the
// audit trail of everything a key ever authorized.
package sessionkey

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/canonmsg"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/signature"
)

// Key is one delegated spending capability.
type Key struct {
	KeyID           string     `json:"key_id"`
	OwnerAccountID  string     `json:"owner_account_id"`
	MaxPerOperation uint64     `json:"max_per_operation"`
	MaxTotalSpend   uint64     `json:"max_total_spend"`
	SpentSoFar      uint64     `json:"spent_so_far"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidUntil      time.Time  `json:"valid_until"`
	Revoked         bool       `json:"revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Reservation is the capacity hold returned by a successful Authorize. Its
// token releases that exact hold at most once.
type Reservation struct {
	Token  string `json:"token"`
	KeyID  string `json:"key_id"`
	Amount uint64 `json:"amount"`
}

// Credentials resolves an account's registered signing key. The envelope
// presented at registration must use exactly that credential.
type Credentials interface {
	LookupSigningKey(ctx context.Context, accountID string) (publicKey string, err error)
}

// Journal persists accepted key transitions.
type Journal interface {
	SaveSessionKey(ctx context.Context, key Key) error
}

// NopJournal backs tests.
type NopJournal struct{}

func (NopJournal) SaveSessionKey(context.Context, Key) error { return nil }

type keyEntry struct {
	mu  sync.Mutex
	key Key
}

// Authority owns all session keys and their reservations.
type Authority struct {
	mu           sync.Mutex
	keys         map[string]*keyEntry
	reservations map[string]Reservation
	credentials  Credentials
	journal      Journal
	now          func() time.Time
}

func New(credentials Credentials, journal Journal) *Authority {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Authority{
		keys:         make(map[string]*keyEntry),
		reservations: make(map[string]Reservation),
		credentials:  credentials,
		journal:      journal,
		now:          time.Now,
	}
}

// WithClock overrides the time source.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// RegisterParams carry an owner-signed delegation. ValidUntil is part of the
// signed canonical message, so the owner fixes the expiry, not the server.
type RegisterParams struct {
	OwnerAccountID  string
	MaxPerOperation uint64
	MaxTotalSpend   uint64
	ValidUntil      time.Time
	Envelope        signature.Envelope
}

// Register verifies the owner's signature over the canonical registration
// message and creates an Active key.
func (a *Authority) Register(ctx context.Context, p RegisterParams) (Key, error) {
	if p.MaxPerOperation == 0 || p.MaxTotalSpend == 0 {
		return Key{}, faults.New(faults.KindInvalidInput, "spend limits must be positive")
	}
	now := a.now().UTC()
	if !p.ValidUntil.After(now) {
		return Key{}, faults.New(faults.KindInvalidInput, "valid_until must be in the future")
	}

	registered, err := a.credentials.LookupSigningKey(ctx, p.OwnerAccountID)
	if err != nil {
		return Key{}, err
	}
	if strings.TrimSpace(p.Envelope.PublicKey) != strings.TrimSpace(registered) {
		return Key{}, faults.New(faults.KindNotAuthorized, "envelope key is not the owner's registered credential")
	}
	reg := canonmsg.Registration{
		OwnerAccountID:  p.OwnerAccountID,
		MaxPerOperation: p.MaxPerOperation,
		MaxTotalSpend:   p.MaxTotalSpend,
		ValidUntil:      p.ValidUntil,
	}
	if _, err := signature.VerifyRegistration(reg, p.Envelope); err != nil {
		return Key{}, faults.Newf(faults.KindNotAuthorized, "registration signature rejected: %v", err)
	}

	key := Key{
		KeyID:           "key_" + uuid.NewString(),
		OwnerAccountID:  p.OwnerAccountID,
		MaxPerOperation: p.MaxPerOperation,
		MaxTotalSpend:   p.MaxTotalSpend,
		ValidFrom:       now,
		ValidUntil:      p.ValidUntil.UTC(),
	}
	if err := a.journal.SaveSessionKey(ctx, key); err != nil {
		return Key{}, err
	}
	a.mu.Lock()
	a.keys[key.KeyID] = &keyEntry{key: key}
	a.mu.Unlock()
	return key, nil
}

func (a *Authority) lookup(keyID string) (*keyEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.keys[keyID]
	return e, ok
}

// Authorize admits a debit of amount against the key, reserving capacity by
// incrementing spentSoFar immediately. Checks run in a fixed order and a
// failed check performs no mutation.
func (a *Authority) Authorize(ctx context.Context, keyID string, amount uint64) (Reservation, error) {
	if amount == 0 {
		return Reservation{}, faults.New(faults.KindInvalidInput, "amount must be positive")
	}
	e, ok := a.lookup(keyID)
	if !ok {
		return Reservation{}, faults.Newf(faults.KindNotFound, "session key %s not found", keyID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := a.now().UTC()
	switch {
	case e.key.Revoked:
		return Reservation{}, faults.Newf(faults.KindRevoked, "session key %s is revoked", keyID)
	case now.Before(e.key.ValidFrom):
		return Reservation{}, faults.Newf(faults.KindExpired, "session key %s is not yet valid", keyID)
	case !now.Before(e.key.ValidUntil):
		return Reservation{}, faults.Newf(faults.KindExpired, "session key %s expired", keyID)
	case amount > e.key.MaxPerOperation:
		return Reservation{}, faults.Newf(faults.KindLimitExceeded, "amount %d exceeds per-operation cap %d", amount, e.key.MaxPerOperation)
	case e.key.SpentSoFar+amount > e.key.MaxTotalSpend:
		return Reservation{}, faults.Newf(faults.KindLimitExceeded, "amount %d exceeds remaining capacity %d", amount, e.key.MaxTotalSpend-e.key.SpentSoFar)
	}

	next := e.key
	next.SpentSoFar += amount
	if err := a.journal.SaveSessionKey(ctx, next); err != nil {
		return Reservation{}, err
	}
	e.key = next

	rsv := Reservation{Token: "rsv_" + uuid.NewString(), KeyID: keyID, Amount: amount}
	a.mu.Lock()
	a.reservations[rsv.Token] = rsv
	a.mu.Unlock()
	return rsv, nil
}

// Release returns reserved capacity after a downstream settlement failure.
// The reservation token is single-use: a second release of the same token is
// rejected, which makes the correction idempotent under retries. Release is
// best-effort accounting, not a security boundary.
func (a *Authority) Release(ctx context.Context, rsv Reservation) error {
	a.mu.Lock()
	stored, ok := a.reservations[rsv.Token]
	if ok {
		delete(a.reservations, rsv.Token)
	}
	a.mu.Unlock()
	if !ok || stored.KeyID != rsv.KeyID || stored.Amount != rsv.Amount {
		return faults.New(faults.KindNotFound, "reservation token unknown or already released")
	}

	e, found := a.lookup(rsv.KeyID)
	if !found {
		return faults.Newf(faults.KindNotFound, "session key %s not found", rsv.KeyID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.key
	if rsv.Amount > next.SpentSoFar {
		next.SpentSoFar = 0
	} else {
		next.SpentSoFar -= rsv.Amount
	}
	if err := a.journal.SaveSessionKey(ctx, next); err != nil {
		return err
	}
	e.key = next
	return nil
}

// Consume discards a reservation whose charge settled successfully. The
// spend is permanent, so only the token bookkeeping goes; consuming an
// unknown or already-finished token is a no-op.
func (a *Authority) Consume(token string) {
	a.mu.Lock()
	delete(a.reservations, token)
	a.mu.Unlock()
}

// Revoke is the owner's one-way kill switch.
func (a *Authority) Revoke(ctx context.Context, keyID, callerAccountID string) (Key, error) {
	e, ok := a.lookup(keyID)
	if !ok {
		return Key{}, faults.Newf(faults.KindNotFound, "session key %s not found", keyID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key.OwnerAccountID != callerAccountID {
		return Key{}, faults.New(faults.KindNotAuthorized, "only the owner can revoke a session key")
	}
	if e.key.Revoked {
		return e.key, nil
	}
	next := e.key
	at := a.now().UTC()
	next.Revoked = true
	next.RevokedAt = &at
	if err := a.journal.SaveSessionKey(ctx, next); err != nil {
		return Key{}, err
	}
	e.key = next
	return next, nil
}

// Get is a pure read.
func (a *Authority) Get(keyID string) (Key, bool) {
	e, ok := a.lookup(keyID)
	if !ok {
		return Key{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key, true
}

// Load seeds the arena from journaled keys at startup.
func (a *Authority) Load(keys []Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		a.keys[k.KeyID] = &keyEntry{key: k}
	}
}

// LoadReservations restores in-flight holds for pending micropayments so the
// stale-pending reaper can still release them after a restart.
func (a *Authority) LoadReservations(rsvs []Reservation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range rsvs {
		a.reservations[r.Token] = r
	}
}
