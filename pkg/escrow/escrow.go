// Package escrow holds funds earmarked for a project or milestone, tracking
// locked versus available balance and admitting externally-reported yield.
// The pool never computes yield; it only tolerates balance-increasing reports
// from the external source, idempotently per reporting period.
package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Pool is one escrow balance.
type Pool struct {
	PoolID         string    `json:"pool_id"`
	ProjectID      string    `json:"project_id"`
	MilestoneID    string    `json:"milestone_id,omitempty"`
	DepositorID    string    `json:"depositor_id"`
	TotalDeposited uint64    `json:"total_deposited"`
	LockedAmount   uint64    `json:"locked_amount"`
	YieldAccrued   uint64    `json:"yield_accrued"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	// SeenPeriods carries the yield periods already applied, for
	// at-least-once delivery from the yield source.
	SeenPeriods []string `json:"seen_periods,omitempty"`
}

// Available is the balance not locked: totalDeposited + yieldAccrued - locked.
func (p Pool) Available() uint64 {
	return p.TotalDeposited + p.YieldAccrued - p.LockedAmount
}

// Journal persists accepted pool transitions.
type Journal interface {
	SavePool(ctx context.Context, pool Pool) error
}

// NopJournal backs tests.
type NopJournal struct{}

func (NopJournal) SavePool(context.Context, Pool) error { return nil }

type poolEntry struct {
	mu      sync.Mutex
	pool    Pool
	periods map[string]bool
}

// Store is the escrow pool arena.
type Store struct {
	mu      sync.Mutex
	pools   map[string]*poolEntry
	journal Journal
	now     func() time.Time
}

func New(journal Journal) *Store {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Store{
		pools:   make(map[string]*poolEntry),
		journal: journal,
		now:     time.Now,
	}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) lookup(poolID string) (*poolEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pools[poolID]
	return e, ok
}

// DepositParams describe a funding event. The first deposit creates the pool
// and fixes Source as its depositor of record.
type DepositParams struct {
	PoolID      string
	ProjectID   string
	MilestoneID string
	Amount      uint64
	Source      string
}

func (s *Store) Deposit(ctx context.Context, p DepositParams) (Pool, error) {
	if p.PoolID == "" || p.Source == "" {
		return Pool{}, faults.New(faults.KindInvalidInput, "pool_id and source are required")
	}
	if p.Amount == 0 {
		return Pool{}, faults.New(faults.KindInvalidInput, "amount must be positive")
	}

	s.mu.Lock()
	e, ok := s.pools[p.PoolID]
	if !ok {
		if p.ProjectID == "" {
			s.mu.Unlock()
			return Pool{}, faults.New(faults.KindInvalidInput, "project_id is required for a new pool")
		}
		e = &poolEntry{
			pool: Pool{
				PoolID:      p.PoolID,
				ProjectID:   p.ProjectID,
				MilestoneID: p.MilestoneID,
				DepositorID: p.Source,
				Status:      StatusActive,
				CreatedAt:   s.now().UTC(),
			},
			periods: make(map[string]bool),
		}
		s.pools[p.PoolID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool.Status == StatusCancelled {
		return Pool{}, faults.Newf(faults.KindInvalidInput, "pool %s is cancelled", p.PoolID)
	}
	next := e.pool
	next.TotalDeposited += p.Amount
	next.UpdatedAt = s.now().UTC()
	if err := s.journal.SavePool(ctx, next); err != nil {
		return Pool{}, err
	}
	e.pool = next
	return next, nil
}

// Lock moves available funds into the locked balance.
func (s *Store) Lock(ctx context.Context, poolID string, amount uint64) (Pool, error) {
	return s.mutate(ctx, poolID, amount, func(pool *Pool, amount uint64) error {
		if pool.Available() < amount {
			return faults.Newf(faults.KindInsufficientFunds, "pool %s has %d available, need %d", poolID, pool.Available(), amount)
		}
		pool.LockedAmount += amount
		return nil
	})
}

// Unlock returns locked funds to the available balance.
func (s *Store) Unlock(ctx context.Context, poolID string, amount uint64) (Pool, error) {
	return s.mutate(ctx, poolID, amount, func(pool *Pool, amount uint64) error {
		if pool.LockedAmount < amount {
			return faults.Newf(faults.KindInvalidInput, "pool %s has only %d locked", poolID, pool.LockedAmount)
		}
		pool.LockedAmount -= amount
		return nil
	})
}

// ReportYield admits an externally-computed yield increment. A repeated
// report for an already-seen period is a no-op, not an error.
func (s *Store) ReportYield(ctx context.Context, poolID string, amount uint64, periodID string) (Pool, error) {
	if periodID == "" {
		return Pool{}, faults.New(faults.KindInvalidInput, "period_id is required")
	}
	if amount == 0 {
		return Pool{}, faults.New(faults.KindInvalidInput, "amount must be positive")
	}
	e, ok := s.lookup(poolID)
	if !ok {
		return Pool{}, faults.Newf(faults.KindNotFound, "pool %s not found", poolID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.periods[periodID] {
		return e.pool, nil
	}
	if e.pool.Status != StatusActive {
		return Pool{}, faults.Newf(faults.KindInvalidInput, "pool %s is not active", poolID)
	}
	next := e.pool
	next.YieldAccrued += amount
	next.SeenPeriods = append(append([]string(nil), next.SeenPeriods...), periodID)
	next.UpdatedAt = s.now().UTC()
	if err := s.journal.SavePool(ctx, next); err != nil {
		return Pool{}, err
	}
	e.pool = next
	e.periods[periodID] = true
	return next, nil
}

// Withdraw returns available funds to the depositor of record. Yield is
// drawn before principal.
func (s *Store) Withdraw(ctx context.Context, poolID string, amount uint64, caller string) (Pool, error) {
	if amount == 0 {
		return Pool{}, faults.New(faults.KindInvalidInput, "amount must be positive")
	}
	e, ok := s.lookup(poolID)
	if !ok {
		return Pool{}, faults.Newf(faults.KindNotFound, "pool %s not found", poolID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool.DepositorID != caller {
		return Pool{}, faults.New(faults.KindNotAuthorized, "only the depositor of record can withdraw")
	}
	if e.pool.Status != StatusActive {
		return Pool{}, faults.Newf(faults.KindInvalidInput, "pool %s is not active", poolID)
	}
	if e.pool.Available() < amount {
		return Pool{}, faults.Newf(faults.KindInsufficientFunds, "pool %s has %d available, need %d", poolID, e.pool.Available(), amount)
	}
	next := e.pool
	fromYield := amount
	if fromYield > next.YieldAccrued {
		fromYield = next.YieldAccrued
	}
	next.YieldAccrued -= fromYield
	next.TotalDeposited -= amount - fromYield
	next.UpdatedAt = s.now().UTC()
	if err := s.journal.SavePool(ctx, next); err != nil {
		return Pool{}, err
	}
	e.pool = next
	return next, nil
}

// Complete marks the pool terminal after project completion.
func (s *Store) Complete(ctx context.Context, poolID, caller string) (Pool, error) {
	return s.transition(ctx, poolID, caller, StatusCompleted)
}

// Cancel marks the pool terminal without completion; deposits and
// withdrawals are rejected afterwards.
func (s *Store) Cancel(ctx context.Context, poolID, caller string) (Pool, error) {
	return s.transition(ctx, poolID, caller, StatusCancelled)
}

func (s *Store) transition(ctx context.Context, poolID, caller string, to Status) (Pool, error) {
	e, ok := s.lookup(poolID)
	if !ok {
		return Pool{}, faults.Newf(faults.KindNotFound, "pool %s not found", poolID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool.DepositorID != caller {
		return Pool{}, faults.New(faults.KindNotAuthorized, "only the depositor of record can close a pool")
	}
	if e.pool.Status != StatusActive {
		return Pool{}, faults.Newf(faults.KindInvalidInput, "pool %s is already %s", poolID, e.pool.Status)
	}
	next := e.pool
	next.Status = to
	next.UpdatedAt = s.now().UTC()
	if err := s.journal.SavePool(ctx, next); err != nil {
		return Pool{}, err
	}
	e.pool = next
	return next, nil
}

// Get is a pure read.
func (s *Store) Get(poolID string) (Pool, bool) {
	e, ok := s.lookup(poolID)
	if !ok {
		return Pool{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool, true
}

// Load seeds the arena from journaled pools at startup.
func (s *Store) Load(pools []Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pools {
		periods := make(map[string]bool, len(p.SeenPeriods))
		for _, id := range p.SeenPeriods {
			periods[id] = true
		}
		s.pools[p.PoolID] = &poolEntry{pool: p, periods: periods}
	}
}

func (s *Store) mutate(ctx context.Context, poolID string, amount uint64, apply func(*Pool, uint64) error) (Pool, error) {
	if amount == 0 {
		return Pool{}, faults.New(faults.KindInvalidInput, "amount must be positive")
	}
	e, ok := s.lookup(poolID)
	if !ok {
		return Pool{}, faults.Newf(faults.KindNotFound, "pool %s not found", poolID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool.Status == StatusCancelled {
		return Pool{}, faults.Newf(faults.KindInvalidInput, "pool %s is cancelled", poolID)
	}
	next := e.pool
	if err := apply(&next, amount); err != nil {
		return Pool{}, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.journal.SavePool(ctx, next); err != nil {
		return Pool{}, err
	}
	e.pool = next
	return next, nil
}
