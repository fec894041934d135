// Package commitment owns the per-(project, milestone) payout commitment
// records. Records move Uncommitted -> Committed -> Finalized; a finalized
// record is immutable forever. All mutations are serialized per key and
// journaled before they become visible, so a rejected operation never leaves
// a partial write.
package commitment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/merkle"
)

// Record is one milestone commitment.
type Record struct {
	ProjectID   string        `json:"project_id"`
	MilestoneID string        `json:"milestone_id"`
	RootHash    digest.Digest `json:"root_hash"`
	CommitterID string        `json:"committer_id"`
	TotalAmount uint64        `json:"total_amount"`
	LeafCount   int           `json:"leaf_count"`
	MetadataRef string        `json:"metadata_ref"`
	CommittedAt time.Time     `json:"committed_at"`
	Finalized   bool          `json:"finalized"`
	FinalizedAt *time.Time    `json:"finalized_at,omitempty"`
}

// Journal persists accepted transitions. A journal error rejects the
// operation before any in-memory state changes.
type Journal interface {
	SaveCommitment(ctx context.Context, rec Record) error
}

// NopJournal backs tests and tooling that need no durability.
type NopJournal struct{}

func (NopJournal) SaveCommitment(context.Context, Record) error { return nil }

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Store is the commitment state machine arena.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	journal Journal
	now     func() time.Time
}

func New(journal Journal) *Store {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Store{
		entries: make(map[string]*entry),
		journal: journal,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func key(projectID, milestoneID string) string { return projectID + "/" + milestoneID }

func (s *Store) lookup(projectID, milestoneID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key(projectID, milestoneID)]
	return e, ok
}

func (s *Store) lookupOrCreate(projectID, milestoneID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(projectID, milestoneID)
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	return e
}

// CommitParams are the inputs to Commit.
type CommitParams struct {
	ProjectID   string
	MilestoneID string
	RootHash    digest.Digest
	TotalAmount uint64
	LeafCount   int
	MetadataRef string
	Caller      string
}

func (p CommitParams) validate() error {
	if p.ProjectID == "" || p.MilestoneID == "" {
		return faults.New(faults.KindInvalidInput, "project_id and milestone_id are required")
	}
	if p.Caller == "" {
		return faults.New(faults.KindInvalidInput, "caller is required")
	}
	if p.RootHash == "" {
		return faults.New(faults.KindInvalidInput, "root_hash is empty")
	}
	if _, err := merkle.ParseRootDigest(p.RootHash); err != nil {
		return err
	}
	if p.TotalAmount == 0 {
		return faults.New(faults.KindInvalidInput, "total_amount must be positive")
	}
	if p.LeafCount <= 0 {
		return faults.New(faults.KindInvalidInput, "leaf_count must be positive")
	}
	if p.MetadataRef == "" {
		return faults.New(faults.KindInvalidInput, "metadata_ref is empty")
	}
	return nil
}

// Commit creates a record, or overwrites a not-yet-finalized record when the
// caller is its committer. This is the sole correction path before work
// begins.
func (s *Store) Commit(ctx context.Context, p CommitParams) (Record, error) {
	if err := p.validate(); err != nil {
		return Record{}, err
	}
	e := s.lookupOrCreate(p.ProjectID, p.MilestoneID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.RootHash != "" {
		if e.rec.Finalized {
			return Record{}, faults.Newf(faults.KindAlreadyFinalized,
				"milestone %s/%s is finalized", p.ProjectID, p.MilestoneID)
		}
		if e.rec.CommitterID != p.Caller {
			return Record{}, faults.Newf(faults.KindNotCommitter,
				"caller %s is not the committer", p.Caller)
		}
	}

	next := Record{
		ProjectID:   p.ProjectID,
		MilestoneID: p.MilestoneID,
		RootHash:    p.RootHash,
		CommitterID: p.Caller,
		TotalAmount: p.TotalAmount,
		LeafCount:   p.LeafCount,
		MetadataRef: p.MetadataRef,
		CommittedAt: s.now().UTC(),
	}
	if e.rec.RootHash != "" {
		// Committer identity is fixed by the first write.
		next.CommitterID = e.rec.CommitterID
	}
	if err := s.journal.SaveCommitment(ctx, next); err != nil {
		return Record{}, err
	}
	e.rec = next
	return next, nil
}

// Finalize freezes the record; no commit is accepted afterwards.
func (s *Store) Finalize(ctx context.Context, projectID, milestoneID, caller string) (Record, error) {
	e, ok := s.lookup(projectID, milestoneID)
	if !ok {
		return Record{}, faults.Newf(faults.KindNotFound, "milestone %s/%s has no commitment", projectID, milestoneID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.RootHash == "" {
		return Record{}, faults.Newf(faults.KindNotFound, "milestone %s/%s has no commitment", projectID, milestoneID)
	}
	if e.rec.Finalized {
		return Record{}, faults.Newf(faults.KindAlreadyFinalized, "milestone %s/%s is finalized", projectID, milestoneID)
	}
	if e.rec.CommitterID != caller {
		return Record{}, faults.Newf(faults.KindNotCommitter, "caller %s is not the committer", caller)
	}
	next := e.rec
	at := s.now().UTC()
	next.Finalized = true
	next.FinalizedAt = &at
	if err := s.journal.SaveCommitment(ctx, next); err != nil {
		return Record{}, err
	}
	e.rec = next
	return next, nil
}

// VerifySubmilestone checks membership of (subEntityID, amount) under the
// committed root. Unknown keys report false rather than erroring, and
// verification is independent of finalized state: payout authorization is a
// separate gate that must also require Finalized.
func (s *Store) VerifySubmilestone(projectID, milestoneID, subEntityID string, amount uint64, proof merkle.Proof) bool {
	e, ok := s.lookup(projectID, milestoneID)
	if !ok {
		return false
	}
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec.RootHash == "" {
		return false
	}
	root, err := merkle.ParseRootDigest(rec.RootHash)
	if err != nil {
		return false
	}
	return merkle.Verify(proof, root, leafhash.Leaf{SubEntityID: subEntityID, Amount: amount})
}

// GetMilestoneCommit is a pure read.
func (s *Store) GetMilestoneCommit(projectID, milestoneID string) (Record, bool) {
	e, ok := s.lookup(projectID, milestoneID)
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.RootHash == "" {
		return Record{}, false
	}
	return e.rec, true
}

// GetProjectMilestones lists a project's commitments ordered by milestone id.
func (s *Store) GetProjectMilestones(projectID string) []Record {
	s.mu.Lock()
	entries := make([]*entry, 0)
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var out []Record
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if rec.RootHash != "" && rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MilestoneID < out[j].MilestoneID })
	return out
}

// Load seeds the arena from journaled records at startup. It must run before
// the store serves traffic.
func (s *Store) Load(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.entries[key(rec.ProjectID, rec.MilestoneID)] = &entry{rec: rec}
	}
}
