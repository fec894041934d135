// Package store journals milestone commitments to Postgres and replays them
// at startup. The in-memory arena is authoritative at runtime; a row is
// written before any transition becomes visible.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencontainers/go-digest"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/commitment"
)

var ErrAnchorNotFound = errors.New("anchor not found")

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) SaveCommitment(ctx context.Context, rec commitment.Record) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO milestone_commitments(project_id,milestone_id,root_hash,committer_id,total_amount,leaf_count,metadata_ref,committed_at,finalized,finalized_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (project_id,milestone_id) DO UPDATE SET
  root_hash=EXCLUDED.root_hash,
  committer_id=EXCLUDED.committer_id,
  total_amount=EXCLUDED.total_amount,
  leaf_count=EXCLUDED.leaf_count,
  metadata_ref=EXCLUDED.metadata_ref,
  committed_at=EXCLUDED.committed_at,
  finalized=EXCLUDED.finalized,
  finalized_at=EXCLUDED.finalized_at
`, rec.ProjectID, rec.MilestoneID, string(rec.RootHash), rec.CommitterID,
		int64(rec.TotalAmount), rec.LeafCount, rec.MetadataRef, rec.CommittedAt,
		rec.Finalized, rec.FinalizedAt)
	return err
}

// LoadCommitments reads every journaled record for the startup replay.
func (s *Store) LoadCommitments(ctx context.Context) ([]commitment.Record, error) {
	rows, err := s.DB.Query(ctx, `
SELECT project_id,milestone_id,root_hash,committer_id,total_amount,leaf_count,metadata_ref,committed_at,finalized,finalized_at
FROM milestone_commitments
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []commitment.Record
	for rows.Next() {
		var rec commitment.Record
		var root string
		var total int64
		if err := rows.Scan(&rec.ProjectID, &rec.MilestoneID, &root, &rec.CommitterID,
			&total, &rec.LeafCount, &rec.MetadataRef, &rec.CommittedAt,
			&rec.Finalized, &rec.FinalizedAt); err != nil {
			return nil, err
		}
		rec.RootHash = digest.Digest(root)
		rec.TotalAmount = uint64(total)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Anchor is an RFC 3161 timestamp token obtained for a finalized root. One
// anchor per milestone; re-anchoring replaces the previous token.
type Anchor struct {
	ProjectID   string    `json:"project_id"`
	MilestoneID string    `json:"milestone_id"`
	RootHash    string    `json:"root_hash"`
	TSAURL      string    `json:"tsa_url"`
	Token       []byte    `json:"token"`
	ContentType string    `json:"content_type"`
	AnchoredAt  time.Time `json:"anchored_at"`
}

func (s *Store) SaveAnchor(ctx context.Context, a Anchor) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO milestone_anchors(project_id,milestone_id,root_hash,tsa_url,token,content_type,anchored_at)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (project_id,milestone_id) DO UPDATE SET
  root_hash=EXCLUDED.root_hash,
  tsa_url=EXCLUDED.tsa_url,
  token=EXCLUDED.token,
  content_type=EXCLUDED.content_type,
  anchored_at=EXCLUDED.anchored_at
`, a.ProjectID, a.MilestoneID, a.RootHash, a.TSAURL, a.Token, a.ContentType, a.AnchoredAt)
	return err
}

func (s *Store) GetAnchor(ctx context.Context, projectID, milestoneID string) (Anchor, error) {
	var a Anchor
	err := s.DB.QueryRow(ctx, `
SELECT project_id,milestone_id,root_hash,tsa_url,token,content_type,anchored_at
FROM milestone_anchors
WHERE project_id=$1 AND milestone_id=$2
`, projectID, milestoneID).Scan(&a.ProjectID, &a.MilestoneID, &a.RootHash,
		&a.TSAURL, &a.Token, &a.ContentType, &a.AnchoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Anchor{}, ErrAnchorNotFound
	}
	if err != nil {
		return Anchor{}, err
	}
	return a, nil
}
