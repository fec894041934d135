// Package proofbundle packages a single sub-entity payout claim with its
// Merkle inclusion proof into a portable JSON document that verifies offline,
// without access to the commitment service or its database.
package proofbundle

import (
	"encoding/json"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/merkle"
)

const BundleVersion = "ppb-v1"

type Bundle struct {
	BundleVersion string   `json:"bundle_version"`
	ProjectID     string   `json:"project_id"`
	MilestoneID   string   `json:"milestone_id"`
	Root          string   `json:"root"`
	Leaf          Leaf     `json:"leaf"`
	Proof         []string `json:"proof"`
	GeneratedAt   string   `json:"generated_at,omitempty"`
}

type Leaf struct {
	SubEntityID string `json:"sub_entity_id"`
	Amount      uint64 `json:"amount"`
}

type Result struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	StatusVerified           = "VERIFIED"
	StatusInvalidProof       = "INVALID_PROOF"
	StatusMalformedBundle    = "MALFORMED_BUNDLE"
	StatusUnsupportedVersion = "UNSUPPORTED_VERSION"
)

// Make assembles a bundle for one leaf of a committed milestone. The caller
// supplies the full leaf set in the order it was committed.
func Make(projectID, milestoneID string, leaves []leafhash.Leaf, index int, generatedAt string) (Bundle, error) {
	if projectID == "" || milestoneID == "" {
		return Bundle{}, faults.New(faults.KindInvalidInput, "project_id and milestone_id are required")
	}
	if index < 0 || index >= len(leaves) {
		return Bundle{}, faults.Newf(faults.KindInvalidInput, "leaf index %d out of range", index)
	}
	root, err := merkle.BuildRoot(leaves)
	if err != nil {
		return Bundle{}, err
	}
	proof, err := merkle.BuildProof(leaves, index)
	if err != nil {
		return Bundle{}, err
	}
	siblings := make([]string, 0, len(proof))
	for _, h := range proof {
		siblings = append(siblings, merkle.EncodeHash(h))
	}
	return Bundle{
		BundleVersion: BundleVersion,
		ProjectID:     projectID,
		MilestoneID:   milestoneID,
		Root:          string(merkle.RootDigest(root)),
		Leaf:          Leaf{SubEntityID: leaves[index].SubEntityID, Amount: leaves[index].Amount},
		Proof:         siblings,
		GeneratedAt:   generatedAt,
	}, nil
}

// VerifyJSON checks a serialized bundle: field shape, version, then the
// inclusion proof itself. Structural problems and proof failures come back as
// a Result, never an error, so callers can report them uniformly.
func VerifyJSON(raw []byte) (Result, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "invalid_json"}}, nil
	}
	return Verify(b)
}

func Verify(b Bundle) (Result, error) {
	if strings.TrimSpace(b.ProjectID) == "" ||
		strings.TrimSpace(b.MilestoneID) == "" ||
		strings.TrimSpace(b.Root) == "" ||
		strings.TrimSpace(b.Leaf.SubEntityID) == "" {
		return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "missing_required_fields"}}, nil
	}
	if b.BundleVersion != BundleVersion {
		return Result{Status: StatusUnsupportedVersion, Details: map[string]any{"bundle_version": b.BundleVersion}}, nil
	}
	root, err := merkle.ParseRootDigest(digest.Digest(b.Root))
	if err != nil {
		return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "invalid_root", "root": b.Root}}, nil
	}
	proof := make(merkle.Proof, 0, len(b.Proof))
	for i, s := range b.Proof {
		h, err := merkle.DecodeHash(s)
		if err != nil {
			return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "invalid_proof_node", "index": i}}, nil
		}
		proof = append(proof, h)
	}
	leaf := leafhash.Leaf{SubEntityID: b.Leaf.SubEntityID, Amount: b.Leaf.Amount}
	if !merkle.Verify(proof, root, leaf) {
		return Result{
			Status: StatusInvalidProof,
			Details: map[string]any{
				"sub_entity_id": b.Leaf.SubEntityID,
				"amount":        b.Leaf.Amount,
			},
		}, nil
	}
	return Result{Status: StatusVerified}, nil
}
