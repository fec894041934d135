// Package metaref builds content-addressed references for the off-chain
// milestone structure. A metadata ref is a CIDv1 (raw + sha2-256) over the
// canonical JSON document of the committed leaves; the core never interprets
// it beyond requiring it non-empty, but the editor flow uses it so a
// commitment pins the exact structure the root was built from.
package metaref

import (
	"encoding/json"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
)

// Document is the off-chain structure a commitment's metadata ref points at.
type Document struct {
	Version     string          `json:"version"`
	ProjectID   string          `json:"project_id"`
	MilestoneID string          `json:"milestone_id"`
	Leaves      []leafhash.Leaf `json:"leaves"`
}

const DocumentVersion = "milestone-doc-v1"

// CanonicalJSON marshals the document with leaves sorted by sub-entity id so
// equal structures always address to the same CID.
func CanonicalJSON(doc Document) ([]byte, error) {
	if doc.ProjectID == "" || doc.MilestoneID == "" {
		return nil, faults.New(faults.KindInvalidInput, "project_id and milestone_id are required")
	}
	if len(doc.Leaves) == 0 {
		return nil, faults.New(faults.KindInvalidInput, "document needs at least one leaf")
	}
	doc.Version = DocumentVersion
	sorted := make([]leafhash.Leaf, len(doc.Leaves))
	copy(sorted, doc.Leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SubEntityID < sorted[j].SubEntityID })
	doc.Leaves = sorted
	return json.Marshal(doc)
}

// FromDocument content-addresses the canonical document.
func FromDocument(doc Document) (string, error) {
	b, err := CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Validate checks that ref parses as a CID. Refs from foreign editors may use
// other codecs; only well-formedness is enforced.
func Validate(ref string) error {
	if ref == "" {
		return faults.New(faults.KindInvalidInput, "metadata_ref is empty")
	}
	if _, err := cid.Decode(ref); err != nil {
		return faults.Newf(faults.KindInvalidInput, "metadata_ref is not a valid CID: %v", err)
	}
	return nil
}
