// Package leafhash fixes the canonical byte encoding and hash of a payout
// leaf. The encoding is versioned: any change to the byte layout must bump
// the version string, since committed roots bind to these exact bytes.
package leafhash

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/opencontainers/go-digest"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

const EncodingVersion = "leaf-v1"

// Leaf is one (sub-entity, amount) payout pair. Amount is in the smallest
// payout unit.
type Leaf struct {
	SubEntityID string `json:"sub_entity_id"`
	Amount      uint64 `json:"amount"`
}

// CanonicalEncode returns the versioned byte encoding:
// "leaf-v1" 0x00 subEntityID 0x00 amount(8 bytes big-endian).
func CanonicalEncode(leaf Leaf) ([]byte, error) {
	if leaf.SubEntityID == "" {
		return nil, faults.New(faults.KindInvalidInput, "sub_entity_id is empty")
	}
	buf := make([]byte, 0, len(EncodingVersion)+1+len(leaf.SubEntityID)+1+8)
	buf = append(buf, EncodingVersion...)
	buf = append(buf, 0x00)
	buf = append(buf, leaf.SubEntityID...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, leaf.Amount)
	return buf, nil
}

// Sum hashes the canonical encoding with SHA-256.
func Sum(leaf Leaf) ([32]byte, error) {
	b, err := CanonicalEncode(leaf)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Digest returns the leaf hash in canonical sha256:<hex> string form.
func Digest(leaf Leaf) (digest.Digest, error) {
	sum, err := Sum(leaf)
	if err != nil {
		return "", err
	}
	return digest.NewDigestFromBytes(digest.SHA256, sum[:]), nil
}
