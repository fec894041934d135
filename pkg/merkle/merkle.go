// Package merkle builds binary Merkle trees over ordered payout leaves and
// produces membership proofs.
//
// Internal nodes hash the pair in natural byte order, H(min(a,b) || max(a,b)),
// so a proof needs no left/right positions. An unpaired node at any level is
// duplicated and hashed with itself; the resulting root binds leaf membership
// and amounts, not leaf ordering.
package merkle

import (
	"bytes"
	"crypto/sha256"

	"github.com/opencontainers/go-digest"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
)

// Hash is a tree node hash.
type Hash = [32]byte

// Proof is the ordered sibling chain from a leaf up to the root.
type Proof []Hash

func pairHash(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func leafLevel(leaves []leafhash.Leaf) ([]Hash, error) {
	if len(leaves) == 0 {
		return nil, faults.New(faults.KindInvalidInput, "a commitment needs at least one leaf")
	}
	level := make([]Hash, len(leaves))
	for i, leaf := range leaves {
		sum, err := leafhash.Sum(leaf)
		if err != nil {
			return nil, err
		}
		level[i] = sum
	}
	return level, nil
}

// BuildRoot computes the root over the ordered leaf set.
func BuildRoot(leaves []leafhash.Leaf) (Hash, error) {
	level, err := leafLevel(leaves)
	if err != nil {
		return Hash{}, err
	}
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, pairHash(level[i], level[i+1]))
			} else {
				next = append(next, pairHash(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0], nil
}

// BuildProof returns the sibling hashes for leaves[index], bottom-up.
// A single-leaf tree has an empty proof.
func BuildProof(leaves []leafhash.Leaf, index int) (Proof, error) {
	level, err := leafLevel(leaves)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(level) {
		return nil, faults.Newf(faults.KindInvalidInput, "leaf index %d out of range", index)
	}
	var proof Proof
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= len(level) {
			// Odd node at this level pairs with itself.
			sibling = pos
		}
		proof = append(proof, level[sibling])

		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, pairHash(level[i], level[i+1]))
			} else {
				next = append(next, pairHash(level[i], level[i]))
			}
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the pair-hash chain from leaf through proof and compares
// against root.
func Verify(proof Proof, root Hash, leaf leafhash.Leaf) bool {
	cur, err := leafhash.Sum(leaf)
	if err != nil {
		return false
	}
	for _, sibling := range proof {
		cur = pairHash(cur, sibling)
	}
	return cur == root
}

// RootDigest renders a root in the canonical sha256:<hex> string form used
// at API boundaries.
func RootDigest(root Hash) digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, root[:])
}

// ParseRootDigest decodes the string form back into a node hash.
func ParseRootDigest(d digest.Digest) (Hash, error) {
	if err := d.Validate(); err != nil {
		return Hash{}, faults.Newf(faults.KindInvalidInput, "bad root digest: %v", err)
	}
	if d.Algorithm() != digest.SHA256 {
		return Hash{}, faults.Newf(faults.KindInvalidInput, "unsupported digest algorithm %q", d.Algorithm())
	}
	var out Hash
	raw, err := hexDecode32(d.Encoded())
	if err != nil {
		return Hash{}, err
	}
	copy(out[:], raw)
	return out, nil
}
