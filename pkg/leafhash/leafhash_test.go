package leafhash

import (
	"bytes"
	"testing"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

func TestCanonicalEncodeLayout(t *testing.T) {
	b, err := CanonicalEncode(Leaf{SubEntityID: "sub-1", Amount: 100})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := append([]byte("leaf-v1\x00sub-1\x00"), 0, 0, 0, 0, 0, 0, 0, 100)
	if !bytes.Equal(b, want) {
		t.Fatalf("encoding mismatch: got %x want %x", b, want)
	}
}

func TestSumDeterministic(t *testing.T) {
	a, err := Sum(Leaf{SubEntityID: "sub-1", Amount: 100})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, _ := Sum(Leaf{SubEntityID: "sub-1", Amount: 100})
	if a != b {
		t.Fatalf("expected identical hashes")
	}
}

func TestSumBindsAmount(t *testing.T) {
	a, _ := Sum(Leaf{SubEntityID: "sub-1", Amount: 100})
	b, _ := Sum(Leaf{SubEntityID: "sub-1", Amount: 101})
	if a == b {
		t.Fatalf("expected different hashes for different amounts")
	}
}

func TestSumBindsFieldBoundaries(t *testing.T) {
	// The separator keeps ("ab", x) distinct from ("a", ...) style slides.
	a, _ := Sum(Leaf{SubEntityID: "ab", Amount: 0})
	b, _ := Sum(Leaf{SubEntityID: "a", Amount: 0})
	if a == b {
		t.Fatalf("expected different hashes for different sub-entity ids")
	}
}

func TestEmptySubEntityRejected(t *testing.T) {
	_, err := Sum(Leaf{SubEntityID: "", Amount: 5})
	if !faults.IsKind(err, faults.KindInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestDigestStringForm(t *testing.T) {
	d, err := Digest(Leaf{SubEntityID: "sub-1", Amount: 100})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Algorithm().String() != "sha256" {
		t.Fatalf("expected sha256 digest, got %s", d)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("digest does not validate: %v", err)
	}
}
