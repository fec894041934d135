package proofbundle

import (
	"encoding/json"
	"testing"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
)

func fixtureLeaves() []leafhash.Leaf {
	return []leafhash.Leaf{
		{SubEntityID: "sub-1", Amount: 100},
		{SubEntityID: "sub-2", Amount: 250},
		{SubEntityID: "sub-3", Amount: 75},
		{SubEntityID: "sub-4", Amount: 10},
		{SubEntityID: "sub-5", Amount: 999},
	}
}

func goodBundle(t *testing.T, index int) Bundle {
	t.Helper()
	b, err := Make("prj-1", "m-1", fixtureLeaves(), index, "2026-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("make bundle: %v", err)
	}
	return b
}

func assertStatus(t *testing.T, raw []byte, want string) {
	t.Helper()
	res, err := VerifyJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != want {
		t.Fatalf("expected %s, got %s details=%v", want, res.Status, res.Details)
	}
}

func marshal(t *testing.T, b Bundle) []byte {
	t.Helper()
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	return raw
}

func TestVerifyJSON_Good(t *testing.T) {
	for index := range fixtureLeaves() {
		assertStatus(t, marshal(t, goodBundle(t, index)), StatusVerified)
	}
}

func TestVerifyJSON_SingleLeaf(t *testing.T) {
	b, err := Make("prj-1", "m-1", fixtureLeaves()[:1], 0, "")
	if err != nil {
		t.Fatalf("make bundle: %v", err)
	}
	if len(b.Proof) != 0 {
		t.Fatalf("single-leaf proof should be empty, got %d nodes", len(b.Proof))
	}
	assertStatus(t, marshal(t, b), StatusVerified)
}

func TestVerifyJSON_TamperedAmount(t *testing.T) {
	b := goodBundle(t, 2)
	b.Leaf.Amount = 76
	assertStatus(t, marshal(t, b), StatusInvalidProof)
}

func TestVerifyJSON_TamperedSubEntity(t *testing.T) {
	b := goodBundle(t, 2)
	b.Leaf.SubEntityID = "sub-9"
	assertStatus(t, marshal(t, b), StatusInvalidProof)
}

func TestVerifyJSON_WrongRoot(t *testing.T) {
	b := goodBundle(t, 0)
	other, err := Make("prj-1", "m-2", fixtureLeaves()[:3], 0, "")
	if err != nil {
		t.Fatalf("make bundle: %v", err)
	}
	b.Root = other.Root
	assertStatus(t, marshal(t, b), StatusInvalidProof)
}

func TestVerifyJSON_UnsupportedVersion(t *testing.T) {
	b := goodBundle(t, 0)
	b.BundleVersion = "ppb-v2"
	assertStatus(t, marshal(t, b), StatusUnsupportedVersion)
}

func TestVerifyJSON_MissingFields(t *testing.T) {
	b := goodBundle(t, 0)
	b.MilestoneID = ""
	assertStatus(t, marshal(t, b), StatusMalformedBundle)
}

func TestVerifyJSON_BadRootDigest(t *testing.T) {
	b := goodBundle(t, 0)
	b.Root = "sha256:deadbeef"
	assertStatus(t, marshal(t, b), StatusMalformedBundle)
}

func TestVerifyJSON_BadProofNode(t *testing.T) {
	b := goodBundle(t, 1)
	b.Proof[0] = "zz"
	assertStatus(t, marshal(t, b), StatusMalformedBundle)
}

func TestVerifyJSON_InvalidJSON(t *testing.T) {
	assertStatus(t, []byte("{not json"), StatusMalformedBundle)
}

func TestMakeRejectsBadIndex(t *testing.T) {
	if _, err := Make("prj-1", "m-1", fixtureLeaves(), 5, ""); err == nil {
		t.Fatal("expected out-of-range index to fail")
	}
	if _, err := Make("prj-1", "m-1", fixtureLeaves(), -1, ""); err == nil {
		t.Fatal("expected negative index to fail")
	}
}
