package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/merkle"
)

func TestCommitmentFlowLive(t *testing.T) {
	if os.Getenv("EVX_INTEGRATION") != "1" {
		t.Skip("set EVX_INTEGRATION=1 to run live integration")
	}
	base := getenv("EVX_COMMIT_BASE_URL", "http://localhost:8084")
	accounts := getenv("EVX_ACCOUNTS_BASE_URL", "http://localhost:8081")

	created := postJSON(t, accounts+"/accounts", "", map[string]any{
		"display_name": "Integration Sponsor",
		"role":         "SPONSOR",
	})
	token := created["credentials"].(map[string]any)["token"].(string)
	bearer := "Bearer " + token

	projectID := "prj_" + uuid.NewString()
	milestoneID := "mls_" + uuid.NewString()
	leaves := []leafhash.Leaf{
		{SubEntityID: "sub_alpha", Amount: 1200},
		{SubEntityID: "sub_beta", Amount: 800},
		{SubEntityID: "sub_gamma", Amount: 450},
	}

	prepared := postJSON(t, base+"/commit/milestones:prepare", "", map[string]any{
		"project_id":   projectID,
		"milestone_id": milestoneID,
		"leaves":       leaves,
	})
	rootHash := prepared["root_hash"].(string)
	metadataRef := prepared["metadata_ref"].(string)

	badRefStatus, badRefBody := postJSONStatus(t, base+"/commit/milestones", bearer, map[string]any{
		"project_id":   projectID,
		"milestone_id": milestoneID,
		"root_hash":    rootHash,
		"total_amount": 2450,
		"leaf_count":   len(leaves),
		"metadata_ref": "not-a-cid",
	})
	if badRefStatus != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-CID metadata_ref, got %d", badRefStatus)
	}
	if badRefBody["error"].(map[string]any)["code"] != "INVALID_METADATA_REF" {
		t.Fatalf("expected INVALID_METADATA_REF code, got %v", badRefBody)
	}

	_ = postJSON(t, base+"/commit/milestones", bearer, map[string]any{
		"project_id":   projectID,
		"milestone_id": milestoneID,
		"root_hash":    rootHash,
		"total_amount": 2450,
		"leaf_count":   len(leaves),
		"metadata_ref": metadataRef,
	})

	proof, err := merkle.BuildProof(leaves, 1)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	nodes := make([]string, 0, len(proof))
	for _, h := range proof {
		nodes = append(nodes, merkle.EncodeHash(h))
	}

	verifyURL := base + "/commit/milestones/" + projectID + "/" + milestoneID + ":verify"
	verified := postJSON(t, verifyURL, "", map[string]any{
		"sub_entity_id": "sub_beta",
		"amount":        800,
		"proof":         nodes,
	})
	if verified["verified"] != true {
		t.Fatalf("expected committed leaf to verify")
	}

	tampered := postJSON(t, verifyURL, "", map[string]any{
		"sub_entity_id": "sub_beta",
		"amount":        801,
		"proof":         nodes,
	})
	if tampered["verified"] != false {
		t.Fatalf("expected tampered amount to fail verification")
	}

	_ = postJSON(t, base+"/commit/milestones/"+projectID+"/"+milestoneID+":finalize", bearer, map[string]any{})

	status, _ := postJSONStatus(t, base+"/commit/milestones", bearer, map[string]any{
		"project_id":   projectID,
		"milestone_id": milestoneID,
		"root_hash":    rootHash,
		"total_amount": 2450,
		"leaf_count":   len(leaves),
		"metadata_ref": metadataRef,
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 re-committing a finalized milestone, got %d", status)
	}

	// Verification still works after finalization.
	again := postJSON(t, verifyURL, "", map[string]any{
		"sub_entity_id": "sub_beta",
		"amount":        800,
		"proof":         nodes,
	})
	if again["verified"] != true {
		t.Fatalf("expected finalized milestone to keep verifying")
	}
}

func postJSON(t *testing.T, url, bearer string, body map[string]any) map[string]any {
	t.Helper()
	status, out := postJSONStatus(t, url, bearer, body)
	if status < 200 || status >= 300 {
		t.Fatalf("POST %s => %d: %v", url, status, out)
	}
	return out
}

func postJSONStatus(t *testing.T, url, bearer string, body map[string]any) (int, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	h := &http.Client{Timeout: 15 * time.Second}
	resp, err := h.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(rb, &out); err != nil {
		t.Fatalf("invalid json from %s: %v", url, err)
	}
	return resp.StatusCode, out
}

func getenv(k, d string) string {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	return v
}
