package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opencontainers/go-digest"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/anchor/rfc3161"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/authn"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/commitment"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/db"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/httpx"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/merkle"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/metaref"
	"github.com/AdityaKumar41/evolvx-sub003/services/commitment/internal/store"
)

func main() {
	pool := db.MustConnect()
	st := store.New(pool)

	commits := commitment.New(st)
	records, err := st.LoadCommitments(context.Background())
	if err != nil {
		log.Fatalf("load commitments: %v", err)
	}
	commits.Load(records)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}
	tsaURL := os.Getenv("EVX_TSA_URL")
	tsaPolicyOID := os.Getenv("EVX_TSA_POLICY_OID")
	tsa := rfc3161.NewClient(nil)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/commit", func(api chi.Router) {

		// Stateless editor helper: compute the root, metadata ref, and totals
		// for a leaf set before committing it.
		api.Post("/milestones:prepare", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ProjectID   string          `json:"project_id"`
				MilestoneID string          `json:"milestone_id"`
				Leaves      []leafhash.Leaf `json:"leaves"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			root, err := merkle.BuildRoot(req.Leaves)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			ref, err := metaref.FromDocument(metaref.Document{
				ProjectID:   req.ProjectID,
				MilestoneID: req.MilestoneID,
				Leaves:      req.Leaves,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			var total uint64
			for _, leaf := range req.Leaves {
				total += leaf.Amount
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"root_hash":    string(merkle.RootDigest(root)),
				"metadata_ref": ref,
				"total_amount": total,
				"leaf_count":   len(req.Leaves),
			})
		})

		api.Post("/milestones", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			var req struct {
				ProjectID   string `json:"project_id"`
				MilestoneID string `json:"milestone_id"`
				RootHash    string `json:"root_hash"`
				TotalAmount uint64 `json:"total_amount"`
				LeafCount   int    `json:"leaf_count"`
				MetadataRef string `json:"metadata_ref"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			// Commitments store the ref opaquely; this API additionally
			// requires CID form so committed refs stay resolvable.
			if err := metaref.Validate(req.MetadataRef); err != nil {
				httpx.WriteError(w, 400, "INVALID_METADATA_REF", err.Error(), map[string]any{
					"accepted_form": "any well-formed CID (v0 or v1, codec unrestricted)",
				})
				return
			}
			rec, err := commits.Commit(r.Context(), commitment.CommitParams{
				ProjectID:   req.ProjectID,
				MilestoneID: req.MilestoneID,
				RootHash:    digest.Digest(req.RootHash),
				TotalAmount: req.TotalAmount,
				LeafCount:   req.LeafCount,
				MetadataRef: req.MetadataRef,
				Caller:      caller.AccountID,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "commitment": rec})
		})

		api.Post("/milestones/{project_id}/{milestone_id}:finalize", func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			rec, err := commits.Finalize(r.Context(),
				chi.URLParam(r, "project_id"), chi.URLParam(r, "milestone_id"), caller.AccountID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "commitment": rec})
		})

		api.Post("/milestones/{project_id}/{milestone_id}:verify", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				SubEntityID string   `json:"sub_entity_id"`
				Amount      uint64   `json:"amount"`
				Proof       []string `json:"proof"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			proof := make(merkle.Proof, 0, len(req.Proof))
			for _, s := range req.Proof {
				h, err := merkle.DecodeHash(s)
				if err != nil {
					httpx.WriteFault(w, faults.Newf(faults.KindInvalidInput, "bad proof node: %v", err))
					return
				}
				proof = append(proof, h)
			}
			verified := commits.VerifySubmilestone(
				chi.URLParam(r, "project_id"), chi.URLParam(r, "milestone_id"),
				req.SubEntityID, req.Amount, proof)
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"verified":   verified,
			})
		})

		// Anchoring asks a Time-Stamp Authority to countersign a finalized
		// root, so the commitment time no longer rests on this service alone.
		api.Post("/milestones/{project_id}/{milestone_id}:anchor", func(w http.ResponseWriter, r *http.Request) {
			if _, err := authn.AuthenticateBearer(r.Context(), pool, r.Header.Get("Authorization")); err != nil {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			if tsaURL == "" {
				httpx.WriteError(w, 503, "ANCHORING_DISABLED", "no timestamp authority configured", nil)
				return
			}
			projectID := chi.URLParam(r, "project_id")
			milestoneID := chi.URLParam(r, "milestone_id")
			rec, ok := commits.GetMilestoneCommit(projectID, milestoneID)
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "milestone has no commitment", nil)
				return
			}
			if !rec.Finalized {
				httpx.WriteFault(w, faults.New(faults.KindInvalidInput, "only finalized commitments can be anchored"))
				return
			}
			reqDER, err := rfc3161.BuildRootRequest(rec.RootHash, tsaPolicyOID)
			if err != nil {
				httpx.WriteError(w, 500, "ANCHOR_FAILED", err.Error(), nil)
				return
			}
			token, contentType, err := tsa.RequestTimestampToken(r.Context(), tsaURL, reqDER)
			if err != nil {
				httpx.WriteError(w, 502, "TSA_ERROR", err.Error(), nil)
				return
			}
			a := store.Anchor{
				ProjectID:   projectID,
				MilestoneID: milestoneID,
				RootHash:    string(rec.RootHash),
				TSAURL:      tsaURL,
				Token:       token,
				ContentType: contentType,
				AnchoredAt:  time.Now().UTC(),
			}
			if err := st.SaveAnchor(r.Context(), a); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "anchor": anchorView(a)})
		})

		api.Get("/milestones/{project_id}/{milestone_id}/anchor", func(w http.ResponseWriter, r *http.Request) {
			a, err := st.GetAnchor(r.Context(), chi.URLParam(r, "project_id"), chi.URLParam(r, "milestone_id"))
			if errors.Is(err, store.ErrAnchorNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "milestone has no anchor", nil)
				return
			}
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "anchor": anchorView(a)})
		})

		api.Get("/milestones/{project_id}/{milestone_id}", func(w http.ResponseWriter, r *http.Request) {
			rec, ok := commits.GetMilestoneCommit(chi.URLParam(r, "project_id"), chi.URLParam(r, "milestone_id"))
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "milestone has no commitment", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "commitment": rec})
		})

		api.Get("/projects/{project_id}/milestones", func(w http.ResponseWriter, r *http.Request) {
			recs := commits.GetProjectMilestones(chi.URLParam(r, "project_id"))
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "commitments": recs})
		})
	})

	http.ListenAndServe(":"+port, r)
}

func anchorView(a store.Anchor) map[string]any {
	return map[string]any{
		"project_id":   a.ProjectID,
		"milestone_id": a.MilestoneID,
		"root_hash":    a.RootHash,
		"tsa_url":      a.TSAURL,
		"token":        base64.StdEncoding.EncodeToString(a.Token),
		"content_type": a.ContentType,
		"anchored_at":  a.AnchoredAt,
	}
}
