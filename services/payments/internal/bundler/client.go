// Package bundler submits approved charges to the external settlement
// bundler. Submission happens outside every ledger lock; the outcome comes
// back synchronously here or later through the settlement webhook.
package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/ledger"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

// Submit posts the charge to the bundler and returns its settlement
// reference. A non-2xx response is a settlement failure, not a transport
// error, so the ledger can mark the record Failed.
func (c *Client) Submit(ctx context.Context, rec ledger.Record) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"payment_id":   rec.PaymentID,
		"payer":        rec.Payer,
		"total_amount": rec.TotalAmount,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", faults.Newf(faults.KindSettlementFailed, "bundler unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", faults.Newf(faults.KindSettlementFailed, "bundler returned %d", resp.StatusCode)
	}
	var out struct {
		SettlementRef string `json:"settlement_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode bundler response: %w", err)
	}
	if out.SettlementRef == "" {
		return "", faults.New(faults.KindSettlementFailed, "bundler returned no settlement_ref")
	}
	return out.SettlementRef, nil
}
