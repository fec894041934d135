// Package store is the payments service's Postgres journal: session keys,
// micropayment records, account credit, escrow pools, and settlement webhook
// receipts. Engines replay it at startup and write through it on every
// accepted transition.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/escrow"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/ledger"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/sessionkey"
)

var ErrEndpointNotFound = errors.New("settlement endpoint not found")

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) SaveSessionKey(ctx context.Context, key sessionkey.Key) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO session_keys(key_id,owner_account_id,max_per_operation,max_total_spend,spent_so_far,valid_from,valid_until,revoked,revoked_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (key_id) DO UPDATE SET
  spent_so_far=EXCLUDED.spent_so_far,
  revoked=EXCLUDED.revoked,
  revoked_at=EXCLUDED.revoked_at
`, key.KeyID, key.OwnerAccountID, int64(key.MaxPerOperation), int64(key.MaxTotalSpend),
		int64(key.SpentSoFar), key.ValidFrom, key.ValidUntil, key.Revoked, key.RevokedAt)
	return err
}

func (s *Store) LoadSessionKeys(ctx context.Context) ([]sessionkey.Key, error) {
	rows, err := s.DB.Query(ctx, `
SELECT key_id,owner_account_id,max_per_operation,max_total_spend,spent_so_far,valid_from,valid_until,revoked,revoked_at
FROM session_keys
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sessionkey.Key
	for rows.Next() {
		var k sessionkey.Key
		var maxPerOp, maxTotal, spent int64
		if err := rows.Scan(&k.KeyID, &k.OwnerAccountID, &maxPerOp, &maxTotal, &spent,
			&k.ValidFrom, &k.ValidUntil, &k.Revoked, &k.RevokedAt); err != nil {
			return nil, err
		}
		k.MaxPerOperation = uint64(maxPerOp)
		k.MaxTotalSpend = uint64(maxTotal)
		k.SpentSoFar = uint64(spent)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) SaveMicropayment(ctx context.Context, rec ledger.Record) error {
	payer, err := json.Marshal(rec.Payer)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO micropayments(payment_id,payer,base_amount,fee_amount,total_amount,status,settlement_ref,idempotency_key,payload_hash,reservation_token,created_at,resolved_at)
VALUES($1,$2::jsonb,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (payment_id) DO UPDATE SET
  status=EXCLUDED.status,
  settlement_ref=EXCLUDED.settlement_ref,
  resolved_at=EXCLUDED.resolved_at
`, rec.PaymentID, string(payer), int64(rec.BaseAmount), int64(rec.FeeAmount), int64(rec.TotalAmount),
		string(rec.Status), rec.SettlementRef, rec.IdempotencyKey, rec.PayloadHash,
		rec.ReservationToken, rec.CreatedAt, rec.ResolvedAt)
	return err
}

func (s *Store) LoadMicropayments(ctx context.Context) ([]ledger.Record, error) {
	rows, err := s.DB.Query(ctx, `
SELECT payment_id,payer,base_amount,fee_amount,total_amount,status,settlement_ref,idempotency_key,payload_hash,reservation_token,created_at,resolved_at
FROM micropayments
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		var payer []byte
		var base, fee, total int64
		var status string
		if err := rows.Scan(&rec.PaymentID, &payer, &base, &fee, &total, &status,
			&rec.SettlementRef, &rec.IdempotencyKey, &rec.PayloadHash,
			&rec.ReservationToken, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payer, &rec.Payer); err != nil {
			return nil, err
		}
		rec.BaseAmount = uint64(base)
		rec.FeeAmount = uint64(fee)
		rec.TotalAmount = uint64(total)
		rec.Status = ledger.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveCredit(ctx context.Context, accountID string, balance uint64) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO account_credits(account_id,balance)
VALUES($1,$2)
ON CONFLICT (account_id) DO UPDATE SET balance=EXCLUDED.balance, updated_at=now()
`, accountID, int64(balance))
	return err
}

func (s *Store) LoadCredits(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.DB.Query(ctx, `SELECT account_id,balance FROM account_credits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		out[id] = uint64(balance)
	}
	return out, rows.Err()
}

func (s *Store) SavePool(ctx context.Context, pool escrow.Pool) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO escrow_pools(pool_id,project_id,milestone_id,depositor_id,total_deposited,locked_amount,yield_accrued,status,seen_periods,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (pool_id) DO UPDATE SET
  total_deposited=EXCLUDED.total_deposited,
  locked_amount=EXCLUDED.locked_amount,
  yield_accrued=EXCLUDED.yield_accrued,
  status=EXCLUDED.status,
  seen_periods=EXCLUDED.seen_periods,
  updated_at=EXCLUDED.updated_at
`, pool.PoolID, pool.ProjectID, pool.MilestoneID, pool.DepositorID,
		int64(pool.TotalDeposited), int64(pool.LockedAmount), int64(pool.YieldAccrued),
		string(pool.Status), pool.SeenPeriods, pool.CreatedAt, pool.UpdatedAt)
	return err
}

func (s *Store) LoadPools(ctx context.Context) ([]escrow.Pool, error) {
	rows, err := s.DB.Query(ctx, `
SELECT pool_id,project_id,milestone_id,depositor_id,total_deposited,locked_amount,yield_accrued,status,seen_periods,created_at,updated_at
FROM escrow_pools
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []escrow.Pool
	for rows.Next() {
		var p escrow.Pool
		var deposited, locked, yield int64
		var status string
		if err := rows.Scan(&p.PoolID, &p.ProjectID, &p.MilestoneID, &p.DepositorID,
			&deposited, &locked, &yield, &status, &p.SeenPeriods, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TotalDeposited = uint64(deposited)
		p.LockedAmount = uint64(locked)
		p.YieldAccrued = uint64(yield)
		p.Status = escrow.Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

type Endpoint struct {
	Provider  string
	Secret    string
	Scheme    string
	RevokedAt *time.Time
}

func (s *Store) GetEndpoint(ctx context.Context, provider, token string) (Endpoint, error) {
	var out Endpoint
	err := s.DB.QueryRow(ctx, `
SELECT provider, secret, scheme, revoked_at
FROM settlement_endpoints
WHERE provider=$1 AND endpoint_token=$2
`, provider, token).Scan(&out.Provider, &out.Secret, &out.Scheme, &out.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, ErrEndpointNotFound
		}
		return Endpoint{}, err
	}
	return out, nil
}

type Receipt struct {
	ReceiptID        string
	Provider         string
	EventType        string
	ProviderEventID  *string
	ReceivedAt       time.Time
	RequestMethod    string
	RequestPath      string
	RawBody          []byte
	RawBodySHA256    string
	HeadersCanonical any
	HeadersSHA256    string
	RequestSHA256    string
	SignatureValid   bool
	SignatureScheme  string
	SignatureDetails map[string]any
	LinkedPaymentID  *string
	ProcessingStatus string
}

// InsertReceipt records one delivery. Redelivery of a known
// (provider, provider_event_id) pair inserts nothing and reports
// inserted=false.
func (s *Store) InsertReceipt(ctx context.Context, receipt Receipt) (inserted bool, receiptID string, err error) {
	detailsJSON, err := json.Marshal(receipt.SignatureDetails)
	if err != nil {
		return false, "", err
	}
	headersJSON, err := json.Marshal(receipt.HeadersCanonical)
	if err != nil {
		return false, "", err
	}
	var providerEventID any
	if receipt.ProviderEventID != nil && strings.TrimSpace(*receipt.ProviderEventID) != "" {
		providerEventID = strings.TrimSpace(*receipt.ProviderEventID)
	}

	err = s.DB.QueryRow(ctx, `
INSERT INTO settlement_receipts(
  provider,event_type,provider_event_id,received_at,request_method,request_path,
  raw_body,raw_body_sha256,headers_canonical_json,headers_sha256,request_sha256,
  signature_valid,signature_scheme,signature_details,linked_payment_id,processing_status
)
VALUES(
  $1,$2,$3,$4,$5,$6,
  $7,$8,$9::jsonb,$10,$11,
  $12,$13,$14::jsonb,$15,$16
)
ON CONFLICT (provider,provider_event_id)
  WHERE provider_event_id IS NOT NULL
DO NOTHING
RETURNING receipt_id::text
`, receipt.Provider, receipt.EventType, providerEventID, receipt.ReceivedAt.UTC(), receipt.RequestMethod, receipt.RequestPath,
		receipt.RawBody, receipt.RawBodySHA256, string(headersJSON), receipt.HeadersSHA256, receipt.RequestSHA256,
		receipt.SignatureValid, receipt.SignatureScheme, string(detailsJSON), receipt.LinkedPaymentID, receipt.ProcessingStatus).Scan(&receiptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, receiptID, nil
}

func (s *Store) GetReceiptByProviderEventID(ctx context.Context, provider, providerEventID string) (Receipt, error) {
	var out Receipt
	err := s.DB.QueryRow(ctx, `
SELECT receipt_id::text, request_sha256, signature_valid, event_type
FROM settlement_receipts
WHERE provider=$1
  AND provider_event_id=$2
`, provider, providerEventID).Scan(&out.ReceiptID, &out.RequestSHA256, &out.SignatureValid, &out.EventType)
	if err != nil {
		return Receipt{}, err
	}
	return out, nil
}

func (s *Store) UpdateReceiptLinkage(ctx context.Context, receiptID, paymentID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE settlement_receipts
SET linked_payment_id=COALESCE(linked_payment_id,$2),
    processing_status='APPLIED'
WHERE receipt_id=$1::uuid
`, receiptID, paymentID)
	return err
}
