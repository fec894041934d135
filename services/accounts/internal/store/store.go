package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type Account struct {
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type SigningKey struct {
	SigningKeyID string    `json:"signing_key_id"`
	AccountID    string    `json:"account_id"`
	Algorithm    string    `json:"algorithm"`
	PublicKey    string    `json:"public_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAccount inserts the account and its one-time bearer credential in a
// single transaction.
func (s *Store) CreateAccount(ctx context.Context, a Account, tokenHash string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO accounts(account_id,display_name,role,status) VALUES($1,$2,$3,'ACTIVE')`,
		a.AccountID, a.DisplayName, a.Role)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO account_credentials(account_id,token_hash) VALUES($1,$2)`,
		a.AccountID, tokenHash)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := s.DB.QueryRow(ctx, `SELECT account_id,display_name,role,status,created_at FROM accounts WHERE account_id=$1`, id).
		Scan(&a.AccountID, &a.DisplayName, &a.Role, &a.Status, &a.CreatedAt)
	return a, err
}

// AddSigningKey registers a new signing public key. Previous keys for the
// account are revoked so registration lookups always resolve one credential.
func (s *Store) AddSigningKey(ctx context.Context, k SigningKey) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `UPDATE account_signing_keys SET revoked_at=now() WHERE account_id=$1 AND revoked_at IS NULL`,
		k.AccountID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO account_signing_keys(signing_key_id,account_id,algorithm,public_key) VALUES($1,$2,$3,$4)`,
		k.SigningKeyID, k.AccountID, k.Algorithm, k.PublicKey)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ListSigningKeys(ctx context.Context, accountID string) ([]SigningKey, error) {
	rows, err := s.DB.Query(ctx, `
SELECT signing_key_id,account_id,algorithm,public_key,created_at
FROM account_signing_keys
WHERE account_id=$1 AND revoked_at IS NULL
ORDER BY created_at ASC, signing_key_id ASC
`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SigningKey
	for rows.Next() {
		var k SigningKey
		if err := rows.Scan(&k.SigningKeyID, &k.AccountID, &k.Algorithm, &k.PublicKey, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
