// Package authn authenticates API callers against the accounts database.
// Bearer tokens are stored sha256-hashed; the raw token is shown once at
// account creation and never persisted.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnauthorized = errors.New("unauthorized")

type Identity struct {
	AccountID   string
	DisplayName string
	Role        string
}

const (
	RoleSponsor   = "SPONSOR"
	RoleAgent     = "AGENT"
	RoleDepositor = "DEPOSITOR"
)

// AuthenticateBearer resolves an Authorization header to an active account.
func AuthenticateBearer(ctx context.Context, db *pgxpool.Pool, authorization string) (*Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	tokenHash := HashToken(token)
	var out Identity
	err := db.QueryRow(ctx, `
SELECT a.account_id,a.display_name,a.role
FROM account_credentials c
JOIN accounts a ON a.account_id=c.account_id
WHERE c.token_hash=$1
  AND c.revoked_at IS NULL
  AND a.status='ACTIVE'
`, tokenHash).Scan(&out.AccountID, &out.DisplayName, &out.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return &out, nil
}

// SigningKeys looks up the signing public key registered for an account, in
// the same encoded form the signature envelope carries. It satisfies the
// session-key registry's credential check.
type SigningKeys struct {
	DB *pgxpool.Pool
}

func (s SigningKeys) LookupSigningKey(ctx context.Context, accountID string) (string, error) {
	var publicKey string
	err := s.DB.QueryRow(ctx, `
SELECT public_key
FROM account_signing_keys
WHERE account_id=$1
  AND revoked_at IS NULL
ORDER BY created_at DESC
LIMIT 1
`, accountID).Scan(&publicKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnauthorized
		}
		return "", err
	}
	return publicKey, nil
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// HashToken is the at-rest form of a bearer credential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
