package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Key is a stored API key. Only the SHA-256 hash of the secret is persisted.
type Key struct {
	Name      string
	Admin     bool
	CreatedAt time.Time
}

// Store persists and checks API keys.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GenerateSecret returns a new random API key secret.
func GenerateSecret() string {
	b := make([]byte, 24)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Create stores a new key under a name and returns the secret. The secret is
// shown once; only its hash survives.
func (s *Store) Create(ctx context.Context, name string, admin bool) (string, error) {
	secret := GenerateSecret()
	a := 0
	if admin {
		a = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, name, admin, created_at) VALUES (?,?,?,?)`,
		hashSecret(secret), name, a, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	return secret, nil
}

// Authenticate checks a presented secret against the stored hashes. Returns
// nil when the secret matches no key. The hash comparison is constant-time.
func (s *Store) Authenticate(ctx context.Context, secret string) (*Key, error) {
	if secret == "" {
		return nil, nil
	}
	presented := hashSecret(secret)

	rows, err := s.db.QueryContext(ctx, `SELECT key_hash, name, admin, created_at FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("auth lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, name, created string
		var admin int
		if err := rows.Scan(&hash, &name, &admin, &created); err != nil {
			return nil, fmt.Errorf("auth scan: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(hash), []byte(presented)) == 1 {
			k := &Key{Name: name, Admin: admin != 0}
			k.CreatedAt, _ = time.Parse(time.RFC3339, created)
			return k, nil
		}
	}
	return nil, rows.Err()
}

// Count returns how many keys exist. Zero keys means auth is open (useful for
// local development and the seeded demo).
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return n, nil
}

// Delete removes a key by name. Returns whether a row was removed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete api key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
