package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBindingStore is an embedded SQL implementation of BindingStore. The
// primary key is the nonce; a secondary index covers orgId lookups with a
// revoked projection.
type SQLiteBindingStore struct {
	db *sql.DB
}

// NewSQLiteBindingStore migrates the schema and returns a ready store.
func NewSQLiteBindingStore(db *sql.DB) (*SQLiteBindingStore, error) {
	s := &SQLiteBindingStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteBindingStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS nonce_bindings (
        nonce TEXT NOT NULL PRIMARY KEY,
        org_id TEXT NOT NULL,
        public_key TEXT NOT NULL,
        signature TEXT NOT NULL,
        issued_at TEXT NOT NULL,
        expires_at TEXT,
        usage_count INTEGER NOT NULL DEFAULT 0,
        revoked INTEGER NOT NULL DEFAULT 0,
        revocation_reason TEXT NOT NULL DEFAULT '',
        revoked_at TEXT,
        previous_nonce TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_nonce_bindings_org ON nonce_bindings (org_id, revoked);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("identity: migrate bindings: %w", err)
	}
	return nil
}

const bindingColumns = `nonce, org_id, public_key, signature, issued_at, expires_at,
        usage_count, revoked, revocation_reason, revoked_at, previous_nonce`

func (s *SQLiteBindingStore) GetBinding(ctx context.Context, nonce string) (*NonceBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM nonce_bindings WHERE nonce = ?`
	return s.queryOne(ctx, query, nonce)
}

func (s *SQLiteBindingStore) ActiveBinding(ctx context.Context, orgID string) (*NonceBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM nonce_bindings
        WHERE org_id = ? AND revoked = 0
        ORDER BY issued_at DESC LIMIT 1`
	return s.queryOne(ctx, query, orgID)
}

func (s *SQLiteBindingStore) PutBinding(ctx context.Context, b *NonceBinding) error {
	var expiresAt, revokedAt any
	if b.ExpiresAt != nil {
		expiresAt = b.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if b.RevokedAt != nil {
		revokedAt = b.RevokedAt.UTC().Format(time.RFC3339Nano)
	}

	query := `INSERT INTO nonce_bindings (` + bindingColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(nonce) DO UPDATE SET
            usage_count = excluded.usage_count,
            revoked = excluded.revoked,
            revocation_reason = excluded.revocation_reason,
            revoked_at = excluded.revoked_at`
	_, err := s.db.ExecContext(ctx, query,
		b.Nonce, b.OrgID, b.PublicKey, b.Signature,
		b.IssuedAt.UTC().Format(time.RFC3339Nano), expiresAt,
		b.UsageCount, boolToInt(b.Revoked), b.RevocationReason, revokedAt, b.PreviousNonce,
	)
	if err != nil {
		return fmt.Errorf("identity: persist binding %s: %w", b.Nonce, err)
	}
	return nil
}

func (s *SQLiteBindingStore) BindingsByOrg(ctx context.Context, orgID string) ([]*NonceBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM nonce_bindings
        WHERE org_id = ?
        ORDER BY issued_at ASC`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("identity: bindings for %s: %w", orgID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NonceBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: bindings for %s: %w", orgID, err)
	}
	return out, nil
}

func (s *SQLiteBindingStore) AddUsage(ctx context.Context, nonce string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nonce_bindings SET usage_count = usage_count + 1 WHERE nonce = ?`, nonce)
	if err != nil {
		return fmt.Errorf("identity: increment usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: increment usage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteBindingStore) queryOne(ctx context.Context, query string, arg any) (*NonceBinding, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("identity: query binding: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("identity: query binding: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanBinding(rows)
}

func scanBinding(rows *sql.Rows) (*NonceBinding, error) {
	var (
		b         NonceBinding
		issuedAt  string
		expiresAt sql.NullString
		revoked   int
		revokedAt sql.NullString
	)
	err := rows.Scan(&b.Nonce, &b.OrgID, &b.PublicKey, &b.Signature, &issuedAt, &expiresAt,
		&b.UsageCount, &revoked, &b.RevocationReason, &revokedAt, &b.PreviousNonce)
	if err != nil {
		return nil, err
	}

	if b.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
		return nil, fmt.Errorf("identity: parse issued_at %q: %w", issuedAt, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("identity: parse expires_at %q: %w", expiresAt.String, err)
		}
		b.ExpiresAt = &t
	}
	b.Revoked = revoked != 0
	if revokedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("identity: parse revoked_at %q: %w", revokedAt.String, err)
		}
		b.RevokedAt = &t
	}
	return &b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ BindingStore = (*SQLiteBindingStore)(nil)
