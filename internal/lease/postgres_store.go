package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements leases over a shared PostgreSQL table. The
// claim-if-free-or-expired rule is a single INSERT ... ON CONFLICT statement,
// so racing processes cannot both acquire.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed lease store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner_token, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET
			owner_token = EXCLUDED.owner_token,
			expires_at  = EXCLUDED.expires_at
		WHERE leases.expires_at < NOW() OR leases.owner_token = EXCLUDED.owner_token
	`, key, ownerToken, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrLeaseBusy
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key, ownerToken string) error {
	// Token match makes a stale holder's release a no-op.
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM leases WHERE key = $1 AND owner_token = $2`, key, ownerToken)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
