package contest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists sessions with sides as a single JSONB document.
// Per-side structure is engine-owned, so the database never inspects it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	sides, err := json.Marshal(s.Sides)
	if err != nil {
		return fmt.Errorf("failed to encode session sides: %w", err)
	}
	// ON CONFLICT DO NOTHING makes a racing double-start harmless.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO contest_sessions (duel_id, sides, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (duel_id) DO NOTHING
	`, s.DuelID, sides, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, duelID string) (*Session, error) {
	s := &Session{DuelID: duelID}
	var sides []byte

	err := p.db.QueryRowContext(ctx, `
		SELECT sides, created_at, updated_at
		FROM contest_sessions WHERE duel_id = $1
	`, duelID).Scan(&sides, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sides, &s.Sides); err != nil {
		return nil, fmt.Errorf("failed to decode session sides: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	sides, err := json.Marshal(s.Sides)
	if err != nil {
		return fmt.Errorf("failed to encode session sides: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE contest_sessions SET sides = $2, updated_at = $3
		WHERE duel_id = $1
	`, s.DuelID, sides, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, duelID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM contest_sessions WHERE duel_id = $1`, duelID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
