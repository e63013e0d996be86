package dtimer

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresScoreStore keeps timers in a shared duel_timers table, indexed by
// fire time. All server processes poll the same table; the DELETE in Remove
// is the atomic claim that makes firing at-most-once.
type PostgresScoreStore struct {
	db *sql.DB
}

// NewPostgresScoreStore creates a new PostgreSQL-backed score store.
func NewPostgresScoreStore(db *sql.DB) *PostgresScoreStore {
	return &PostgresScoreStore{db: db}
}

func (p *PostgresScoreStore) Add(ctx context.Context, member string, fireAtMs int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO duel_timers (member, fire_at_ms)
		VALUES ($1, $2)
		ON CONFLICT (member) DO UPDATE SET fire_at_ms = EXCLUDED.fire_at_ms
	`, member, fireAtMs)
	if err != nil {
		return fmt.Errorf("failed to add timer: %w", err)
	}
	return nil
}

func (p *PostgresScoreStore) Remove(ctx context.Context, member string) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM duel_timers WHERE member = $1`, member)
	if err != nil {
		return false, fmt.Errorf("failed to remove timer: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (p *PostgresScoreStore) Score(ctx context.Context, member string) (int64, bool, error) {
	var fireAt int64
	err := p.db.QueryRowContext(ctx,
		`SELECT fire_at_ms FROM duel_timers WHERE member = $1`, member).Scan(&fireAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return fireAt, true, nil
}

func (p *PostgresScoreStore) Due(ctx context.Context, maxMs int64, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT member FROM duel_timers
		WHERE fire_at_ms <= $1
		ORDER BY fire_at_ms ASC
		LIMIT $2
	`, maxMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// Compile-time assertion that PostgresScoreStore implements ScoreStore.
var _ ScoreStore = (*PostgresScoreStore)(nil)
