package duel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists duels in PostgreSQL.
//
// The one-active-duel-per-pair rule is a partial unique index on the sorted
// pair, so Create either commits or reports ErrDuplicateChallenge; there is
// no check-then-insert window. Update carries WHERE status = $from, which is
// what lets independent server processes race on transitions safely.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed duel store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const duelColumns = `id, challenger_id, challenged_id, type, wager_amount, status,
	created_at, expires_at, accepted_at, started_at, winner_id,
	score_challenger, score_challenged, completed_at, resolution`

func (p *PostgresStore) Create(ctx context.Context, d *Duel) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO duels (id, challenger_id, challenged_id, type, wager_amount,
			status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.ChallengerID, d.ChallengedID, d.Type, d.WagerAmount,
		d.Status, d.CreatedAt, d.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateChallenge
		}
		return fmt.Errorf("failed to create duel: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Duel, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+duelColumns+` FROM duels WHERE id = $1`, id)
	return scanDuel(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Duel, from Status) error {
	var scoreChallenger, scoreChallenged sql.NullInt32
	if d.FinalScores != nil {
		scoreChallenger = sql.NullInt32{Int32: int32(d.FinalScores.Challenger), Valid: true}
		scoreChallenged = sql.NullInt32{Int32: int32(d.FinalScores.Challenged), Valid: true}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE duels SET
			status           = $2,
			expires_at       = $3,
			accepted_at      = $4,
			started_at       = $5,
			winner_id        = $6,
			score_challenger = $7,
			score_challenged = $8,
			completed_at     = $9,
			resolution       = $10
		WHERE id = $1 AND status = $11
	`, d.ID, d.Status, d.ExpiresAt, d.AcceptedAt, d.StartedAt,
		nullString(d.WinnerID), scoreChallenger, scoreChallenged,
		d.CompletedAt, nullString(d.Resolution), from)
	if err != nil {
		return fmt.Errorf("failed to update duel: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM duels WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListByCharacter(ctx context.Context, characterID string, limit int) ([]*Duel, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+duelColumns+` FROM duels
		WHERE challenger_id = $1 OR challenged_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, characterID, limit)
	if err != nil {
		return nil, err
	}
	return collectDuels(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Duel, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+duelColumns+` FROM duels
		WHERE status IN ('PENDING', 'ACCEPTED', 'IN_PROGRESS') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectDuels(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDuel(row rowScanner) (*Duel, error) {
	d := &Duel{}
	var (
		winnerID, resolution             sql.NullString
		scoreChallenger, scoreChallenged sql.NullInt32
	)
	err := row.Scan(&d.ID, &d.ChallengerID, &d.ChallengedID, &d.Type, &d.WagerAmount,
		&d.Status, &d.CreatedAt, &d.ExpiresAt, &d.AcceptedAt, &d.StartedAt,
		&winnerID, &scoreChallenger, &scoreChallenged, &d.CompletedAt, &resolution)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.WinnerID = winnerID.String
	d.Resolution = resolution.String
	if scoreChallenger.Valid {
		d.FinalScores = &Scores{
			Challenger: int(scoreChallenger.Int32),
			Challenged: int(scoreChallenged.Int32),
		}
	}
	return d, nil
}

func collectDuels(rows *sql.Rows) ([]*Duel, error) {
	defer func() { _ = rows.Close() }()
	var duels []*Duel
	for rows.Next() {
		d, err := scanDuel(rows)
		if err != nil {
			return nil, err
		}
		duels = append(duels, d)
	}
	return duels, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
