package treasury

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/veldtgames/duelarena/internal/idgen"
)

// PostgresStore persists balances and audit entries in PostgreSQL.
//
// The spendable >= amount guard on Lock is part of the UPDATE predicate, so
// the check and the mutation are one atomic statement. CHECK constraints on
// the table are the backstop against any path that slips past the predicate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed treasury store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, characterID string) (*Balance, error) {
	bal := &Balance{CharacterID: characterID}

	err := p.db.QueryRowContext(ctx, `
		SELECT spendable, escrowed
		FROM character_balances WHERE character_id = $1
	`, characterID).Scan(&bal.Spendable, &bal.Escrowed)

	if err == sql.ErrNoRows {
		return &Balance{CharacterID: characterID}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, characterID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO character_balances (character_id, spendable, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (character_id) DO UPDATE SET
			spendable  = character_balances.spendable + $2,
			updated_at = NOW()
	`, characterID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := appendEntry(ctx, tx, characterID, "credit", amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Lock(ctx context.Context, characterID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Balance check and mutation in one conditional statement. Zero rows
	// means either an unknown character or insufficient spendable gold.
	result, err := tx.ExecContext(ctx, `
		UPDATE character_balances SET
			spendable  = spendable - $2,
			escrowed   = escrowed  + $2,
			updated_at = NOW()
		WHERE character_id = $1 AND spendable >= $2
	`, characterID, amount)
	if err != nil {
		return fmt.Errorf("failed to lock stake: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM character_balances WHERE character_id = $1)`,
			characterID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrCharacterNotFound
		}
		return ErrInsufficientFunds
	}

	if err := appendEntry(ctx, tx, characterID, "escrow_lock", amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Unlock(ctx context.Context, characterID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE character_balances SET
			escrowed   = escrowed  - $2,
			spendable  = spendable + $2,
			updated_at = NOW()
		WHERE character_id = $1 AND escrowed >= $2
	`, characterID, amount)
	if err != nil {
		return fmt.Errorf("failed to unlock stake: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCharacterNotFound
	}

	if err := appendEntry(ctx, tx, characterID, "escrow_unlock", amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

// Settle is fully transactional: both escrow debits, the winner credit, and
// the audit rows commit together or not at all, so it never reports a
// *PartialSettleError.
func (p *PostgresStore) Settle(ctx context.Context, loserID, winnerID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE character_balances SET
			escrowed   = escrowed - $2,
			updated_at = NOW()
		WHERE character_id = $1 AND escrowed >= $2
	`, loserID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit loser escrow: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCharacterNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE character_balances SET
			escrowed   = escrowed  - $2,
			spendable  = spendable + 2 * $2,
			updated_at = NOW()
		WHERE character_id = $1 AND escrowed >= $2
	`, winnerID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit winner: %w", err)
	}
	rows, _ = result.RowsAffected()
	if rows == 0 {
		return ErrCharacterNotFound
	}

	if err := appendEntry(ctx, tx, loserID, "settle_debit", amount, ref); err != nil {
		return err
	}
	if err := appendEntry(ctx, tx, winnerID, "settle_credit", 2*amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RestoreEscrow(ctx context.Context, characterID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Unconditional additive update, compensation only.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO character_balances (character_id, escrowed, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (character_id) DO UPDATE SET
			escrowed   = character_balances.escrowed + $2,
			updated_at = NOW()
	`, characterID, amount)
	if err != nil {
		return fmt.Errorf("failed to restore escrow: %w", err)
	}

	if err := appendEntry(ctx, tx, characterID, "escrow_restore", amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, characterID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, character_id, type, amount, reference, created_at_ms
		FROM treasury_entries
		WHERE character_id = $1
		ORDER BY created_at_ms DESC
		LIMIT $2
	`, characterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.CharacterID, &e.Type, &e.Amount, &reference, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendEntry(ctx context.Context, tx *sql.Tx, characterID, entryType string, amount int64, ref string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, character_id, type, amount, reference, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, (EXTRACT(EPOCH FROM NOW()) * 1000)::BIGINT)
	`, idgen.WithPrefix("te_"), characterID, entryType, amount, nullString(ref))
	if err != nil {
		return fmt.Errorf("failed to record treasury entry: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
