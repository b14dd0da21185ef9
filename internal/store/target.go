package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

const targetColumns = `id, address, frequency, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner, t *types.Target) error {
	if err := row.Scan(&t.ID, &t.Address, &t.Frequency, &t.CreatedAt); err != nil {
		return err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return nil
}

// =============================================================================
// CRUD Operations
// =============================================================================

// CreateTarget inserts a target and sets its ID. A zero frequency is
// stored as types.DefaultFrequency.
func (s *Store) CreateTarget(ctx context.Context, t *types.Target) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if t.Frequency <= 0 {
		t.Frequency = types.DefaultFrequency
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO targets (address, frequency, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, t.Address, t.Frequency, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("target %q: %w", t.Address, ErrTargetExists)
		}
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// GetTarget retrieves a target by ID.
func (s *Store) GetTarget(ctx context.Context, id int64) (*types.Target, error) {
	return s.getTarget(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
}

// GetTargetByAddress retrieves a target by its address.
func (s *Store) GetTargetByAddress(ctx context.Context, address string) (*types.Target, error) {
	return s.getTarget(ctx, `SELECT `+targetColumns+` FROM targets WHERE address = $1`, address)
}

func (s *Store) getTarget(ctx context.Context, query string, arg any) (*types.Target, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	t := &types.Target{}
	err := scanTarget(s.db.QueryRowContext(ctx, query, arg), t)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target %v: %w", arg, ErrTargetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListTargets returns all targets ordered by address.
func (s *Store) ListTargets(ctx context.Context) ([]types.Target, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []types.Target
	for rows.Next() {
		var t types.Target
		if err := scanTarget(rows, &t); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// DeleteTarget removes a target and returns it. Its digests keep a null
// target. Its samples are deleted when CascadeSamples is set and kept
// with a null target otherwise.
func (s *Store) DeleteTarget(ctx context.Context, id int64) (*types.Target, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted types.Target
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		err := scanTarget(tx.QueryRowContext(ctx,
			`SELECT `+targetColumns+` FROM targets WHERE id = $1`, id), &deleted)
		if err == sql.ErrNoRows {
			return fmt.Errorf("target %d: %w", id, ErrTargetNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE digests SET target_id = NULL WHERE target_id = $1`, id); err != nil {
			return fmt.Errorf("detach digests: %w", err)
		}

		sampleSQL := `UPDATE samples SET target_id = NULL WHERE target_id = $1`
		if s.config.CascadeSamples {
			sampleSQL = `DELETE FROM samples WHERE target_id = $1`
		}
		if _, err := tx.ExecContext(ctx, sampleSQL, id); err != nil {
			return fmt.Errorf("detach samples: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete target: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "delete target")
	}
	return &deleted, nil
}
