package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// maxRowsPerStatement bounds IN lists. Both engines accept far more.
const maxRowsPerStatement = 500

const sampleColumns = `id, target_id, date, response_time_ms, status, digested`

// =============================================================================
// Writes
// =============================================================================

// InsertSample validates and stores one sample and sets its ID. A sample
// for a target that no longer exists is dropped with ErrTargetNotFound.
func (s *Store) InsertSample(ctx context.Context, sample *types.Sample) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := sample.Validate(); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := []any{nullableID(sample.TargetID), sample.Date.UTC(), nullableMillis(sample.ResponseTimeMillis),
		int16(sample.Status), sample.Digested}

	if sample.TargetID == nil {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO samples (target_id, date, response_time_ms, status, digested)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, args...).Scan(&sample.ID)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
		return nil
	}

	// The schema carries no foreign keys, so the target check rides along
	// with the insert.
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO samples (target_id, date, response_time_ms, status, digested)
		SELECT CAST($1 AS BIGINT), CAST($2 AS TIMESTAMPTZ), CAST($3 AS INTEGER),
		       CAST($4 AS SMALLINT), CAST($5 AS BOOLEAN)
		WHERE EXISTS (SELECT 1 FROM targets WHERE id = $1)
		RETURNING id
	`, args...).Scan(&sample.ID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("sample for target %d: %w", *sample.TargetID, errors.ErrTargetNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// DeleteSamplesBefore removes samples dated strictly before horizon.
func (s *Store) DeleteSamplesBefore(ctx context.Context, horizon time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE date < $1`, horizon.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// Reads
// =============================================================================

// ListSamples returns the samples of one target dated after oldest and, if
// newest is given, no later than newest, in ascending date order.
func (s *Store) ListSamples(ctx context.Context, targetID int64, oldest time.Time, newest *time.Time) ([]types.Sample, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if oldest.IsZero() {
		return nil, errors.NewMissingField("oldest")
	}
	if newest != nil && newest.Before(oldest) {
		return nil, errors.NewInvalidQuery("newest is before oldest")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + sampleColumns + ` FROM samples WHERE target_id = $1 AND date > $2`
	args := []any{targetID, oldest.UTC()}
	if newest != nil {
		query += ` AND date <= $3`
		args = append(args, newest.UTC())
	}
	query += ` ORDER BY date, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var samples []types.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func scanSample(rows *sql.Rows) (types.Sample, error) {
	var (
		sample   types.Sample
		targetID sql.NullInt64
		millis   sql.NullInt32
		status   int16
	)
	if err := rows.Scan(&sample.ID, &targetID, &sample.Date, &millis, &status, &sample.Digested); err != nil {
		return types.Sample{}, fmt.Errorf("scan sample: %w", err)
	}
	if targetID.Valid {
		id := targetID.Int64
		sample.TargetID = &id
	}
	if millis.Valid {
		ms := millis.Int32
		sample.ResponseTimeMillis = &ms
	}
	sample.Date = sample.Date.UTC()
	sample.Status = types.Status(status)
	return sample, nil
}

// =============================================================================
// Digest transaction
// =============================================================================

// WithDigestTx runs fn inside one transaction.
func (s *Store) WithDigestTx(ctx context.Context, fn func(types.DigestTx) error) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		return fn(&digestTx{tx: tx})
	})
}

type digestTx struct {
	tx *sql.Tx
}

func (d *digestTx) UndigestedSamples(ctx context.Context) (types.SampleCursor, error) {
	rows, err := d.tx.QueryContext(ctx, `
		SELECT `+sampleColumns+` FROM samples
		WHERE digested = FALSE AND target_id IN (SELECT id FROM targets)
		ORDER BY date, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query undigested samples: %w", err)
	}
	return &sampleCursor{rows: rows}, nil
}

func (d *digestTx) MarkDigested(ctx context.Context, ids []int64) error {
	for i := 0; i < len(ids); i += maxRowsPerStatement {
		chunk := ids[i:min(i+maxRowsPerStatement, len(ids))]

		var query strings.Builder
		query.WriteString(`UPDATE samples SET digested = TRUE WHERE id IN `)
		writePlaceholders(&query, 0, len(chunk))

		args := make([]any, len(chunk))
		for j, id := range chunk {
			args[j] = id
		}
		if _, err := d.tx.ExecContext(ctx, query.String(), args...); err != nil {
			return fmt.Errorf("mark digested: %w", err)
		}
	}
	return nil
}

func (d *digestTx) InsertDigests(ctx context.Context, digests []types.Digest) error {
	for i := range digests {
		err := d.tx.QueryRowContext(ctx, `
			INSERT INTO digests (target_id, start_time, sample_count,
			                     percentile_5, percentile_50, percentile_95, error_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, nullableID(digests[i].TargetID), digests[i].StartTime.UTC(), digests[i].SampleCount,
			digests[i].Percentile5, digests[i].Percentile50, digests[i].Percentile95,
			digests[i].ErrorCount).Scan(&digests[i].ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("digest for %s: %w", digests[i].StartTime.Format(time.RFC3339), errors.ErrAlreadyExists)
			}
			return fmt.Errorf("insert digest: %w", err)
		}
	}
	return nil
}

// sampleCursor streams rows. Close is idempotent.
type sampleCursor struct {
	rows   *sql.Rows
	cur    types.Sample
	err    error
	closed bool
}

func (c *sampleCursor) Next() bool {
	if c.closed || c.err != nil || !c.rows.Next() {
		return false
	}
	c.cur, c.err = scanSample(c.rows)
	return c.err == nil
}

func (c *sampleCursor) Sample() types.Sample { return c.cur }

func (c *sampleCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}
	return c.rows.Err()
}

func (c *sampleCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.rows.Err(); err != nil && c.err == nil {
		c.err = err
	}
	return c.rows.Close()
}

// =============================================================================
// Helpers
// =============================================================================

// writePlaceholders writes "($first+1,...,$first+n)".
func writePlaceholders(b *strings.Builder, first, n int) {
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(first + i + 1))
	}
	b.WriteByte(')')
}

// Nullable parameters are passed as untyped nil or a plain value. Some
// drivers do not dereference pointer arguments.
func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableMillis(ms *int32) any {
	if ms == nil {
		return nil
	}
	return *ms
}
