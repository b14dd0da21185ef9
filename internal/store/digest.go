package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

const digestColumns = `id, target_id, start_time, sample_count,
	percentile_5, percentile_50, percentile_95, error_count`

// DigestQuery selects digests by start time. At least one of Oldest,
// Newest and Count must be set.
type DigestQuery struct {
	// TargetID restricts results to one target when set.
	TargetID *int64

	// Oldest is inclusive.
	Oldest *time.Time

	// Newest is exclusive.
	Newest *time.Time

	// Count limits the number of digests returned. Zero means
	// config.MaxDigestQueryCount.
	Count int
}

// Validate checks the query bounds.
func (q DigestQuery) Validate() error {
	if q.Oldest == nil && q.Newest == nil && q.Count == 0 {
		return errors.NewInvalidQuery("one of oldest, newest or count is required")
	}
	if q.Count < 0 || q.Count > config.MaxDigestQueryCount {
		return errors.NewInvalidQuery(fmt.Sprintf("count must be between 1 and %d", config.MaxDigestQueryCount))
	}
	if q.Oldest != nil && q.Newest != nil && q.Newest.Before(*q.Oldest) {
		return errors.NewInvalidQuery("newest is before oldest")
	}
	return nil
}

// ListDigests returns digests matching q in ascending start time order.
func (s *Store) ListDigests(ctx context.Context, q DigestQuery) ([]types.Digest, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + digestColumns + ` FROM digests WHERE 1 = 1`
	var args []any
	if q.TargetID != nil {
		args = append(args, *q.TargetID)
		query += fmt.Sprintf(` AND target_id = $%d`, len(args))
	}
	if q.Oldest != nil {
		args = append(args, q.Oldest.UTC())
		query += fmt.Sprintf(` AND start_time >= $%d`, len(args))
	}
	if q.Newest != nil {
		args = append(args, q.Newest.UTC())
		query += fmt.Sprintf(` AND start_time < $%d`, len(args))
	}

	count := q.Count
	if count == 0 {
		count = config.MaxDigestQueryCount
	}
	query += fmt.Sprintf(` ORDER BY start_time, id LIMIT %d`, count)

	return s.queryDigests(ctx, query, args...)
}

// DigestsBefore returns every digest whose bucket starts strictly before
// horizon.
func (s *Store) DigestsBefore(ctx context.Context, horizon time.Time) ([]types.Digest, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.queryDigests(ctx,
		`SELECT `+digestColumns+` FROM digests WHERE start_time < $1 ORDER BY start_time, id`,
		horizon.UTC())
}

// DeleteDigestsBefore removes digests whose bucket starts strictly before
// horizon.
func (s *Store) DeleteDigestsBefore(ctx context.Context, horizon time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM digests WHERE start_time < $1`, horizon.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete digests: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryDigests(ctx context.Context, query string, args ...any) ([]types.Digest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()

	var digests []types.Digest
	for rows.Next() {
		var (
			d        types.Digest
			targetID sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &targetID, &d.StartTime, &d.SampleCount,
			&d.Percentile5, &d.Percentile50, &d.Percentile95, &d.ErrorCount); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		if targetID.Valid {
			id := targetID.Int64
			d.TargetID = &id
		}
		d.StartTime = d.StartTime.UTC()
		digests = append(digests, d)
	}
	return digests, rows.Err()
}
