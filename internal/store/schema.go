package store

import (
	"context"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "targets_id_seq",
		sql:  `CREATE SEQUENCE IF NOT EXISTS targets_id_seq START 1`,
	},
	{
		name: "samples_id_seq",
		sql:  `CREATE SEQUENCE IF NOT EXISTS samples_id_seq START 1`,
	},
	{
		name: "digests_id_seq",
		sql:  `CREATE SEQUENCE IF NOT EXISTS digests_id_seq START 1`,
	},
	{
		name: "targets",
		sql: `CREATE TABLE IF NOT EXISTS targets (
			id         BIGINT PRIMARY KEY DEFAULT nextval('targets_id_seq'),
			address    VARCHAR NOT NULL,
			frequency  INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "targets.address",
		sql:  `CREATE UNIQUE INDEX IF NOT EXISTS ix_targets_address ON targets (address)`,
	},
	{
		name: "samples",
		sql: `CREATE TABLE IF NOT EXISTS samples (
			id               BIGINT PRIMARY KEY DEFAULT nextval('samples_id_seq'),
			target_id        BIGINT,
			date             TIMESTAMPTZ NOT NULL,
			response_time_ms INTEGER,
			status           SMALLINT NOT NULL,
			digested         BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	},
	{
		name: "samples.date",
		sql:  `CREATE INDEX IF NOT EXISTS ix_samples_date ON samples (date)`,
	},
	{
		name: "samples.target_id",
		sql:  `CREATE INDEX IF NOT EXISTS ix_samples_target_id ON samples (target_id)`,
	},
	{
		name: "digests",
		sql: `CREATE TABLE IF NOT EXISTS digests (
			id            BIGINT PRIMARY KEY DEFAULT nextval('digests_id_seq'),
			target_id     BIGINT,
			start_time    TIMESTAMPTZ NOT NULL,
			sample_count  INTEGER NOT NULL,
			percentile_5  FLOAT8 NOT NULL,
			percentile_50 FLOAT8 NOT NULL,
			percentile_95 FLOAT8 NOT NULL,
			error_count   INTEGER NOT NULL
		)`,
	},
	{
		name: "digests.target_start",
		sql:  `CREATE UNIQUE INDEX IF NOT EXISTS ix_digests_target_start ON digests (target_id, start_time)`,
	},
	{
		name: "digests.start_time",
		sql:  `CREATE INDEX IF NOT EXISTS ix_digests_start_time ON digests (start_time)`,
	},
}

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("applied migration", "name", m.name)
	}

	return nil
}
