package database

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id               text PRIMARY KEY,
    source           text NOT NULL,
    source_name      text NOT NULL DEFAULT '',
    source_size      bigint NOT NULL DEFAULT 0,
    model            text NOT NULL DEFAULT '',
    language         text NOT NULL DEFAULT '',
    timestamps       boolean NOT NULL DEFAULT false,
    status           text NOT NULL,
    duration_ms      bigint NOT NULL DEFAULT 0,
    chunk_count      int NOT NULL DEFAULT 0,
    untranscribed    int NOT NULL DEFAULT 0,
    error_message    text,
    transcript       text,
    created_at       timestamptz NOT NULL,
    started_at       timestamptz,
    completed_at     timestamptz,
    processing_ms    bigint
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);

CREATE TABLE IF NOT EXISTS job_chunks (
    job_id       text NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    chunk_index  int NOT NULL,
    start_ms     bigint NOT NULL,
    end_ms       bigint NOT NULL,
    tier         text NOT NULL DEFAULT '',
    bytes        bigint NOT NULL DEFAULT 0,
    status       text NOT NULL,
    status_code  int NOT NULL DEFAULT 0,
    attempts     int NOT NULL DEFAULT 0,
    encodes      int NOT NULL DEFAULT 0,
    text         text NOT NULL DEFAULT '',
    reason       text NOT NULL DEFAULT '',
    PRIMARY KEY (job_id, chunk_index)
);
`

// InitSchema applies the base schema on a fresh database.
// It checks whether the "jobs" table exists as a proxy for
// whether the schema has been loaded. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'jobs')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
