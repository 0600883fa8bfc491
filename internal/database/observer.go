package database

import (
	"context"
	"time"

	"github.com/snarg/media-scribe/internal/pipeline"
)

const writeTimeout = 5 * time.Second

// JobStatus persists a job snapshot. Errors are logged, never returned, so a
// database outage does not stop transcription.
func (db *DB) JobStatus(j pipeline.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := db.UpsertJob(ctx, JobRowFrom(j)); err != nil {
		db.log.Warn().Err(err).Str("job_id", j.ID).Msg("job persist failed")
	}
}

// ChunkDone persists one chunk outcome and the job's progress counters.
func (db *DB) ChunkDone(j pipeline.Job, c pipeline.ChunkResult) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := db.InsertChunk(ctx, ChunkRowFrom(j.ID, c)); err != nil {
		db.log.Warn().Err(err).Str("job_id", j.ID).Int("chunk", c.Index).Msg("chunk persist failed")
		return
	}
	if err := db.UpsertJob(ctx, JobRowFrom(j)); err != nil {
		db.log.Warn().Err(err).Str("job_id", j.ID).Msg("job persist failed")
	}
}
