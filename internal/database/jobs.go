package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/media-scribe/internal/pipeline"
)

// JobRow is the persisted view of a job.
type JobRow struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	SourceName       string     `json:"source_name"`
	SourceSize       int64      `json:"source_size"`
	Model            string     `json:"model"`
	Language         string     `json:"language,omitempty"`
	DetectedLanguage string     `json:"detected_language,omitempty"`
	Timestamps       bool       `json:"timestamps"`
	RetryOf          string     `json:"retry_of,omitempty"`
	RetryCount       int        `json:"retry_count"`
	Status           string     `json:"status"`
	DurationMs       int64      `json:"duration_ms"`
	ChunkCount       int        `json:"chunk_count"`
	Untranscribed    int        `json:"untranscribed"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	Transcript       *string    `json:"transcript,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ProcessingMs     *int64     `json:"processing_ms,omitempty"`
}

// ChunkRow is one persisted chunk outcome.
type ChunkRow struct {
	JobID      string `json:"job_id"`
	Index      int    `json:"index"`
	StartMs    int64  `json:"start_ms"`
	EndMs      int64  `json:"end_ms"`
	Tier       string `json:"tier,omitempty"`
	Bytes      int64  `json:"bytes"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Encodes    int    `json:"encodes"`
	Text       string `json:"text,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// JobFilter specifies filters for listing jobs.
type JobFilter struct {
	Status string
	Limit  int
	Offset int
}

// JobRowFrom converts a job snapshot to its row form. Transcript and error
// are only set once the job is terminal.
func JobRowFrom(j pipeline.Job) JobRow {
	r := JobRow{
		ID:               j.ID,
		Source:           j.Source,
		SourceName:       j.SourceName,
		SourceSize:       j.SourceSize,
		Model:            j.Config.Model,
		Language:         j.Config.Language,
		DetectedLanguage: j.DetectedLanguage,
		Timestamps:       j.Config.Timestamps,
		RetryOf:          j.RetryOf,
		RetryCount:       j.RetryCount,
		Status:           string(j.Status),
		DurationMs:       j.DurationMs,
		ChunkCount:       len(j.Chunks),
		Untranscribed:    len(j.Untranscribed()),
		CreatedAt:        j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		r.StartedAt = &t
	}
	if j.Status.Terminal() {
		t := j.CompletedAt
		r.CompletedAt = &t
		if msg := j.ErrorSummary(); msg != "" {
			r.ErrorMessage = &msg
		}
		if j.Transcript != "" {
			tr := j.Transcript
			r.Transcript = &tr
		}
		if d := j.ProcessingTime(); d > 0 {
			ms := d.Milliseconds()
			r.ProcessingMs = &ms
		}
	}
	return r
}

// ChunkRowFrom converts a chunk result to its row form.
func ChunkRowFrom(jobID string, c pipeline.ChunkResult) ChunkRow {
	return ChunkRow{
		JobID:      jobID,
		Index:      c.Index,
		StartMs:    c.StartMs,
		EndMs:      c.EndMs,
		Tier:       c.Tier,
		Bytes:      c.Bytes,
		Status:     string(c.Status),
		StatusCode: c.StatusCode,
		Attempts:   c.Attempts,
		Encodes:    c.Encodes,
		Text:       c.Text,
		Reason:     c.Reason,
	}
}

// UpsertJob inserts or updates a job row keyed by ID.
func (db *DB) UpsertJob(ctx context.Context, r JobRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO jobs (
			id, source, source_name, source_size, model, language, detected_language,
			timestamps, status, duration_ms, chunk_count, untranscribed,
			error_message, transcript, created_at, started_at, completed_at, processing_ms,
			retry_of, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			detected_language = COALESCE(EXCLUDED.detected_language, jobs.detected_language),
			duration_ms = EXCLUDED.duration_ms,
			source_size = EXCLUDED.source_size,
			chunk_count = EXCLUDED.chunk_count,
			untranscribed = EXCLUDED.untranscribed,
			error_message = EXCLUDED.error_message,
			transcript = EXCLUDED.transcript,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			processing_ms = EXCLUDED.processing_ms
	`,
		r.ID, r.Source, r.SourceName, r.SourceSize, r.Model, r.Language, pqString(r.DetectedLanguage),
		r.Timestamps, r.Status, r.DurationMs, r.ChunkCount, r.Untranscribed,
		r.ErrorMessage, r.Transcript, r.CreatedAt, r.StartedAt, r.CompletedAt, r.ProcessingMs,
		pqString(r.RetryOf), r.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", r.ID, err)
	}
	return nil
}

// InsertChunk stores one chunk outcome. Replays of the same index overwrite.
func (db *DB) InsertChunk(ctx context.Context, c ChunkRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO job_chunks (
			job_id, chunk_index, start_ms, end_ms, tier, bytes,
			status, status_code, attempts, encodes, text, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id, chunk_index) DO UPDATE SET
			status = EXCLUDED.status,
			status_code = EXCLUDED.status_code,
			attempts = EXCLUDED.attempts,
			text = EXCLUDED.text,
			reason = EXCLUDED.reason
	`,
		c.JobID, c.Index, c.StartMs, c.EndMs, c.Tier, c.Bytes,
		c.Status, c.StatusCode, c.Attempts, c.Encodes, c.Text, c.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert chunk %s/%d: %w", c.JobID, c.Index, err)
	}
	return nil
}

const jobColumns = `id, source, source_name, source_size, model, language,
	COALESCE(detected_language, ''), timestamps, status, duration_ms, chunk_count,
	untranscribed, error_message, transcript, created_at, started_at, completed_at, processing_ms,
	COALESCE(retry_of, ''), retry_count`

func scanJob(row pgx.Row) (*JobRow, error) {
	var r JobRow
	err := row.Scan(
		&r.ID, &r.Source, &r.SourceName, &r.SourceSize, &r.Model, &r.Language,
		&r.DetectedLanguage, &r.Timestamps, &r.Status, &r.DurationMs, &r.ChunkCount,
		&r.Untranscribed, &r.ErrorMessage, &r.Transcript, &r.CreatedAt, &r.StartedAt,
		&r.CompletedAt, &r.ProcessingMs, &r.RetryOf, &r.RetryCount,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetJob returns a job by ID, or nil if it does not exist.
func (db *DB) GetJob(ctx context.Context, id string) (*JobRow, error) {
	r, err := scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return r, nil
}

// ListJobs returns jobs newest first with the total matching count.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]JobRow, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var total int
	if err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE ($1::text IS NULL OR status = $1)`,
		pqString(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, pqString(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

// ListChunks returns a job's chunk rows in index order.
func (db *DB) ListChunks(ctx context.Context, jobID string) ([]ChunkRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, chunk_index, start_ms, end_ms, tier, bytes,
			status, status_code, attempts, encodes, text, reason
		FROM job_chunks WHERE job_id = $1
		ORDER BY chunk_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkRow
	for rows.Next() {
		var c ChunkRow
		if err := rows.Scan(&c.JobID, &c.Index, &c.StartMs, &c.EndMs, &c.Tier, &c.Bytes,
			&c.Status, &c.StatusCode, &c.Attempts, &c.Encodes, &c.Text, &c.Reason); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FailStaleJobs marks jobs left pending or processing by a previous process
// as failed. Returns the number of rows changed.
func (db *DB) FailStaleJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = 'interrupted by restart', completed_at = now()
		WHERE status IN ('pending', 'processing') AND ($1::timestamptz IS NULL OR created_at < $1)
	`, pqTime(before))
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
