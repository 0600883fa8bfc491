// Package storage persists finished transcripts on local disk or in an
// S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/config"
)

// TranscriptStore abstracts transcript storage backends.
type TranscriptStore interface {
	// Save stores data. key format: {job_id}/transcript.{ext}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// URL returns a presigned download URL.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for a stored transcript.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a transcript exists.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

// Key is the object key of job jobID's transcript in format ext.
func Key(jobID, ext string) string {
	return jobID + "/transcript." + ext
}

// New creates a TranscriptStore based on config.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, transcriptDir string, log zerolog.Logger) (TranscriptStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(transcriptDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}
