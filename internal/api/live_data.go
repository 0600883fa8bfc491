package api

import (
	"context"
	"io"

	"github.com/snarg/media-scribe/internal/database"
	"github.com/snarg/media-scribe/internal/jobs"
	"github.com/snarg/media-scribe/internal/pipeline"
)

// JobQueue is the live job registry. *jobs.Pool implements it.
type JobQueue interface {
	Submit(req jobs.Request) (pipeline.Job, error)
	Get(id string) (pipeline.Job, bool)
	List(status pipeline.Status) []pipeline.Job
	Cancel(id string) error
	Stats() jobs.QueueStats
}

// JobHistory serves jobs persisted by earlier runs. *database.DB implements it.
type JobHistory interface {
	GetJob(ctx context.Context, id string) (*database.JobRow, error)
	ListJobs(ctx context.Context, f database.JobFilter) ([]database.JobRow, int, error)
	ListChunks(ctx context.Context, jobID string) ([]database.ChunkRow, error)
	HealthCheck(ctx context.Context) error
}

// TranscriptSource reads archived transcripts. storage.TranscriptStore
// implements it.
type TranscriptSource interface {
	URL(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) bool
}

// WatcherSource reports drop-folder watcher state.
type WatcherSource interface {
	Status() *WatcherStatusData
}

// Connectivity reports whether an outbound connection is up.
type Connectivity interface {
	IsConnected() bool
}

// WatcherStatusData represents the status of the drop-folder watcher.
type WatcherStatusData struct {
	Status         string `json:"status"` // "watching", "backfilling", "stopped"
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
}
