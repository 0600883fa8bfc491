package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/snarg/media-scribe/internal/stitch"
	"github.com/snarg/media-scribe/internal/transcribe"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ErrInvalidTransition is returned for any move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid job status transition")

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// ChunkStatus is the final disposition of one chunk.
type ChunkStatus string

const (
	ChunkTranscribed ChunkStatus = "transcribed"
	ChunkSkipped     ChunkStatus = "skipped"  // no tier fit at the floor length
	ChunkFailed      ChunkStatus = "failed"   // call ended in a CallError
	ChunkCanceled    ChunkStatus = "canceled" // job canceled before the call
)

// ChunkResult records what happened to one chunk.
type ChunkResult struct {
	Index      int
	StartMs    int64
	EndMs      int64
	Tier       string
	Bytes      int64
	Status     ChunkStatus
	StatusCode int
	Attempts   int // remote call attempts
	Encodes    int // encode attempts in the planner
	Text       string
	Reason     string
}

// Untranscribed reports whether the chunk became an inline marker.
func (c ChunkResult) Untranscribed() bool { return c.Status != ChunkTranscribed }

// Config is the per-job configuration carried by value.
type Config struct {
	Model      string
	Language   string
	Timestamps bool
	Ceiling    int64 // 0 uses the orchestrator default
	Retry      transcribe.RetryPolicy
}

// Job is one transcription request. Only the Orchestrator mutates a running
// job; everyone else works with snapshots.
type Job struct {
	ID         string
	Source     string // local path of the media
	SourceName string // display name, e.g. the uploaded file name
	SourceSize int64
	Config     Config
	RetryOf    string // failed job this one reruns
	RetryCount int    // reruns in this job's lineage

	Status           Status
	DurationMs       int64
	DetectedLanguage string // first language reported by the endpoint
	Errors           []string
	Transcript       string
	Lines            []stitch.Line
	Chunks           []ChunkResult

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewJob returns a pending job.
func NewJob(id, source string, cfg Config) *Job {
	return &Job{
		ID:        id,
		Source:    source,
		Config:    cfg,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Transition moves the job to status to, stamping start and completion times.
func (j *Job) Transition(to Status) error {
	if !slices.Contains(transitions[j.Status], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	switch {
	case to == StatusProcessing:
		j.StartedAt = time.Now()
	case to.Terminal():
		j.CompletedAt = time.Now()
	}
	return nil
}

// Fail records msg and moves the job to failed.
func (j *Job) Fail(msg string) error {
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	j.Errors = append(j.Errors, msg)
	return nil
}

// ProcessingTime is the wall time from start to completion.
func (j *Job) ProcessingTime() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// Untranscribed returns the chunks that became inline markers.
func (j *Job) Untranscribed() []ChunkResult {
	var out []ChunkResult
	for _, c := range j.Chunks {
		if c.Untranscribed() {
			out = append(out, c)
		}
	}
	return out
}

// ErrorSummary is a human-readable account of failures and untranscribed ranges.
func (j *Job) ErrorSummary() string {
	var parts []string
	parts = append(parts, j.Errors...)
	if bad := j.Untranscribed(); len(bad) > 0 {
		ranges := make([]string, 0, len(bad))
		for _, c := range bad {
			ranges = append(ranges, fmt.Sprintf("%s-%s (%s)",
				stitch.FormatTimestamp(c.StartMs), stitch.FormatTimestamp(c.EndMs), c.Reason))
		}
		parts = append(parts, fmt.Sprintf("%d of %d chunks not transcribed: %s",
			len(bad), len(j.Chunks), strings.Join(ranges, "; ")))
	}
	return strings.Join(parts, "; ")
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.Errors = slices.Clone(j.Errors)
	cp.Lines = slices.Clone(j.Lines)
	cp.Chunks = slices.Clone(j.Chunks)
	return cp
}
