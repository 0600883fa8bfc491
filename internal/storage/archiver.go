package storage

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/export"
	"github.com/snarg/media-scribe/internal/pipeline"
)

// Archiver writes every export format of finished jobs to a store in the
// background so slow storage never holds up a job worker.
type Archiver struct {
	store    TranscriptStore
	ch       chan pipeline.Job
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewArchiver creates an archiver with the given buffer size.
func NewArchiver(store TranscriptStore, bufferSize int, log zerolog.Logger) *Archiver {
	return &Archiver{
		store: store,
		ch:    make(chan pipeline.Job, bufferSize),
		log:   log.With().Str("component", "archiver").Logger(),
	}
}

// Store returns the backing transcript store.
func (a *Archiver) Store() TranscriptStore { return a.store }

// JobStatus queues terminal jobs that carry a transcript. Non-blocking;
// drops with a warning if full or stopped. The transcript stays available
// from the in-memory registry and the database.
func (a *Archiver) JobStatus(j pipeline.Job) {
	if a.stopped.Load() || !j.Status.Terminal() || j.Transcript == "" {
		return
	}
	select {
	case a.ch <- j:
	default:
		a.log.Warn().Str("job_id", j.ID).Msg("archive queue full, skipping")
	}
}

// ChunkDone is a no-op; only finished transcripts are archived.
func (a *Archiver) ChunkDone(pipeline.Job, pipeline.ChunkResult) {}

// Start launches worker goroutines.
func (a *Archiver) Start(workers int) {
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	a.log.Info().Int("workers", workers).Int("buffer", cap(a.ch)).Str("store", a.store.Type()).Msg("transcript archiver started")
}

// Stop stops accepting jobs and waits for queued ones to be written.
func (a *Archiver) Stop() {
	a.stopped.Store(true)
	a.stopOnce.Do(func() { close(a.ch) })
	a.wg.Wait()
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for j := range a.ch {
		a.archive(j)
	}
}

func (a *Archiver) archive(j pipeline.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, f := range export.Formats {
		var buf bytes.Buffer
		if err := export.Render(&buf, j, f); err != nil {
			a.log.Error().Err(err).Str("job_id", j.ID).Str("format", string(f)).Msg("transcript render failed")
			continue
		}
		key := Key(j.ID, string(f))
		if err := a.store.Save(ctx, key, buf.Bytes(), f.ContentType()); err != nil {
			a.log.Error().Err(err).Str("key", key).Msg("transcript save failed")
			continue
		}
	}
	a.log.Debug().Str("job_id", j.ID).Msg("transcript archived")
}
