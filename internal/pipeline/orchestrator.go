// Package pipeline runs one transcription job end to end: probe the source,
// plan compliant chunks, transcribe them, and stitch the results in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snarg/media-scribe/internal/audio"
	"github.com/snarg/media-scribe/internal/segment"
	"github.com/snarg/media-scribe/internal/stitch"
	"github.com/snarg/media-scribe/internal/transcribe"
)

// Prober reports duration and audio-track presence of a source.
type Prober interface {
	Probe(ctx context.Context, path string) (audio.Media, error)
}

// Transcriber performs one chunk call including its retries.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Response, error)
}

// Hooks receive job progress. Both are optional and are called with
// snapshots, serialized per job.
type Hooks struct {
	OnStatus func(j Job)
	OnChunk  func(j Job, c ChunkResult)
}

// Options configures the Orchestrator.
type Options struct {
	Segment      segment.Options
	ScratchDir   string        // parent for per-job temp dirs; "" uses os.TempDir
	CallInterval time.Duration // min spacing between call starts within a job
	ChunkWorkers int           // <= 1 transcribes chunks sequentially
	ChunkTimeout time.Duration // budget for one chunk call including retries; 0 = none
}

// Orchestrator sequences probe, planning, transcription and stitching.
type Orchestrator struct {
	prober Prober
	enc    segment.Encoder
	tr     Transcriber
	opts   Options
	hooks  Hooks
	log    zerolog.Logger
}

// New creates an Orchestrator.
func New(prober Prober, enc segment.Encoder, tr Transcriber, opts Options, hooks Hooks, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		prober: prober,
		enc:    enc,
		tr:     tr,
		opts:   opts,
		hooks:  hooks,
		log:    log.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes a pending job to a terminal status. The returned error is
// non-nil exactly when the job ends failed. Cancelling ctx stops planning new
// chunks; calls already in flight finish or hit ChunkTimeout, temp files are
// removed, and the job fails with the partial transcript kept.
func (o *Orchestrator) Run(ctx context.Context, job *Job) (err error) {
	log := o.log.With().Str("job_id", job.ID).Logger()
	if job.Status != StatusPending {
		return fmt.Errorf("%w: run from %s", ErrInvalidTransition, job.Status)
	}

	if err := ctx.Err(); err != nil {
		return o.abort(log, job, fmt.Errorf("canceled before start: %w", err))
	}

	media, err := o.prober.Probe(ctx, job.Source)
	if err != nil {
		return o.abort(log, job, err)
	}
	if media.DurationMs <= 0 {
		return o.abort(log, job, audio.ErrZeroDuration)
	}
	job.DurationMs = media.DurationMs
	if job.SourceSize == 0 {
		if size, err := audio.Measure(job.Source); err == nil {
			job.SourceSize = size
		}
	}

	opts := o.opts.Segment
	if job.Config.Ceiling > 0 {
		opts.Ceiling = job.Config.Ceiling
	}
	planner, err := segment.NewPlanner(o.enc, opts, log)
	if err != nil {
		return o.abort(log, job, fmt.Errorf("planner: %w", err))
	}

	scratch, err := os.MkdirTemp(o.opts.ScratchDir, "job-"+job.ID+"-*")
	if err != nil {
		return o.abort(log, job, fmt.Errorf("scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	if err := job.Transition(StatusProcessing); err != nil {
		return err
	}
	o.notify(job)
	log.Info().
		Str("source", job.Source).
		Int64("duration_ms", job.DurationMs).
		Int64("ceiling", opts.Ceiling).
		Str("model", job.Config.Model).
		Bool("timestamps", job.Config.Timestamps).
		Msg("job processing")

	st := stitch.New(job.Config.Timestamps)
	sink := &orderedSink{st: st, job: job, pending: map[int]chunkOutcome{}, onChunk: o.hooks.OnChunk}
	run := &chunkRunner{
		tr:      o.tr,
		job:     job.Config,
		limiter: newLimiter(o.opts.CallInterval),
		timeout: o.opts.ChunkTimeout,
		log:     log,
	}

	workers := max(o.opts.ChunkWorkers, 1)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var planned int
	var cursor int64

	planErr := planner.Plan(ctx, job.Source, job.DurationMs, scratch, func(c segment.ChunkPlan) error {
		planned = c.Index + 1
		cursor = c.EndMs
		if !c.Accepted() {
			sink.put(skippedOutcome(c))
			return nil
		}
		if workers == 1 {
			sink.put(run.transcribe(ctx, c))
			return nil
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			c.Release()
			sink.put(canceledOutcome(c.Index, c.StartMs, c.EndMs))
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			sink.put(run.transcribe(ctx, c))
		}()
		return nil
	})
	wg.Wait()

	canceled := planErr != nil && ctx.Err() != nil && errors.Is(planErr, ctx.Err())
	if canceled && cursor < job.DurationMs {
		sink.put(canceledOutcome(planned, cursor, job.DurationMs))
	}
	if sink.err != nil && planErr == nil {
		planErr = sink.err
	}

	job.Transcript = st.String()
	job.Lines = st.Lines()

	switch {
	case canceled:
		return o.abort(log, job, fmt.Errorf("canceled: %w", planErr))
	case planErr != nil:
		return o.abort(log, job, planErr)
	case !st.HasText():
		return o.abort(log, job, errors.New("no chunk produced usable text"))
	}

	if err := job.Transition(StatusCompleted); err != nil {
		return err
	}
	o.notify(job)
	ev := log.Info()
	if bad := job.Untranscribed(); len(bad) > 0 {
		ev = log.Warn().Int("untranscribed", len(bad))
	}
	ev.Int("chunks", len(job.Chunks)).
		Dur("elapsed", job.ProcessingTime()).
		Msg("job completed")
	return nil
}

func (o *Orchestrator) abort(log zerolog.Logger, job *Job, cause error) error {
	if err := job.Fail(cause.Error()); err != nil {
		return err
	}
	o.notify(job)
	log.Error().Err(cause).Str("summary", job.ErrorSummary()).Msg("job failed")
	return cause
}

func (o *Orchestrator) notify(job *Job) {
	if o.hooks.OnStatus != nil {
		o.hooks.OnStatus(job.Snapshot())
	}
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// chunkOutcome is a resolved chunk waiting for its turn in the stitcher.
type chunkOutcome struct {
	result ChunkResult
	res    *transcribe.Response
}

func skippedOutcome(c segment.ChunkPlan) chunkOutcome {
	return chunkOutcome{result: ChunkResult{
		Index:   c.Index,
		StartMs: c.StartMs,
		EndMs:   c.EndMs,
		Status:  ChunkSkipped,
		Encodes: len(c.Attempts),
		Reason:  c.Reason,
	}}
}

func canceledOutcome(index int, startMs, endMs int64) chunkOutcome {
	return chunkOutcome{result: ChunkResult{
		Index:   index,
		StartMs: startMs,
		EndMs:   endMs,
		Status:  ChunkCanceled,
		Reason:  "canceled",
	}}
}

// chunkRunner transcribes accepted chunks. One runner is shared by all
// workers of a job, so its limiter paces the whole job.
type chunkRunner struct {
	tr      Transcriber
	job     Config
	limiter *rate.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

// transcribe owns c's artifact and releases it before returning.
func (r *chunkRunner) transcribe(ctx context.Context, c segment.ChunkPlan) chunkOutcome {
	defer c.Release()

	out := chunkOutcome{result: ChunkResult{
		Index:   c.Index,
		StartMs: c.StartMs,
		EndMs:   c.EndMs,
		Tier:    c.Tier.Name,
		Bytes:   c.Size,
		Encodes: len(c.Attempts),
	}}
	log := r.log.With().Int("chunk", c.Index).Int64("start_ms", c.StartMs).Int64("end_ms", c.EndMs).Logger()

	if err := r.limiter.Wait(ctx); err != nil {
		out.result.Status = ChunkCanceled
		out.result.Reason = "canceled"
		return out
	}

	// The call survives job cancellation and is bounded by its own timeout.
	callCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.timeout)
		defer cancel()
	}

	res, err := r.tr.Transcribe(callCtx, transcribe.Request{
		Path:       c.Artifact.Path,
		Model:      r.job.Model,
		Language:   r.job.Language,
		Timestamps: r.job.Timestamps,
		Retry:      r.job.Retry,
	})
	if err != nil {
		out.result.Status = ChunkFailed
		out.result.Reason = err.Error()
		var ce *transcribe.CallError
		if errors.As(err, &ce) {
			out.result.StatusCode = ce.StatusCode
			out.result.Attempts = ce.Attempts
			out.result.Reason = ce.Reason()
		}
		log.Warn().Err(err).Msg("chunk call failed")
		return out
	}

	out.res = res
	out.result.Status = ChunkTranscribed
	out.result.StatusCode = res.StatusCode
	out.result.Attempts = res.Attempts
	out.result.Text = strings.TrimSpace(res.Text)
	log.Debug().
		Str("tier", c.Tier.Name).
		Int64("bytes", c.Size).
		Int("attempts", res.Attempts).
		Msg("chunk transcribed")
	return out
}

// orderedSink buffers outcomes until every predecessor has been stitched.
type orderedSink struct {
	mu      sync.Mutex
	next    int
	pending map[int]chunkOutcome
	st      *stitch.Stitcher
	job     *Job
	onChunk func(Job, ChunkResult)
	err     error
}

func (s *orderedSink) put(o chunkOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[o.result.Index] = o
	for {
		o, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		s.apply(o)
	}
}

func (s *orderedSink) apply(o chunkOutcome) {
	r := o.result
	var err error
	if o.res != nil {
		err = s.st.Append(r.Index, r.StartMs, o.res)
		if s.job.DetectedLanguage == "" {
			s.job.DetectedLanguage = o.res.Language
		}
	} else {
		err = s.st.Mark(r.Index, r.StartMs, r.EndMs, r.Reason)
	}
	if err != nil && s.err == nil {
		s.err = err
	}
	s.job.Chunks = append(s.job.Chunks, r)
	if s.onChunk != nil {
		s.onChunk(s.job.Snapshot(), r)
	}
}
