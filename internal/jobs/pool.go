// Package jobs runs transcription jobs on a fixed pool of workers and keeps
// an in-memory registry of every job the process has seen.
package jobs

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/pipeline"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job pool is stopped")
	ErrNotFound  = errors.New("job not found")
	ErrFinished  = errors.New("job already finished")
)

// Runner processes one pending job to a terminal status.
type Runner interface {
	Run(ctx context.Context, job *pipeline.Job) error
}

// Observer receives job snapshots as they change. Calls for one job are
// serialized; calls for different jobs may run concurrently.
type Observer interface {
	JobStatus(j pipeline.Job)
	ChunkDone(j pipeline.Job, c pipeline.ChunkResult)
}

// QueueStats reports the current state of the job queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Request describes a job to submit. Zero Config fields take the pool
// defaults. Config.Timestamps is ignored: a nil Timestamps takes the pool
// default, otherwise it wins.
type Request struct {
	Source     string
	SourceName string
	SourceSize int64
	Config     pipeline.Config
	Timestamps *bool
	RetryOf    string // id of the failed job this one reruns
	RetryCount int
}

// Options configures the pool.
type Options struct {
	Workers   int
	QueueSize int
	Defaults  pipeline.Config
	Observers []Observer
	Log       zerolog.Logger
}

type entry struct {
	notify sync.Mutex // serializes observer calls for the job
	snap   pipeline.Job
	job    *pipeline.Job // owned by the worker while running
	cancel context.CancelFunc
}

// Pool manages job workers and the job registry.
type Pool struct {
	queue chan *pipeline.Job
	opts  Options
	log   zerolog.Logger
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	closed  bool

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a job pool. Jobs may be submitted before Start; they wait
// in the queue.
func NewPool(opts Options) *Pool {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:   make(chan *pipeline.Job, opts.QueueSize),
		opts:    opts,
		log:     opts.Log.With().Str("component", "jobs").Logger(),
		ctx:     ctx,
		stop:    cancel,
		entries: make(map[string]*entry),
	}
}

// Hooks returns pipeline hooks that keep the registry current and fan out to
// the observers. Pass them to the Runner's constructor.
func (p *Pool) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnStatus: p.observeStatus,
		OnChunk: func(j pipeline.Job, c pipeline.ChunkResult) {
			e := p.update(j)
			if e == nil {
				return
			}
			e.notify.Lock()
			defer e.notify.Unlock()
			for _, o := range p.opts.Observers {
				o.ChunkDone(j, c)
			}
		},
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(r Runner) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i, r)
	}
	p.log.Info().Int("workers", p.opts.Workers).Int("queue_size", p.opts.QueueSize).Msg("job worker pool started")
}

// Stop refuses new jobs, cancels running ones and waits for the workers.
// Jobs still queued are failed without processing.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()
	p.log.Info().
		Int64("completed", p.completed.Load()).
		Int64("failed", p.failed.Load()).
		Msg("job worker pool stopped")
}

// Submit registers and enqueues a new job.
func (p *Pool) Submit(req Request) (pipeline.Job, error) {
	cfg := p.withDefaults(req.Config)
	cfg.Timestamps = p.opts.Defaults.Timestamps
	if req.Timestamps != nil {
		cfg.Timestamps = *req.Timestamps
	}
	job := pipeline.NewJob(uuid.NewString(), req.Source, cfg)
	job.SourceName = req.SourceName
	job.SourceSize = req.SourceSize
	job.RetryOf = req.RetryOf
	job.RetryCount = req.RetryCount

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return pipeline.Job{}, ErrStopped
	}
	select {
	case p.queue <- job:
	default:
		p.mu.Unlock()
		return pipeline.Job{}, ErrQueueFull
	}
	snap := job.Snapshot()
	e := &entry{snap: snap, job: job}
	e.notify.Lock()
	defer e.notify.Unlock()
	p.entries[job.ID] = e
	p.order = append(p.order, job.ID)
	p.mu.Unlock()

	p.log.Info().Str("job_id", job.ID).Str("source", req.Source).Msg("job queued")
	for _, o := range p.opts.Observers {
		o.JobStatus(snap)
	}
	return snap, nil
}

// Get returns the latest snapshot of a job.
func (p *Pool) Get(id string) (pipeline.Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return pipeline.Job{}, false
	}
	return e.snap.Snapshot(), true
}

// List returns snapshots of all jobs, newest first. A non-empty status filters.
func (p *Pool) List(status pipeline.Status) []pipeline.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]pipeline.Job, 0, len(p.order))
	for _, id := range slices.Backward(p.order) {
		e := p.entries[id]
		if status != "" && e.snap.Status != status {
			continue
		}
		out = append(out, e.snap.Snapshot())
	}
	return out
}

// Cancel stops a job. A queued job fails at once; a running job has its
// context canceled and fails once in-flight chunk calls settle.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	if e.snap.Status.Terminal() {
		p.mu.Unlock()
		return ErrFinished
	}
	if e.cancel != nil {
		cancel := e.cancel
		p.mu.Unlock()
		cancel()
		p.log.Info().Str("job_id", id).Msg("running job canceled")
		return nil
	}
	// Still queued: the worker will see the failed status and drop it.
	snap, ok := p.failQueuedLocked(e.job, "canceled")
	p.mu.Unlock()
	if ok {
		p.notifyFailed(snap, "canceled")
	}
	return nil
}

// Stats returns current queue statistics.
func (p *Pool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(p.queue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.opts.Workers }

func (p *Pool) withDefaults(cfg pipeline.Config) pipeline.Config {
	d := p.opts.Defaults
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.Language == "" {
		cfg.Language = d.Language
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = d.Ceiling
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = d.Retry
	}
	return cfg
}

func (p *Pool) worker(id int, r Runner) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for job := range p.queue {
		if p.ctx.Err() != nil {
			p.finishQueued(job, "server shutting down")
			continue
		}
		ctx, ok := p.claim(job)
		if !ok {
			continue
		}
		p.running.Add(1)
		start := time.Now()
		err := r.Run(ctx, job)
		p.running.Add(-1)
		p.release(job)

		if err != nil {
			p.failed.Add(1)
			log.Warn().Err(err).Str("job_id", job.ID).Msg("job failed")
		} else {
			p.completed.Add(1)
			log.Debug().Str("job_id", job.ID).Dur("elapsed", time.Since(start)).Msg("job done")
		}
	}
}

// claim marks a queued job as running. It reports false for jobs canceled
// while queued.
func (p *Pool) claim(job *pipeline.Job) (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[job.ID]
	if e == nil || job.Status != pipeline.StatusPending {
		return nil, false
	}
	ctx, cancel := context.WithCancel(p.ctx)
	e.cancel = cancel
	return ctx, true
}

func (p *Pool) release(job *pipeline.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[job.ID]
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.snap = job.Snapshot()
	e.job = nil
}

// finishQueued fails a job that never reached a worker.
func (p *Pool) finishQueued(job *pipeline.Job, reason string) {
	p.mu.Lock()
	snap, ok := p.failQueuedLocked(job, reason)
	p.mu.Unlock()
	if ok {
		p.notifyFailed(snap, reason)
	}
}

func (p *Pool) failQueuedLocked(job *pipeline.Job, reason string) (pipeline.Job, bool) {
	if job == nil || job.Status != pipeline.StatusPending {
		return pipeline.Job{}, false
	}
	if err := job.Fail(reason); err != nil {
		return pipeline.Job{}, false
	}
	snap := job.Snapshot()
	p.entries[job.ID].snap = snap
	return snap, true
}

func (p *Pool) notifyFailed(snap pipeline.Job, reason string) {
	p.failed.Add(1)
	p.log.Info().Str("job_id", snap.ID).Str("reason", reason).Msg("queued job failed")
	p.fanOut(snap)
}

func (p *Pool) observeStatus(j pipeline.Job) {
	p.update(j)
	p.fanOut(j)
}

func (p *Pool) fanOut(j pipeline.Job) {
	p.mu.RLock()
	e := p.entries[j.ID]
	p.mu.RUnlock()
	if e == nil {
		return
	}
	e.notify.Lock()
	defer e.notify.Unlock()
	for _, o := range p.opts.Observers {
		o.JobStatus(j)
	}
}

func (p *Pool) update(j pipeline.Job) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[j.ID]
	if ok {
		e.snap = j
	}
	return e
}
