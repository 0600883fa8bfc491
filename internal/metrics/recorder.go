package metrics

import (
	"github.com/snarg/media-scribe/internal/pipeline"
)

// Recorder updates job and chunk metrics from pipeline snapshots.
type Recorder struct{}

// JobStatus counts terminal transitions.
func (Recorder) JobStatus(j pipeline.Job) {
	if !j.Status.Terminal() {
		return
	}
	JobsTotal.WithLabelValues(string(j.Status)).Inc()
	if d := j.ProcessingTime(); d > 0 {
		JobProcessingSeconds.Observe(d.Seconds())
	}
	if j.Status == pipeline.StatusCompleted {
		MediaSecondsTotal.Add(float64(j.DurationMs) / 1000)
	}
}

// ChunkDone counts one resolved chunk.
func (Recorder) ChunkDone(_ pipeline.Job, c pipeline.ChunkResult) {
	tier := c.Tier
	if tier == "" {
		tier = "none"
	}
	ChunksTotal.WithLabelValues(string(c.Status), tier).Inc()
	if c.Attempts > 0 {
		ChunkCallAttempts.Observe(float64(c.Attempts))
	}
	if c.Status == pipeline.ChunkTranscribed {
		ChunkBytes.Observe(float64(c.Bytes))
	}
}
