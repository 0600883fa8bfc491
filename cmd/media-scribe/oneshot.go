package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/config"
	"github.com/snarg/media-scribe/internal/export"
	"github.com/snarg/media-scribe/internal/pipeline"
	"github.com/snarg/media-scribe/internal/stitch"
)

// oneShot transcribes a single file without the server.
type oneShot struct {
	file       string
	output     string
	format     string
	timestamps bool
}

// progress logs each chunk as it is stitched.
func (o oneShot) progress(log zerolog.Logger) func(pipeline.Job, pipeline.ChunkResult) {
	return func(j pipeline.Job, c pipeline.ChunkResult) {
		ev := log.Info()
		if c.Untranscribed() {
			ev = log.Warn().Str("reason", c.Reason)
		}
		ev.Int("chunk", c.Index).
			Str("range", stitch.FormatTimestamp(c.StartMs)+"-"+stitch.FormatTimestamp(c.EndMs)).
			Str("status", string(c.Status)).
			Int64("duration_ms", j.DurationMs).
			Msg("chunk done")
	}
}

// run processes the file and writes the transcript. It returns the process
// exit code: 0 on success, 1 when the job failed, 2 on usage errors. A failed
// job still writes whatever partial transcript it produced.
func (o oneShot) run(ctx context.Context, cfg *config.Config, r *pipeline.Orchestrator, log zerolog.Logger) int {
	format, err := export.ParseFormat(o.format)
	if err != nil {
		log.Error().Err(err).Msg("invalid -format")
		return 2
	}
	info, err := os.Stat(o.file)
	if err != nil || info.IsDir() {
		log.Error().Err(err).Str("file", o.file).Msg("input is not a readable file")
		return 2
	}

	jobCfg := cfg.JobDefaults()
	jobCfg.Timestamps = jobCfg.Timestamps || o.timestamps
	job := pipeline.NewJob(uuid.NewString(), o.file, jobCfg)
	job.SourceName = filepath.Base(o.file)
	job.SourceSize = info.Size()

	runErr := r.Run(ctx, job)
	snap := job.Snapshot()
	if snap.Transcript == "" {
		log.Error().Err(runErr).Msg("no transcript produced")
		return 1
	}

	var w io.Writer = os.Stdout
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			log.Error().Err(err).Msg("failed to create output file")
			return 1
		}
		defer f.Close()
		w = f
	}
	if err := export.Render(w, snap, format); err != nil {
		log.Error().Err(err).Msg("failed to write transcript")
		return 1
	}
	if format == export.FormatText && o.output == "" {
		io.WriteString(w, "\n")
	}

	if runErr != nil {
		log.Error().Err(runErr).Str("summary", snap.ErrorSummary()).Msg("transcription incomplete")
		return 1
	}
	if bad := snap.Untranscribed(); len(bad) > 0 {
		log.Warn().Int("untranscribed", len(bad)).Str("summary", snap.ErrorSummary()).Msg("transcription finished with gaps")
	}
	log.Info().
		Int("chunks", len(snap.Chunks)).
		Dur("elapsed", snap.ProcessingTime()).
		Str("output", o.output).
		Msg("transcription complete")
	return 0
}
