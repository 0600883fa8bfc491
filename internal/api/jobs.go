package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/media-scribe/internal/audio"
	"github.com/snarg/media-scribe/internal/config"
	"github.com/snarg/media-scribe/internal/database"
	"github.com/snarg/media-scribe/internal/export"
	"github.com/snarg/media-scribe/internal/jobs"
	"github.com/snarg/media-scribe/internal/pipeline"
	"github.com/snarg/media-scribe/internal/storage"
)

const maxRetriesLimit = 20

// submitOptions are the per-job choices a client may make. Unset fields take
// the server defaults.
type submitOptions struct {
	Model          string `json:"model"`
	Language       string `json:"language"`
	Timestamps     *bool  `json:"timestamps"`
	MaxRetries     *int   `json:"max_retries"`
	InitialBackoff string `json:"initial_backoff"`
}

// submitRequest is the JSON body for a server-local source.
type submitRequest struct {
	Path string `json:"path"`
	submitOptions
}

// JobDetail is a job with its chunk outcomes.
type JobDetail struct {
	database.JobRow
	Chunks []database.ChunkRow `json:"chunks"`
}

// JobListResponse is one page of jobs.
type JobListResponse struct {
	Jobs   []database.JobRow `json:"jobs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// JobsHandler serves the job API.
type JobsHandler struct {
	jobs        JobQueue
	history     JobHistory
	transcripts TranscriptSource
	defaults    pipeline.Config
	uploadDir   string
	mediaDir    string
	maxUpload   int64
	log         zerolog.Logger
}

// NewJobsHandler creates a job handler.
func NewJobsHandler(cfg *config.Config, opts Options, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:        opts.Jobs,
		history:     opts.History,
		transcripts: opts.Transcripts,
		defaults:    cfg.JobDefaults(),
		uploadDir:   cfg.UploadDir,
		mediaDir:    cfg.MediaDir,
		maxUpload:   cfg.MaxUploadBytes,
		log:         log.With().Str("handler", "jobs").Logger(),
	}
}

// Routes registers the read and cancel endpoints. Submit and Retry are
// mounted by the server behind the rate limiter.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/chunks", h.Chunks)
	r.Get("/{id}/transcript", h.Transcript)
	r.Delete("/{id}", h.Cancel)
}

// Submit handles POST /api/v1/jobs. A multipart body uploads the media; a
// JSON body names a file under MEDIA_DIR.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var req jobs.Request
	var opts submitOptions
	var uploaded string
	if mediaType == "multipart/form-data" {
		up, err := receiveUpload(w, r, h.uploadDir, h.maxUpload)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge,
					fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
				return
			}
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
			return
		}
		uploaded = up.Path
		opts = up.Opts
		req = jobs.Request{Source: up.Path, SourceName: up.Name, SourceSize: up.Size}
	} else {
		var body submitRequest
		if err := DecodeJSON(r, &body); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
			return
		}
		src, err := h.resolve(body.Path)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, err.Error())
			return
		}
		opts = body.submitOptions
		req = jobs.Request{Source: src, SourceName: filepath.Base(src)}
	}

	jobCfg, err := h.jobConfig(opts)
	if err != nil {
		removeUpload(uploaded)
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, err.Error())
		return
	}
	req.Config = jobCfg
	req.Timestamps = opts.Timestamps

	job, ok := h.enqueue(w, r, req)
	if !ok {
		removeUpload(uploaded)
		return
	}

	hlog.FromRequest(r).Info().
		Str("job_id", job.ID).
		Str("source_name", job.SourceName).
		Int64("source_size", job.SourceSize).
		Msg("job submitted")
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	WriteJSON(w, http.StatusAccepted, database.JobRowFrom(job))
}

// resolve maps a client path to a file under the media root.
func (h *JobsHandler) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	if h.mediaDir == "" {
		return "", errors.New("server-local paths are disabled: MEDIA_DIR is not set")
	}
	src := audio.ResolveSource(h.mediaDir, path)
	if src == "" || !insideDir(h.mediaDir, src) {
		return "", fmt.Errorf("source %q not found under media root", path)
	}
	return src, nil
}

// enqueue submits req, writing the error response when the pool refuses it.
func (h *JobsHandler) enqueue(w http.ResponseWriter, r *http.Request, req jobs.Request) (pipeline.Job, bool) {
	job, err := h.jobs.Submit(req)
	if err == nil {
		return job, true
	}
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, err.Error())
	case errors.Is(err, jobs.ErrStopped):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("job submit failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to submit job")
	}
	return pipeline.Job{}, false
}

// Retry handles POST /api/v1/jobs/{id}/retry. A failed job is rerun as a new
// job with the same source and settings; the new job records its parent and
// the lineage's retry count. Any other status is a conflict.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var parent jobs.Request
	var status pipeline.Status
	var retries int
	if job, ok := h.jobs.Get(id); ok {
		status = job.Status
		retries = job.RetryCount
		timestamps := job.Config.Timestamps
		parent = jobs.Request{
			Source:     job.Source,
			SourceName: job.SourceName,
			SourceSize: job.SourceSize,
			Config:     job.Config,
			Timestamps: &timestamps,
		}
	} else {
		row, ok := h.lookupHistory(w, r, id)
		if !ok {
			return
		}
		status = pipeline.Status(row.Status)
		retries = row.RetryCount
		timestamps := row.Timestamps
		// Retry policy and ceiling are not persisted; the pool defaults apply.
		parent = jobs.Request{
			Source:     row.Source,
			SourceName: row.SourceName,
			SourceSize: row.SourceSize,
			Config:     pipeline.Config{Model: row.Model, Language: row.Language},
			Timestamps: &timestamps,
		}
	}

	if status != pipeline.StatusFailed {
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, fmt.Sprintf("only failed jobs can be retried; job is %s", status))
		return
	}
	if info, err := os.Stat(parent.Source); err != nil || info.IsDir() {
		WriteErrorWithCode(w, http.StatusGone, ErrSourceGone, "source media is no longer available")
		return
	}

	parent.RetryOf = id
	parent.RetryCount = retries + 1
	job, ok := h.enqueue(w, r, parent)
	if !ok {
		return
	}

	hlog.FromRequest(r).Info().
		Str("job_id", job.ID).
		Str("retry_of", id).
		Int("retry_count", job.RetryCount).
		Msg("job retry submitted")
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	WriteJSON(w, http.StatusAccepted, database.JobRowFrom(job))
}

func (h *JobsHandler) jobConfig(o submitOptions) (pipeline.Config, error) {
	cfg := pipeline.Config{
		Model:    o.Model,
		Language: o.Language,
	}
	if o.MaxRetries == nil && o.InitialBackoff == "" {
		return cfg, nil
	}

	retry := h.defaults.Retry
	if o.MaxRetries != nil {
		if *o.MaxRetries < 0 || *o.MaxRetries > maxRetriesLimit {
			return cfg, fmt.Errorf("max_retries must be between 0 and %d", maxRetriesLimit)
		}
		retry.MaxRetries = *o.MaxRetries
	}
	if o.InitialBackoff != "" {
		d, err := time.ParseDuration(o.InitialBackoff)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid initial_backoff %q", o.InitialBackoff)
		}
		retry.InitialBackoff = d
		retry.MaxBackoff = max(retry.MaxBackoff, d)
	}
	cfg.Retry = retry
	return cfg, nil
}

// List handles GET /api/v1/jobs. Persisted history is listed when a database
// is configured, otherwise the jobs of this process.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, err.Error())
		return
	}
	status, _ := QueryString(r, "status")
	if status != "" && !validStatus(status) {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, fmt.Sprintf("invalid status %q", status))
		return
	}

	resp := JobListResponse{Jobs: []database.JobRow{}, Limit: p.Limit, Offset: p.Offset}
	if h.history != nil {
		rows, total, err := h.history.ListJobs(r.Context(), database.JobFilter{Status: status, Limit: p.Limit, Offset: p.Offset})
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("list jobs failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to list jobs")
			return
		}
		for _, row := range rows {
			row.Transcript = nil
			resp.Jobs = append(resp.Jobs, row)
		}
		resp.Total = total
		WriteJSON(w, http.StatusOK, resp)
		return
	}

	all := h.jobs.List(pipeline.Status(status))
	resp.Total = len(all)
	for i := p.Offset; i < len(all) && i < p.Offset+p.Limit; i++ {
		row := database.JobRowFrom(all[i])
		row.Transcript = nil
		resp.Jobs = append(resp.Jobs, row)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := h.jobs.Get(id); ok {
		row := database.JobRowFrom(job)
		row.Transcript = nil
		WriteJSON(w, http.StatusOK, JobDetail{JobRow: row, Chunks: chunkRows(job)})
		return
	}

	row, ok := h.lookupHistory(w, r, id)
	if !ok {
		return
	}
	chunks, err := h.history.ListChunks(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_id", id).Msg("list chunks failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load job")
		return
	}
	if chunks == nil {
		chunks = []database.ChunkRow{}
	}
	row.Transcript = nil
	WriteJSON(w, http.StatusOK, JobDetail{JobRow: *row, Chunks: chunks})
}

// Chunks handles GET /api/v1/jobs/{id}/chunks.
func (h *JobsHandler) Chunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := h.jobs.Get(id); ok {
		WriteJSON(w, http.StatusOK, map[string]any{"chunks": chunkRows(job)})
		return
	}
	if _, ok := h.lookupHistory(w, r, id); !ok {
		return
	}
	chunks, err := h.history.ListChunks(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_id", id).Msg("list chunks failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load chunks")
		return
	}
	if chunks == nil {
		chunks = []database.ChunkRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

// Transcript handles GET /api/v1/jobs/{id}/transcript?format=txt|json|xlsx.
// Jobs of this process are rendered from memory; older jobs are served from
// the transcript archive, or as plain text from the database.
func (h *JobsHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, err.Error())
		return
	}

	if job, ok := h.jobs.Get(id); ok {
		if !job.Status.Terminal() {
			WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "job is "+string(job.Status))
			return
		}
		if job.Transcript == "" {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job has no transcript")
			return
		}
		var buf bytes.Buffer
		if err := export.Render(&buf, job, format); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("job_id", id).Msg("render transcript failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to render transcript")
			return
		}
		writeAttachment(w, format, format.Filename(job), &buf)
		return
	}

	if h.serveArchived(w, r, id, format) {
		return
	}

	row, ok := h.lookupHistory(w, r, id)
	if !ok {
		return
	}
	if row.Transcript == nil || *row.Transcript == "" {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job has no transcript")
		return
	}
	if format != export.FormatText {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "only txt is available for this job")
		return
	}
	name := export.FormatText.Filename(pipeline.Job{ID: row.ID, SourceName: row.SourceName})
	writeAttachment(w, format, name, strings.NewReader(*row.Transcript))
}

// serveArchived answers from the transcript archive. It reports false when
// the archive has no copy. ?redirect=true sends presigned-URL backends to
// the object directly.
func (h *JobsHandler) serveArchived(w http.ResponseWriter, r *http.Request, id string, format export.Format) bool {
	if h.transcripts == nil {
		return false
	}
	key := storage.Key(id, string(format))
	if !h.transcripts.Exists(r.Context(), key) {
		return false
	}

	if redirect, _ := QueryBool(r, "redirect"); redirect {
		if url, err := h.transcripts.URL(r.Context(), key); err == nil && url != "" {
			http.Redirect(w, r, url, http.StatusFound)
			return true
		}
	}

	rc, err := h.transcripts.Open(r.Context(), key)
	if err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("open archived transcript failed")
		return false
	}
	defer rc.Close()
	writeAttachment(w, format, id+".transcript."+string(format), rc)
	return true
}

// Cancel handles DELETE /api/v1/jobs/{id}.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.jobs.Cancel(id)
	switch {
	case err == nil:
		job, _ := h.jobs.Get(id)
		hlog.FromRequest(r).Info().Str("job_id", id).Msg("job cancel requested")
		WriteJSON(w, http.StatusAccepted, database.JobRowFrom(job))
	case errors.Is(err, jobs.ErrFinished):
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		if _, ok := h.lookupHistory(w, r, id); ok {
			// Persisted by an earlier run, so it can no longer be running.
			WriteErrorWithCode(w, http.StatusConflict, ErrConflict, jobs.ErrFinished.Error())
		}
	default:
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

// lookupHistory loads a job from the database. It writes the error response
// and reports false when the job is unavailable.
func (h *JobsHandler) lookupHistory(w http.ResponseWriter, r *http.Request, id string) (*database.JobRow, bool) {
	if h.history == nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
		return nil, false
	}
	row, err := h.history.GetJob(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_id", id).Msg("get job failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load job")
		return nil, false
	}
	if row == nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
		return nil, false
	}
	return row, true
}

func writeAttachment(w http.ResponseWriter, format export.Format, filename string, body io.Reader) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

func chunkRows(j pipeline.Job) []database.ChunkRow {
	out := make([]database.ChunkRow, 0, len(j.Chunks))
	for _, c := range j.Chunks {
		out = append(out, database.ChunkRowFrom(j.ID, c))
	}
	return out
}

func validStatus(s string) bool {
	switch pipeline.Status(s) {
	case pipeline.StatusPending, pipeline.StatusProcessing, pipeline.StatusCompleted, pipeline.StatusFailed:
		return true
	}
	return false
}

func insideDir(dir, path string) bool {
	root, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeUpload(path string) {
	if path != "" {
		os.Remove(path)
	}
}
