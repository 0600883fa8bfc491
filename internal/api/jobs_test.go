package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/config"
	"github.com/snarg/media-scribe/internal/database"
	"github.com/snarg/media-scribe/internal/jobs"
	"github.com/snarg/media-scribe/internal/pipeline"
	"github.com/snarg/media-scribe/internal/storage"
)

// fakeQueue implements JobQueue in memory.
type fakeQueue struct {
	mu        sync.Mutex
	jobs      map[string]pipeline.Job
	order     []string
	submitted []jobs.Request
	submitErr error
	cancelErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]pipeline.Job)}
}

func (q *fakeQueue) put(j pipeline.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[j.ID]; !ok {
		q.order = append(q.order, j.ID)
	}
	q.jobs[j.ID] = j
}

func (q *fakeQueue) Submit(req jobs.Request) (pipeline.Job, error) {
	if q.submitErr != nil {
		return pipeline.Job{}, q.submitErr
	}
	q.mu.Lock()
	q.submitted = append(q.submitted, req)
	id := fmt.Sprintf("job-%d", len(q.submitted))
	q.mu.Unlock()

	cfg := req.Config
	if req.Timestamps != nil {
		cfg.Timestamps = *req.Timestamps
	}
	j := pipeline.NewJob(id, req.Source, cfg)
	j.SourceName = req.SourceName
	j.SourceSize = req.SourceSize
	j.RetryOf = req.RetryOf
	j.RetryCount = req.RetryCount
	q.put(*j)
	return *j, nil
}

func (q *fakeQueue) Get(id string) (pipeline.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

func (q *fakeQueue) List(status pipeline.Status) []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []pipeline.Job
	for _, id := range slices.Backward(q.order) {
		if j := q.jobs[id]; status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

func (q *fakeQueue) Cancel(id string) error {
	if q.cancelErr != nil {
		return q.cancelErr
	}
	if _, ok := q.Get(id); !ok {
		return jobs.ErrNotFound
	}
	return nil
}

func (q *fakeQueue) Stats() jobs.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return jobs.QueueStats{Pending: len(q.jobs)}
}

// fakeHistory implements JobHistory.
type fakeHistory struct {
	rows   map[string]database.JobRow
	chunks map[string][]database.ChunkRow
	err    error
}

func (h *fakeHistory) GetJob(_ context.Context, id string) (*database.JobRow, error) {
	if h.err != nil {
		return nil, h.err
	}
	r, ok := h.rows[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (h *fakeHistory) ListJobs(_ context.Context, f database.JobFilter) ([]database.JobRow, int, error) {
	var out []database.JobRow
	for _, r := range h.rows {
		if f.Status == "" || r.Status == f.Status {
			out = append(out, r)
		}
	}
	return out, len(out), h.err
}

func (h *fakeHistory) ListChunks(_ context.Context, jobID string) ([]database.ChunkRow, error) {
	return h.chunks[jobID], h.err
}

func (h *fakeHistory) HealthCheck(context.Context) error { return h.err }

// fakeArchive implements TranscriptSource.
type fakeArchive struct {
	objects map[string]string
	url     string
}

func (a *fakeArchive) URL(context.Context, string) (string, error) { return a.url, nil }

func (a *fakeArchive) Open(_ context.Context, key string) (io.ReadCloser, error) {
	v, ok := a.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(v)), nil
}

func (a *fakeArchive) Exists(_ context.Context, key string) bool {
	_, ok := a.objects[key]
	return ok
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		STTModel:            "whisper-large-v3-turbo",
		SizeLimitBytes:      25 << 20,
		SizeMarginPercent:   4,
		RetryMax:            5,
		RetryInitialBackoff: 2 * time.Second,
		RetryMaxBackoff:     time.Minute,
		RetryJitter:         0.1,
		UploadDir:           t.TempDir(),
		MediaDir:            t.TempDir(),
		MaxUploadBytes:      1 << 20,
		SubmitRateLimit:     100,
		SubmitRateBurst:     100,
	}
}

func newTestServer(cfg *config.Config, opts Options) http.Handler {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	return NewServer(cfg, opts, zerolog.Nop()).Handler()
}

func buildUpload(t *testing.T, fields map[string]string, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	w.Close()
	return body, w.FormDataContentType()
}

func do(h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSubmitUpload(t *testing.T) {
	cfg := testConfig(t)
	q := newFakeQueue()
	h := newTestServer(cfg, Options{Jobs: q})

	body, ct := buildUpload(t, map[string]string{"model": "whisper-large-v3", "timestamps": "true"}, "talk.MP3", []byte("fake mp3 data"))
	rec := do(h, "POST", "/api/v1/jobs", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/job-1" {
		t.Errorf("Location = %q", loc)
	}

	var got database.JobRow
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if got.ID != "job-1" || got.Status != "pending" || got.SourceName != "talk.MP3" {
		t.Errorf("response = %+v", got)
	}

	if len(q.submitted) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(q.submitted))
	}
	req := q.submitted[0]
	if filepath.Dir(req.Source) != cfg.UploadDir || filepath.Ext(req.Source) != ".mp3" {
		t.Errorf("Source = %q, want .mp3 file in %s", req.Source, cfg.UploadDir)
	}
	if data, _ := os.ReadFile(req.Source); string(data) != "fake mp3 data" {
		t.Errorf("saved data = %q", data)
	}
	if req.SourceSize != int64(len("fake mp3 data")) {
		t.Errorf("SourceSize = %d", req.SourceSize)
	}
	if req.Config.Model != "whisper-large-v3" || req.Timestamps == nil || !*req.Timestamps {
		t.Errorf("Config = %+v, Timestamps = %v", req.Config, req.Timestamps)
	}
	if req.Config.Retry.MaxRetries != 0 || req.Config.Retry.InitialBackoff != 0 {
		t.Errorf("Retry = %+v, want zero so the pool default applies", req.Config.Retry)
	}
}

func TestSubmitUploadRejected(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		fileName string
		data     []byte
		maxBytes int64
		want     int
	}{
		{"missing_file", map[string]string{"model": "m"}, "", nil, 1 << 20, http.StatusBadRequest},
		{"empty_file", nil, "a.wav", []byte{}, 1 << 20, http.StatusBadRequest},
		{"bad_timestamps", map[string]string{"timestamps": "maybe"}, "a.wav", []byte("x"), 1 << 20, http.StatusBadRequest},
		{"too_many_retries", map[string]string{"max_retries": "50"}, "a.wav", []byte("x"), 1 << 20, http.StatusBadRequest},
		{"too_large", nil, "a.wav", bytes.Repeat([]byte("x"), 8192), 2048, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.MaxUploadBytes = tt.maxBytes
			q := newFakeQueue()
			h := newTestServer(cfg, Options{Jobs: q})

			body, ct := buildUpload(t, tt.fields, tt.fileName, tt.data)
			rec := do(h, "POST", "/api/v1/jobs", body, ct)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if len(q.submitted) != 0 {
				t.Errorf("submitted %d jobs, want 0", len(q.submitted))
			}
			if left := dirEntries(t, cfg.UploadDir); len(left) != 0 {
				t.Errorf("upload dir not cleaned: %v", left)
			}
		})
	}
}

func TestSubmitQueueFull(t *testing.T) {
	for _, submitErr := range []error{jobs.ErrQueueFull, jobs.ErrStopped} {
		t.Run(submitErr.Error(), func(t *testing.T) {
			cfg := testConfig(t)
			q := newFakeQueue()
			q.submitErr = submitErr
			h := newTestServer(cfg, Options{Jobs: q})

			body, ct := buildUpload(t, nil, "a.wav", []byte("data"))
			rec := do(h, "POST", "/api/v1/jobs", body, ct)
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
			if left := dirEntries(t, cfg.UploadDir); len(left) != 0 {
				t.Errorf("upload dir not cleaned: %v", left)
			}
		})
	}
}

func TestSubmitPath(t *testing.T) {
	cfg := testConfig(t)
	src := filepath.Join(cfg.MediaDir, "a.wav")
	if err := os.WriteFile(src, []byte("wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	q := newFakeQueue()
	h := newTestServer(cfg, Options{Jobs: q})

	rec := do(h, "POST", "/api/v1/jobs", strings.NewReader(`{"path":"a.wav","max_retries":2,"language":"en"}`), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	req := q.submitted[0]
	if req.Source != src || req.SourceName != "a.wav" {
		t.Errorf("Source = %q SourceName = %q", req.Source, req.SourceName)
	}
	if req.Config.Language != "en" {
		t.Errorf("Language = %q, want en", req.Config.Language)
	}
	if req.Config.Retry.MaxRetries != 2 || req.Config.Retry.InitialBackoff != 2*time.Second || req.Config.Retry.MaxBackoff != time.Minute {
		t.Errorf("Retry = %+v, want 2 retries on default backoff", req.Config.Retry)
	}
}

func TestSubmitPathRejected(t *testing.T) {
	cfg := testConfig(t)
	outside := filepath.Join(t.TempDir(), "outside.wav")
	os.WriteFile(outside, []byte("wav"), 0o644)

	tests := []struct {
		name string
		body string
	}{
		{"empty_path", `{"path":""}`},
		{"missing_file", `{"path":"nope.wav"}`},
		{"escape", `{"path":"../outside.wav"}`},
		{"absolute_outside", fmt.Sprintf(`{"path":%q}`, outside)},
		{"unknown_field", `{"path":"a.wav","speed":2}`},
		{"bad_backoff", `{"path":"a.wav","initial_backoff":"soon"}`},
		{"malformed", `{bad`},
	}
	os.WriteFile(filepath.Join(cfg.MediaDir, "a.wav"), []byte("wav"), 0o644)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			h := newTestServer(cfg, Options{Jobs: q})
			rec := do(h, "POST", "/api/v1/jobs", strings.NewReader(tt.body), "application/json")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if len(q.submitted) != 0 {
				t.Errorf("submitted %d jobs, want 0", len(q.submitted))
			}
		})
	}

	t.Run("media_dir_unset", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MediaDir = ""
		h := newTestServer(cfg, Options{Jobs: newFakeQueue()})
		rec := do(h, "POST", "/api/v1/jobs", strings.NewReader(fmt.Sprintf(`{"path":%q}`, outside)), "application/json")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestListJobs(t *testing.T) {
	cfg := testConfig(t)
	q := newFakeQueue()
	for i := 1; i <= 3; i++ {
		j := pipeline.NewJob(fmt.Sprintf("j%d", i), "/media/x.wav", pipeline.Config{})
		if i == 3 {
			j.Transition(pipeline.StatusProcessing)
		}
		q.put(*j)
	}
	h := newTestServer(cfg, Options{Jobs: q})

	rec := do(h, "GET", "/api/v1/jobs?limit=2", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp JobListResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Jobs) != 2 || resp.Jobs[0].ID != "j3" {
		t.Errorf("response = %+v", resp)
	}

	rec = do(h, "GET", "/api/v1/jobs?status=pending", nil, "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("pending Total = %d, want 2", resp.Total)
	}

	for _, q := range []string{"status=done", "limit=0", "offset=-1"} {
		if rec := do(h, "GET", "/api/v1/jobs?"+q, nil, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestListJobsFromHistory(t *testing.T) {
	cfg := testConfig(t)
	transcript := "hello"
	hist := &fakeHistory{rows: map[string]database.JobRow{
		"old": {ID: "old", Status: "completed", Transcript: &transcript},
	}}
	h := newTestServer(cfg, Options{Jobs: newFakeQueue(), History: hist})

	rec := do(h, "GET", "/api/v1/jobs", nil, "")
	var resp JobListResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Jobs[0].ID != "old" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Jobs[0].Transcript != nil {
		t.Error("list should not carry transcripts")
	}

	hist.err = errors.New("db down")
	if rec := do(h, "GET", "/api/v1/jobs", nil, ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	cfg := testConfig(t)
	q := newFakeQueue()
	j := pipeline.NewJob("live", "/media/a.wav", pipeline.Config{Model: "m"})
	j.Chunks = []pipeline.ChunkResult{
		{Index: 0, StartMs: 0, EndMs: 300_000, Status: pipeline.ChunkTranscribed, Tier: "light"},
		{Index: 1, StartMs: 300_000, EndMs: 315_000, Status: pipeline.ChunkSkipped, Reason: "exceeds size ceiling"},
	}
	q.put(*j)
	hist := &fakeHistory{
		rows:   map[string]database.JobRow{"old": {ID: "old", Status: "completed"}},
		chunks: map[string][]database.ChunkRow{"old": {{JobID: "old", Index: 0, Status: "transcribed"}}},
	}
	h := newTestServer(cfg, Options{Jobs: q, History: hist})

	t.Run("live", func(t *testing.T) {
		rec := do(h, "GET", "/api/v1/jobs/live", nil, "")
		var got JobDetail
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || got.ID != "live" || len(got.Chunks) != 2 {
			t.Fatalf("status = %d, body = %+v", rec.Code, got)
		}
		if got.Untranscribed != 1 || got.Chunks[1].Reason != "exceeds size ceiling" {
			t.Errorf("detail = %+v", got)
		}
	})

	t.Run("history", func(t *testing.T) {
		rec := do(h, "GET", "/api/v1/jobs/old", nil, "")
		var got JobDetail
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || got.ID != "old" || len(got.Chunks) != 1 {
			t.Errorf("status = %d, body = %+v", rec.Code, got)
		}
	})

	t.Run("chunks", func(t *testing.T) {
		rec := do(h, "GET", "/api/v1/jobs/live/chunks", nil, "")
		var got struct {
			Chunks []database.ChunkRow `json:"chunks"`
		}
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || len(got.Chunks) != 2 {
			t.Errorf("status = %d, chunks = %+v", rec.Code, got.Chunks)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if rec := do(h, "GET", "/api/v1/jobs/nope", nil, ""); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func completedJob(id string) pipeline.Job {
	j := pipeline.NewJob(id, "/media/talk.wav", pipeline.Config{})
	j.SourceName = "talk.wav"
	j.Transition(pipeline.StatusProcessing)
	j.Transcript = "first part\n\nsecond part"
	j.Transition(pipeline.StatusCompleted)
	return j.Snapshot()
}

func TestTranscript(t *testing.T) {
	cfg := testConfig(t)
	q := newFakeQueue()
	q.put(completedJob("done"))
	q.put(*pipeline.NewJob("queued", "/media/b.wav", pipeline.Config{}))
	transcript := "from the database"
	hist := &fakeHistory{rows: map[string]database.JobRow{
		"old":   {ID: "old", SourceName: "old.mp4", Status: "completed", Transcript: &transcript},
		"empty": {ID: "empty", Status: "failed"},
	}}
	archive := &fakeArchive{objects: map[string]string{
		storage.Key("archived", "json"): `{"archived":true}`,
	}}
	h := newTestServer(cfg, Options{Jobs: q, History: hist, Transcripts: archive})

	tests := []struct {
		name        string
		target      string
		want        int
		contentType string
		body        string
		filename    string
	}{
		{"text", "/api/v1/jobs/done/transcript", 200, "text/plain; charset=utf-8", "first part\n\nsecond part", "talk.transcript.txt"},
		{"json", "/api/v1/jobs/done/transcript?format=json", 200, "application/json", "", "talk.transcript.json"},
		{"xlsx", "/api/v1/jobs/done/transcript?format=excel", 200, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "", "talk.transcript.xlsx"},
		{"bad_format", "/api/v1/jobs/done/transcript?format=pdf", 400, "", "", ""},
		{"not_finished", "/api/v1/jobs/queued/transcript", 409, "", "", ""},
		{"archived", "/api/v1/jobs/archived/transcript?format=json", 200, "application/json", `{"archived":true}`, "archived.transcript.json"},
		{"history_text", "/api/v1/jobs/old/transcript", 200, "text/plain; charset=utf-8", "from the database", "old.transcript.txt"},
		{"history_json", "/api/v1/jobs/old/transcript?format=json", 404, "", "", ""},
		{"history_no_transcript", "/api/v1/jobs/empty/transcript", 404, "", "", ""},
		{"unknown", "/api/v1/jobs/nope/transcript", 404, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, "GET", tt.target, nil, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != 200 {
				return
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.contentType)
			}
			if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, tt.filename) {
				t.Errorf("Content-Disposition = %q, want filename %s", cd, tt.filename)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
			if rec.Body.Len() == 0 {
				t.Error("empty body")
			}
		})
	}
}

func TestTranscriptRedirect(t *testing.T) {
	cfg := testConfig(t)
	archive := &fakeArchive{
		objects: map[string]string{storage.Key("archived", "txt"): "text"},
		url:     "https://bucket.example.com/archived/transcript.txt?sig=1",
	}
	h := newTestServer(cfg, Options{Jobs: newFakeQueue(), Transcripts: archive})

	rec := do(h, "GET", "/api/v1/jobs/archived/transcript?redirect=true", nil, "")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != archive.url {
		t.Errorf("status = %d, Location = %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestCancelJob(t *testing.T) {
	cfg := testConfig(t)
	hist := &fakeHistory{rows: map[string]database.JobRow{"old": {ID: "old", Status: "completed"}}}

	tests := []struct {
		name      string
		id        string
		cancelErr error
		want      int
	}{
		{"queued", "live", nil, http.StatusAccepted},
		{"finished", "live", jobs.ErrFinished, http.StatusConflict},
		{"history", "old", nil, http.StatusConflict},
		{"unknown", "nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			q.put(*pipeline.NewJob("live", "/media/a.wav", pipeline.Config{}))
			q.cancelErr = tt.cancelErr
			h := newTestServer(cfg, Options{Jobs: q, History: hist})

			rec := do(h, "DELETE", "/api/v1/jobs/"+tt.id, nil, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func failedJob(id, source string, retries int) pipeline.Job {
	j := pipeline.NewJob(id, source, pipeline.Config{Model: "whisper-large-v3", Language: "pt", Timestamps: true})
	j.SourceName = filepath.Base(source)
	j.SourceSize = 3
	j.RetryCount = retries
	j.Transition(pipeline.StatusProcessing)
	j.Fail("all 2 chunks untranscribed")
	return j.Snapshot()
}

func TestRetryJob(t *testing.T) {
	cfg := testConfig(t)
	src := filepath.Join(cfg.UploadDir, "talk.wav")
	if err := os.WriteFile(src, []byte("wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	gone := filepath.Join(cfg.UploadDir, "gone.wav")
	hist := &fakeHistory{rows: map[string]database.JobRow{
		"old-failed": {ID: "old-failed", Source: src, SourceName: "talk.wav", Model: "whisper-large-v3", Timestamps: true, Status: "failed", RetryCount: 1},
		"old-done":   {ID: "old-done", Source: src, Status: "completed"},
	}}

	tests := []struct {
		name      string
		id        string
		submitErr error
		want      int
		wantCount int
	}{
		{"live_failed", "f1", nil, http.StatusAccepted, 1},
		{"live_retry_of_retry", "f2", nil, http.StatusAccepted, 3},
		{"live_completed", "done", nil, http.StatusConflict, 0},
		{"live_pending", "queued", nil, http.StatusConflict, 0},
		{"history_failed", "old-failed", nil, http.StatusAccepted, 2},
		{"history_completed", "old-done", nil, http.StatusConflict, 0},
		{"source_removed", "lost", nil, http.StatusGone, 0},
		{"unknown", "nope", nil, http.StatusNotFound, 0},
		{"queue_full", "f1", jobs.ErrQueueFull, http.StatusServiceUnavailable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			q.put(failedJob("f1", src, 0))
			q.put(failedJob("f2", src, 2))
			q.put(failedJob("lost", gone, 0))
			q.put(completedJob("done"))
			q.put(*pipeline.NewJob("queued", src, pipeline.Config{}))
			q.submitErr = tt.submitErr
			h := newTestServer(cfg, Options{Jobs: q, History: hist})

			rec := do(h, "POST", "/api/v1/jobs/"+tt.id+"/retry", nil, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusAccepted {
				if len(q.submitted) != 0 {
					t.Errorf("submitted %d jobs, want 0", len(q.submitted))
				}
				return
			}

			if len(q.submitted) != 1 {
				t.Fatalf("submitted %d jobs, want 1", len(q.submitted))
			}
			req := q.submitted[0]
			if req.Source != src || req.SourceName != "talk.wav" {
				t.Errorf("Source = %q SourceName = %q", req.Source, req.SourceName)
			}
			if req.Config.Model != "whisper-large-v3" || req.Timestamps == nil || !*req.Timestamps {
				t.Errorf("Config = %+v, Timestamps = %v, want parent settings", req.Config, req.Timestamps)
			}
			if req.RetryOf != tt.id || req.RetryCount != tt.wantCount {
				t.Errorf("RetryOf = %q RetryCount = %d, want %q %d", req.RetryOf, req.RetryCount, tt.id, tt.wantCount)
			}

			var got database.JobRow
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("JSON decode: %v", err)
			}
			if got.RetryOf != tt.id || got.RetryCount != tt.wantCount || got.Status != "pending" {
				t.Errorf("response = %+v", got)
			}
			if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/"+got.ID {
				t.Errorf("Location = %q", loc)
			}
		})
	}
}

func TestJobRoutesRequireAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthToken = "secret123"
	h := newTestServer(cfg, Options{Jobs: newFakeQueue()})

	if rec := do(h, "GET", "/api/v1/jobs", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("jobs without token: status = %d, want 401", rec.Code)
	}
	if rec := do(h, "POST", "/api/v1/jobs", strings.NewReader(`{}`), "application/json"); rec.Code != http.StatusUnauthorized {
		t.Errorf("submit without token: status = %d, want 401", rec.Code)
	}
	if rec := do(h, "GET", "/api/v1/jobs?token=secret123", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("jobs with token: status = %d, want 200", rec.Code)
	}
	if rec := do(h, "GET", "/api/v1/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubmitRateLimit = 0.001
	cfg.SubmitRateBurst = 1
	h := newTestServer(cfg, Options{Jobs: newFakeQueue()})

	first := do(h, "POST", "/api/v1/jobs", strings.NewReader(`{"path":""}`), "application/json")
	if first.Code != http.StatusBadRequest {
		t.Fatalf("first: status = %d, want 400", first.Code)
	}
	second := do(h, "POST", "/api/v1/jobs", strings.NewReader(`{"path":""}`), "application/json")
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want 429", second.Code)
	}
	if rec := do(h, "POST", "/api/v1/jobs/nope/retry", nil, ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("retry shares the submit budget: status = %d, want 429", rec.Code)
	}
	if rec := do(h, "GET", "/api/v1/jobs", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("list is not rate limited: status = %d", rec.Code)
	}
}
