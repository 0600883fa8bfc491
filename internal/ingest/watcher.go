// Package ingest watches a drop folder and submits new media files as jobs.
package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/api"
	"github.com/snarg/media-scribe/internal/jobs"
	"github.com/snarg/media-scribe/internal/pipeline"
)

// Submitter accepts new jobs.
type Submitter interface {
	Submit(req jobs.Request) (pipeline.Job, error)
}

// Options configures a FileWatcher.
type Options struct {
	Dir        string
	Extensions []string        // lower-case, with leading dot
	Settle     time.Duration   // quiet period before a file counts as fully written
	Backfill   bool            // submit files already present at Start
	Job        pipeline.Config // zero fields take the pool defaults
	Log        zerolog.Logger
}

// FileWatcher monitors a directory tree for new media files and submits each
// one as a transcription job once writes to it have stopped.
type FileWatcher struct {
	submit Submitter
	opts   Options
	log    zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce the Create+Write stream of a file being copied in.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	seenMu sync.Mutex
	seen   map[string]time.Time // path -> mod time already submitted

	// Stats
	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFileWatcher creates a watcher. Extensions are normalized to lower case
// with a leading dot.
func NewFileWatcher(s Submitter, opts Options) *FileWatcher {
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	opts.Extensions = exts

	fw := &FileWatcher{
		submit:         s,
		opts:           opts,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		seen:           make(map[string]time.Time),
		done:           make(chan struct{}),
	}
	fw.status.Store("starting")
	return fw
}

// Start initializes the fsnotify watcher, adds all existing directories, and
// begins watching for new files. With Backfill, files already present are
// submitted in a background goroutine.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(fw.opts.Dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w
	fw.ctx, fw.cancel = context.WithCancel(ctx)

	// Walk the directory tree and add all directories to fsnotify.
	dirCount := 0
	err = filepath.WalkDir(fw.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil // continue walking
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.opts.Dir).
		Strs("extensions", fw.opts.Extensions).
		Msg("file watcher initialized")

	go fw.watchLoop()

	if fw.opts.Backfill {
		go fw.backfill()
	} else {
		fw.status.Store("watching")
	}
	return nil
}

// Stop closes the fsnotify watcher and cancels pending submissions.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
		<-fw.done
	}

	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() *api.WatcherStatusData {
	s, _ := fw.status.Load().(string)
	return &api.WatcherStatusData{
		Status:         s,
		WatchDir:       fw.opts.Dir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesSkipped:   fw.filesSkipped.Load(),
	}
}

// watchLoop is the main event loop that processes fsnotify events.
func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New directory: add it to the watch set.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					fw.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !fw.wanted(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// wanted reports whether path has a watched extension and is not a hidden
// or partial file.
func (fw *FileWatcher) wanted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return slices.Contains(fw.opts.Extensions, strings.ToLower(filepath.Ext(base)))
}

// scheduleProcess debounces file processing by the settle period so a file
// is submitted once, after the last write.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(fw.opts.Settle)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(fw.opts.Settle, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		fw.processFile(path)
	})
}

// processFile submits path as a job unless it was already submitted with
// the same modification time.
func (fw *FileWatcher) processFile(path string) {
	if fw.ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if info.Size() == 0 {
		fw.filesSkipped.Add(1)
		fw.log.Debug().Str("path", path).Msg("skipping empty file")
		return
	}

	fw.seenMu.Lock()
	if mt, ok := fw.seen[path]; ok && mt.Equal(info.ModTime()) {
		fw.seenMu.Unlock()
		return
	}
	fw.seen[path] = info.ModTime()
	fw.seenMu.Unlock()

	job, err := fw.submit.Submit(jobs.Request{
		Source:     path,
		SourceName: filepath.Base(path),
		SourceSize: info.Size(),
		Config:     fw.opts.Job,
	})
	if err != nil {
		// Allow a later event or restart to retry.
		fw.seenMu.Lock()
		delete(fw.seen, path)
		fw.seenMu.Unlock()
		fw.filesSkipped.Add(1)
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to submit watched file")
		return
	}

	fw.filesProcessed.Add(1)
	fw.log.Info().Str("path", path).Str("job_id", job.ID).Msg("watched file submitted")
}

// backfill submits media files already present, oldest first.
func (fw *FileWatcher) backfill() {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	_ = filepath.WalkDir(fw.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !fw.wanted(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})
	slices.SortFunc(files, func(a, b fileEntry) int { return a.modTime.Compare(b.modTime) })

	fw.log.Info().Int("files", len(files)).Msg("backfill starting")
	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.processFile(f.path)
	}

	fw.status.Store("watching")
	fw.log.Info().
		Int("files", len(files)).
		Dur("elapsed", time.Since(start)).
		Msg("backfill complete")
}
