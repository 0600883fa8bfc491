package audio

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Slice is a half-open [StartMs, EndMs) window of a source file.
type Slice struct {
	Source  string
	StartMs int64
	EndMs   int64
}

// DurationMs returns the slice length.
func (s Slice) DurationMs() int64 { return s.EndMs - s.StartMs }

// Duration returns the slice length as a time.Duration.
func (s Slice) Duration() time.Duration { return time.Duration(s.DurationMs()) * time.Millisecond }

// Artifact is an encoded slice on disk. The creator owns it and must call Release.
type Artifact struct {
	Path  string
	Size  int64
	Tier  Tier
	Slice Slice

	once sync.Once
}

// Release deletes the artifact file. Safe to call more than once and on nil.
func (a *Artifact) Release() {
	if a == nil || a.Path == "" {
		return
	}
	a.once.Do(func() {
		os.Remove(a.Path)
	})
}

// EncodeError reports a failed encode for one tier. It is never fatal to a job.
type EncodeError struct {
	Tier   Tier
	Slice  Slice
	Stderr string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("encode %s [%d-%d ms]: %v: %s", e.Tier.Name, e.Slice.StartMs, e.Slice.EndMs, e.Err, e.Stderr)
	}
	return fmt.Sprintf("encode %s [%d-%d ms]: %v", e.Tier.Name, e.Slice.StartMs, e.Slice.EndMs, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
