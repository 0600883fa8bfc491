// Package stitch assembles per-chunk transcription results into one
// ordered transcript.
package stitch

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/snarg/media-scribe/internal/transcribe"
)

// ErrOutOfOrder is returned when a chunk index is not greater than the last one.
var ErrOutOfOrder = errors.New("chunk appended out of order")

// Line is one transcript entry with an absolute start offset.
type Line struct {
	Chunk   int
	StartMs int64
	EndMs   int64 // only set for markers
	Text    string
	Marker  bool
}

type block struct {
	lines []Line
}

// Stitcher collects chunk results in index order. It never reorders; the
// caller sequences Append and Mark calls.
type Stitcher struct {
	timestamps bool
	last       int
	lastMs     int64
	blocks     []block
}

// New returns an empty Stitcher. With timestamps each utterance is rendered
// as "MM:SS text" (HH:MM:SS past the first hour); without, chunk texts are
// joined as paragraphs.
func New(timestamps bool) *Stitcher {
	return &Stitcher{timestamps: timestamps, last: -1}
}

// Timestamps reports the rendering mode.
func (s *Stitcher) Timestamps() bool { return s.timestamps }

// Append adds a transcribed chunk starting at chunkStartMs.
func (s *Stitcher) Append(index int, chunkStartMs int64, res *transcribe.Response) error {
	if err := s.advance(index); err != nil {
		return err
	}
	if res == nil {
		return nil
	}

	var b block
	if s.timestamps && len(res.Segments) > 0 {
		for _, seg := range res.Segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			at := chunkStartMs + secondsToMs(seg.Start)
			// Utterances reported past the chunk end would otherwise jump back
			// behind the next chunk's first line.
			at = max(at, s.lastMs)
			s.lastMs = at
			b.lines = append(b.lines, Line{Chunk: index, StartMs: at, Text: text})
		}
	} else if text := strings.TrimSpace(res.Text); text != "" {
		at := max(chunkStartMs, s.lastMs)
		s.lastMs = at
		b.lines = append(b.lines, Line{Chunk: index, StartMs: at, Text: text})
	}
	if len(b.lines) > 0 {
		s.blocks = append(s.blocks, b)
	}
	return nil
}

// Mark records an interval that produced no text.
func (s *Stitcher) Mark(index int, startMs, endMs int64, reason string) error {
	if err := s.advance(index); err != nil {
		return err
	}
	at := max(startMs, s.lastMs)
	s.lastMs = at
	s.blocks = append(s.blocks, block{lines: []Line{{
		Chunk:   index,
		StartMs: at,
		EndMs:   endMs,
		Text:    MarkerText(startMs, endMs, reason),
		Marker:  true,
	}}})
	return nil
}

func (s *Stitcher) advance(index int) error {
	if index <= s.last {
		return fmt.Errorf("%w: chunk %d after %d", ErrOutOfOrder, index, s.last)
	}
	s.last = index
	return nil
}

// Lines returns all lines in order.
func (s *Stitcher) Lines() []Line {
	var out []Line
	for _, b := range s.blocks {
		out = append(out, b.lines...)
	}
	return out
}

// Markers returns only the marker lines.
func (s *Stitcher) Markers() []Line {
	var out []Line
	for _, b := range s.blocks {
		for _, l := range b.lines {
			if l.Marker {
				out = append(out, l)
			}
		}
	}
	return out
}

// HasText reports whether any chunk produced transcript text.
func (s *Stitcher) HasText() bool {
	for _, b := range s.blocks {
		for _, l := range b.lines {
			if !l.Marker {
				return true
			}
		}
	}
	return false
}

// String renders the transcript. Chunks are separated by a blank line.
func (s *Stitcher) String() string {
	parts := make([]string, 0, len(s.blocks))
	for _, b := range s.blocks {
		lines := make([]string, 0, len(b.lines))
		for _, l := range b.lines {
			if s.timestamps {
				lines = append(lines, FormatTimestamp(l.StartMs)+" "+l.Text)
			} else {
				lines = append(lines, l.Text)
			}
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Reset clears all state so the same sequence can be replayed.
func (s *Stitcher) Reset() {
	s.last = -1
	s.lastMs = 0
	s.blocks = nil
}

// FormatTimestamp renders ms as MM:SS, or HH:MM:SS from one hour on.
func FormatTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	total := ms / 1000
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

// MarkerText is the inline text substituted for an untranscribed interval.
func MarkerText(startMs, endMs int64, reason string) string {
	return fmt.Sprintf("[untranscribed %s-%s: %s]", FormatTimestamp(startMs), FormatTimestamp(endMs), reason)
}

func secondsToMs(s float64) int64 {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return int64(math.Round(s * 1000))
}
