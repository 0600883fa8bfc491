// Package export renders finished job transcripts as text, JSON or XLSX.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/snarg/media-scribe/internal/pipeline"
	"github.com/snarg/media-scribe/internal/stitch"
)

// Format is a transcript download format.
type Format string

const (
	FormatText Format = "txt"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Formats lists every supported format, canonical text first.
var Formats = []Format{FormatText, FormatJSON, FormatXLSX}

// ParseFormat maps a query value to a Format. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "txt", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unknown transcript format %q", s)
}

// ContentType is the HTTP media type of the rendered output.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/plain; charset=utf-8"
}

// Filename is the download name for job j.
func (f Format) Filename(j pipeline.Job) string {
	base := j.SourceName
	if base == "" {
		base = j.ID
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base + ".transcript." + string(f)
}

// Render writes job j's transcript in format f.
func Render(w io.Writer, j pipeline.Job, f Format) error {
	switch f {
	case FormatText:
		return Text(w, j)
	case FormatJSON:
		return JSON(w, j)
	case FormatXLSX:
		return XLSX(w, j)
	}
	return fmt.Errorf("unknown transcript format %q", f)
}

// Text writes the canonical transcript string.
func Text(w io.Writer, j pipeline.Job) error {
	_, err := io.WriteString(w, j.Transcript)
	return err
}

type jsonLine struct {
	StartMs   int64  `json:"start_ms"`
	EndMs     int64  `json:"end_ms,omitempty"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
	Marker    bool   `json:"marker,omitempty"`
}

type jsonChunk struct {
	Index      int    `json:"index"`
	StartMs    int64  `json:"start_ms"`
	EndMs      int64  `json:"end_ms"`
	Tier       string `json:"tier,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type jsonJob struct {
	ID               string      `json:"id"`
	SourceName       string      `json:"source_name,omitempty"`
	Status           string      `json:"status"`
	Model            string      `json:"model"`
	Language         string      `json:"language,omitempty"`
	DetectedLanguage string      `json:"detected_language,omitempty"`
	Timestamps       bool        `json:"timestamps"`
	DurationMs       int64       `json:"duration_ms"`
	ProcessingMs     int64       `json:"processing_ms"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	ErrorSummary     string      `json:"error_summary,omitempty"`
	Chunks           []jsonChunk `json:"chunks"`
}

type jsonDoc struct {
	Job        jsonJob    `json:"job"`
	Lines      []jsonLine `json:"lines"`
	Transcript string     `json:"transcript"`
}

// JSON writes the job summary, its timed lines and the text transcript.
func JSON(w io.Writer, j pipeline.Job) error {
	doc := jsonDoc{
		Job: jsonJob{
			ID:               j.ID,
			SourceName:       j.SourceName,
			Status:           string(j.Status),
			Model:            j.Config.Model,
			Language:         j.Config.Language,
			DetectedLanguage: j.DetectedLanguage,
			Timestamps:       j.Config.Timestamps,
			DurationMs:       j.DurationMs,
			ProcessingMs:     j.ProcessingTime().Milliseconds(),
			CreatedAt:        j.CreatedAt,
			ErrorSummary:     j.ErrorSummary(),
			Chunks:           make([]jsonChunk, 0, len(j.Chunks)),
		},
		Lines:      make([]jsonLine, 0, len(j.Lines)),
		Transcript: j.Transcript,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		doc.Job.CompletedAt = &t
	}
	for _, c := range j.Chunks {
		doc.Job.Chunks = append(doc.Job.Chunks, jsonChunk{
			Index:      c.Index,
			StartMs:    c.StartMs,
			EndMs:      c.EndMs,
			Tier:       c.Tier,
			Bytes:      c.Bytes,
			Status:     string(c.Status),
			StatusCode: c.StatusCode,
			Attempts:   c.Attempts,
			Reason:     c.Reason,
		})
	}
	for _, l := range j.Lines {
		doc.Lines = append(doc.Lines, jsonLine{
			StartMs:   l.StartMs,
			EndMs:     l.EndMs,
			Timestamp: stitch.FormatTimestamp(l.StartMs),
			Text:      l.Text,
			Marker:    l.Marker,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

const sheetName = "Transcript"

// XLSX writes a workbook with one row per line: Timestamp | Text | Marker.
func XLSX(w io.Writer, j pipeline.Job) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &[]any{"Timestamp", "Text", "Marker"}); err != nil {
		return fmt.Errorf("xlsx header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}
	if err := f.SetCellStyle(sheetName, "A1", "C1", bold); err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}

	for i, l := range j.Lines {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		marker := ""
		if l.Marker {
			marker = "untranscribed"
		}
		row := []any{stitch.FormatTimestamp(l.StartMs), l.Text, marker}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("xlsx row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(sheetName, "A", "A", 12); err != nil {
		return err
	}
	if err := f.SetColWidth(sheetName, "B", "B", 100); err != nil {
		return err
	}
	return f.Write(w)
}
