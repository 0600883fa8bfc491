package transcribe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is the parsed result of one successful call.
type Response struct {
	Text       string
	Language   string
	Duration   float64   // audio duration in seconds, 0 if not reported
	Segments   []Segment // nil unless timestamps were requested
	StatusCode int
	Attempts   int
}

// Segment is one utterance with chunk-local timestamps.
type Segment struct {
	Start float64 // seconds
	End   float64 // seconds
	Text  string
}

// verboseResponse is the verbose_json body.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// parseBody decodes a 200 body. verbose_json must be JSON; the text format may
// come back as a bare string or as {"text": ...} depending on the server.
func parseBody(body []byte, timestamps bool) (*Response, error) {
	trimmed := bytes.TrimSpace(body)
	if !timestamps && (len(trimmed) == 0 || trimmed[0] != '{') {
		return &Response{Text: strings.TrimSpace(string(trimmed))}, nil
	}

	var v verboseResponse
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	res := &Response{
		Text:     strings.TrimSpace(v.Text),
		Language: v.Language,
		Duration: v.Duration,
	}
	if timestamps {
		if len(v.Segments) == 0 && res.Text != "" {
			// Some servers omit segments for very short audio.
			res.Segments = []Segment{{Start: 0, End: v.Duration, Text: res.Text}}
		}
		for _, s := range v.Segments {
			res.Segments = append(res.Segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
		}
	}
	return res, nil
}
