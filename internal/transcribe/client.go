package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	formatVerbose = "verbose_json"
	formatText    = "text"
)

// Config configures a Client.
type Config struct {
	URL      string        // OpenAI-compatible /v1/audio/transcriptions endpoint
	APIKey   string        // sent as a bearer token
	Model    string        // default model, overridable per request
	Language string        // optional ISO-639-1 hint
	Timeout  time.Duration // per HTTP attempt
}

// Request is one chunk call.
type Request struct {
	Path       string
	Model      string // empty uses the client default
	Language   string // empty uses the client default
	Timestamps bool   // verbose_json with segments instead of plain text
	Retry      RetryPolicy
}

// Client calls an OpenAI-compatible transcription endpoint and owns the
// retry/backoff policy for each call.
type Client struct {
	url      string
	apiKey   string
	model    string
	language string
	client   *http.Client
	log      zerolog.Logger

	// test hooks
	newTimer func() backoff.Timer
	rand     func() float64
}

// NewClient creates a transcription client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log.With().Str("component", "transcribe").Logger(),
	}
}

// Model returns the default model identifier.
func (c *Client) Model() string { return c.model }

// Transcribe uploads one artifact and returns the parsed result.
//
// 200 returns immediately. 5xx, 429 and transport errors sleep on the jittered
// backoff schedule and retry up to req.Retry.MaxRetries more times. Any other
// status fails at once. Every failure comes back as *CallError.
func (c *Client) Transcribe(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Language == "" {
		req.Language = c.language
	}
	policy := req.Retry.normalized()
	log := c.log.With().Str("file", filepath.Base(req.Path)).Logger()

	attempts := 0
	var result *Response
	op := func() error {
		attempts++
		status, body, err := c.send(ctx, req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return backoff.Permanent(&CallError{Class: ClassCanceled, Err: ctx.Err()})
			}
			var local *localError
			if errors.As(err, &local) {
				return backoff.Permanent(&CallError{Class: ClassMalformed, Err: err})
			}
			return &CallError{Class: ClassExhausted, Err: err}

		case status == http.StatusOK:
			res, err := parseBody(body, req.Timestamps)
			if err != nil {
				return backoff.Permanent(&CallError{StatusCode: status, Class: ClassMalformed, Body: truncate(body), Err: err})
			}
			res.StatusCode = status
			result = res
			return nil

		case retryable(status):
			return &CallError{StatusCode: status, Class: ClassExhausted, Body: truncate(body), Err: errors.New(http.StatusText(status))}

		default:
			return backoff.Permanent(&CallError{StatusCode: status, Class: ClassRejected, Body: truncate(body), Err: errors.New(http.StatusText(status))})
		}
	}

	notify := func(err error, wait time.Duration) {
		ev := log.Warn().Int("attempt", attempts).Dur("backoff", wait)
		var ce *CallError
		if errors.As(err, &ce) && ce.StatusCode != 0 {
			ev = ev.Int("status", ce.StatusCode)
		}
		ev.Err(err).Msg(retryMessage(err))
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(newJitterBackOff(policy, c.rand), uint64(policy.MaxRetries)),
		ctx,
	)

	err := backoff.RetryNotifyWithTimer(op, b, notify, timer)
	if err == nil {
		result.Attempts = attempts
		return result, nil
	}

	var ce *CallError
	if !errors.As(err, &ce) {
		// Context ended while sleeping between attempts.
		ce = &CallError{Class: ClassCanceled, Err: err}
	}
	ce.Attempts = attempts
	return nil, ce
}

func retryMessage(err error) string {
	var ce *CallError
	switch {
	case !errors.As(err, &ce), ce.StatusCode == 0:
		return "transport error, retrying"
	case ce.StatusCode == http.StatusTooManyRequests:
		return "rate limited, retrying"
	default:
		return "server error, retrying"
	}
}

// localError marks failures that happen before anything is sent.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// send performs one HTTP attempt. The multipart body is rebuilt every time
// since a consumed body cannot be replayed.
func (c *Client) send(ctx context.Context, req Request) (int, []byte, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return 0, nil, &localError{fmt.Errorf("open audio file: %w", err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return 0, nil, &localError{fmt.Errorf("create form file: %w", err)}
	}
	if _, err := io.Copy(part, f); err != nil {
		return 0, nil, &localError{fmt.Errorf("copy audio data: %w", err)}
	}

	w.WriteField("model", req.Model)
	w.WriteField("temperature", "0.0")
	if req.Timestamps {
		w.WriteField("response_format", formatVerbose)
	} else {
		w.WriteField("response_format", formatText)
	}
	if req.Language != "" {
		w.WriteField("language", req.Language)
	}
	w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return 0, nil, &localError{fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
