package transcribe

import (
	"fmt"
	"net/http"
)

// Class says why a call ended without a transcript.
type Class string

const (
	ClassExhausted Class = "retryable-exhausted" // 5xx, 429 or transport errors past the retry ceiling
	ClassRejected  Class = "rejected"            // non-retryable 4xx
	ClassCanceled  Class = "canceled"            // context ended before a result
	ClassMalformed Class = "malformed"           // 200 with an undecodable body, or a local I/O failure
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 512

// CallError is the terminal failure of one chunk call.
type CallError struct {
	StatusCode int // 0 for transport and local errors
	Class      Class
	Attempts   int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("transcription %s after %d attempt(s): status %d: %s", e.Class, e.Attempts, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("transcription %s after %d attempt(s): status %d", e.Class, e.Attempts, e.StatusCode)
	default:
		return fmt.Sprintf("transcription %s after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// Reason is the short form used in transcript markers.
func (e *CallError) Reason() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s, status %d", e.Class, e.StatusCode)
	default:
		return string(e.Class)
	}
}

// retryable reports whether a status code goes back through the backoff loop.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
