package segment

import (
	"fmt"
	"time"

	"github.com/snarg/media-scribe/internal/audio"
)

// Outcome is the planning result for a chunk or for one encode attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeShrunk   Outcome = "shrunk-and-retry"
	OutcomeSkipped  Outcome = "skipped-unrecoverable"

	// OutcomeRejected marks a single tier attempt that did not fit; the next
	// tier was tried at the same length.
	OutcomeRejected Outcome = "rejected"
)

// Attempt is one encode trial at a given duration and tier.
type Attempt struct {
	DurationMs int64
	Tier       string
	Size       int64 // 0 when the encode failed
	Err        error
	Outcome    Outcome
}

// ChunkPlan is one resolved interval of the source. Accepted plans carry an
// artifact that the receiver owns and must Release; skipped plans carry none.
type ChunkPlan struct {
	Index      int
	StartMs    int64
	EndMs      int64
	DurationMs int64
	Tier       audio.Tier
	Artifact   *audio.Artifact
	Size       int64
	Outcome    Outcome
	Attempts   []Attempt
	Reason     string
}

// Accepted reports whether the plan has a compliant artifact.
func (c ChunkPlan) Accepted() bool { return c.Outcome == OutcomeAccepted }

// Start returns the chunk start offset.
func (c ChunkPlan) Start() time.Duration { return time.Duration(c.StartMs) * time.Millisecond }

// Release deletes the chunk artifact, if any.
func (c ChunkPlan) Release() { c.Artifact.Release() }

// skipReason summarizes why every attempt at the floor failed.
func skipReason(attempts []Attempt, ceiling int64) string {
	var smallest int64
	encodeErrs := 0
	for _, a := range attempts {
		if a.Err != nil {
			encodeErrs++
			continue
		}
		if smallest == 0 || a.Size < smallest {
			smallest = a.Size
		}
	}
	switch {
	case smallest == 0:
		return fmt.Sprintf("encode failed (%d attempts)", encodeErrs)
	default:
		return fmt.Sprintf("exceeds size ceiling (smallest %d > %d bytes)", smallest, ceiling)
	}
}
