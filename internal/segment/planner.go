package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/audio"
)

// Encoder produces an artifact for one slice at one tier.
// *audio.Compressor satisfies it.
type Encoder interface {
	Encode(ctx context.Context, s audio.Slice, t audio.Tier, dir string) (*audio.Artifact, error)
}

// Options tunes the planner.
type Options struct {
	Target       time.Duration // starting candidate length for every chunk
	Floor        time.Duration // shortest candidate before the interval is skipped
	ShrinkFactor float64       // applied to the candidate length after a full ladder fails
	Tiers        []audio.Tier  // highest quality first
	Ceiling      int64         // max artifact bytes
}

// DefaultOptions mirrors the stock configuration.
func DefaultOptions() Options {
	return Options{
		Target:       5 * time.Minute,
		Floor:        15 * time.Second,
		ShrinkFactor: 0.75,
		Tiers:        append([]audio.Tier(nil), audio.DefaultTiers...),
		Ceiling:      audio.CeilingFor(25<<20, 4),
	}
}

func (o Options) validate() error {
	switch {
	case o.Target < time.Millisecond:
		return fmt.Errorf("target duration %s must be at least 1ms", o.Target)
	case o.Floor < time.Millisecond:
		return fmt.Errorf("floor duration %s must be at least 1ms", o.Floor)
	case o.Floor > o.Target:
		return fmt.Errorf("floor %s exceeds target %s", o.Floor, o.Target)
	case o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1:
		return fmt.Errorf("shrink factor %v must be in (0,1)", o.ShrinkFactor)
	case len(o.Tiers) < 2:
		return fmt.Errorf("compression ladder needs at least two tiers, got %d", len(o.Tiers))
	case o.Ceiling <= 0:
		return errors.New("size ceiling must be positive")
	}
	return nil
}

// Planner walks a source from start to end, producing one ChunkPlan per
// interval. Every candidate runs the whole tier ladder at one length before
// the length is shrunk; at the floor a failing interval is skipped.
type Planner struct {
	enc   Encoder
	probe audio.SizeProbe
	opts  Options
	log   zerolog.Logger
}

// NewPlanner validates opts and returns a Planner.
func NewPlanner(enc Encoder, opts Options, log zerolog.Logger) (*Planner, error) {
	if enc == nil {
		return nil, errors.New("encoder is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Planner{
		enc:   enc,
		probe: audio.SizeProbe{Ceiling: opts.Ceiling},
		opts:  opts,
		log:   log.With().Str("component", "planner").Logger(),
	}, nil
}

// Ceiling returns the configured size ceiling.
func (p *Planner) Ceiling() int64 { return p.opts.Ceiling }

// Plan covers [0, totalMs) of source with contiguous chunks, writing artifacts
// to dir and handing each plan to emit in index order. emit owns the plan's
// artifact from the moment it is called. A non-nil error from emit stops
// planning and is returned. Context cancellation stops planning between
// encodes and returns ctx.Err().
func (p *Planner) Plan(ctx context.Context, source string, totalMs int64, dir string, emit func(ChunkPlan) error) error {
	if totalMs <= 0 {
		return audio.ErrZeroDuration
	}

	var cursor int64
	for index := 0; cursor < totalMs; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		plan, err := p.next(ctx, source, index, cursor, totalMs, dir)
		if err != nil {
			return err
		}
		if plan.EndMs <= cursor {
			// Unreachable with validated options; guards against an infinite loop.
			return fmt.Errorf("planner made no progress at %d ms", cursor)
		}
		cursor = plan.EndMs
		if err := emit(plan); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) next(ctx context.Context, source string, index int, cursor, totalMs int64, dir string) (ChunkPlan, error) {
	log := p.log.With().Int("chunk", index).Int64("start_ms", cursor).Logger()
	target := p.opts.Target.Milliseconds()
	floor := p.opts.Floor.Milliseconds()

	var attempts []Attempt
	length := min(target, totalMs-cursor)
	for {
		slice := audio.Slice{Source: source, StartMs: cursor, EndMs: cursor + length}
		round := len(attempts)

		for _, tier := range p.opts.Tiers {
			if err := ctx.Err(); err != nil {
				return ChunkPlan{}, err
			}
			art, err := p.enc.Encode(ctx, slice, tier, dir)
			if err != nil {
				if ctx.Err() != nil {
					return ChunkPlan{}, ctx.Err()
				}
				log.Debug().Err(err).Str("tier", tier.Name).Int64("duration_ms", length).Msg("encode failed")
				attempts = append(attempts, Attempt{DurationMs: length, Tier: tier.Name, Err: err, Outcome: OutcomeRejected})
				continue
			}
			if p.probe.Fits(art) {
				attempts = append(attempts, Attempt{DurationMs: length, Tier: tier.Name, Size: art.Size, Outcome: OutcomeAccepted})
				log.Debug().
					Int64("end_ms", slice.EndMs).
					Str("tier", tier.Name).
					Int64("bytes", art.Size).
					Int("attempts", len(attempts)).
					Msg("chunk accepted")
				return ChunkPlan{
					Index:      index,
					StartMs:    slice.StartMs,
					EndMs:      slice.EndMs,
					DurationMs: length,
					Tier:       tier,
					Artifact:   art,
					Size:       art.Size,
					Outcome:    OutcomeAccepted,
					Attempts:   attempts,
				}, nil
			}
			attempts = append(attempts, Attempt{DurationMs: length, Tier: tier.Name, Size: art.Size, Outcome: OutcomeRejected})
			art.Release()
		}

		if length <= floor {
			for i := round; i < len(attempts); i++ {
				attempts[i].Outcome = OutcomeSkipped
			}
			reason := skipReason(attempts[round:], p.opts.Ceiling)
			log.Warn().
				Int64("end_ms", slice.EndMs).
				Str("reason", reason).
				Msg("interval unrecoverable, skipping")
			return ChunkPlan{
				Index:      index,
				StartMs:    slice.StartMs,
				EndMs:      slice.EndMs,
				DurationMs: length,
				Outcome:    OutcomeSkipped,
				Attempts:   attempts,
				Reason:     reason,
			}, nil
		}

		for i := round; i < len(attempts); i++ {
			attempts[i].Outcome = OutcomeShrunk
		}
		length = max(floor, 1, int64(float64(length)*p.opts.ShrinkFactor))
		log.Debug().Int64("duration_ms", length).Msg("no tier fits, shrinking chunk")
	}
}
