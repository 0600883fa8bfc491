package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/audio"
)

// fakeEncoder writes real files whose size comes from sizeFn. A negative size
// makes the encode fail.
type fakeEncoder struct {
	sizeFn func(s audio.Slice, t audio.Tier) int64
	calls  int
}

func (f *fakeEncoder) Encode(ctx context.Context, s audio.Slice, t audio.Tier, dir string) (*audio.Artifact, error) {
	f.calls++
	size := f.sizeFn(s, t)
	if size < 0 {
		return nil, &audio.EncodeError{Tier: t, Slice: s, Err: errors.New("exit status 1")}
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%d-%s.mp3", s.StartMs, s.EndMs, t.Name))
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		return nil, err
	}
	return &audio.Artifact{Path: path, Size: size, Tier: t, Slice: s}, nil
}

// perSecond sizes artifacts at rate[tier] bytes per second of audio.
func perSecond(rate map[string]int64) func(audio.Slice, audio.Tier) int64 {
	return func(s audio.Slice, t audio.Tier) int64 {
		return s.DurationMs() / 1000 * rate[t.Name]
	}
}

func testOptions(ceiling int64) Options {
	o := DefaultOptions()
	o.Ceiling = ceiling
	return o
}

func collect(t *testing.T, p *Planner, totalMs int64) ([]ChunkPlan, string) {
	t.Helper()
	dir := t.TempDir()
	var plans []ChunkPlan
	err := p.Plan(context.Background(), "src.mp4", totalMs, dir, func(c ChunkPlan) error {
		plans = append(plans, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return plans, dir
}

func checkCoverage(t *testing.T, plans []ChunkPlan, totalMs int64) {
	t.Helper()
	var cursor int64
	for i, c := range plans {
		if c.Index != i {
			t.Errorf("plans[%d].Index = %d", i, c.Index)
		}
		if c.StartMs != cursor {
			t.Errorf("plans[%d].StartMs = %d, want %d", i, c.StartMs, cursor)
		}
		if c.EndMs <= c.StartMs {
			t.Errorf("plans[%d] is empty: [%d, %d)", i, c.StartMs, c.EndMs)
		}
		cursor = c.EndMs
	}
	if cursor != totalMs {
		t.Errorf("coverage ends at %d, want %d", cursor, totalMs)
	}
}

func checkCeiling(t *testing.T, plans []ChunkPlan, ceiling int64) {
	t.Helper()
	for _, c := range plans {
		if c.Accepted() && c.Size > ceiling {
			t.Errorf("chunk %d accepted at %d bytes, ceiling %d", c.Index, c.Size, ceiling)
		}
	}
}

func TestPlanFortyMinuteSource(t *testing.T) {
	enc := &fakeEncoder{sizeFn: perSecond(map[string]int64{"light": 2, "heavy": 1})}
	p, err := NewPlanner(enc, testOptions(1000), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	total := (40 * time.Minute).Milliseconds()
	plans, dir := collect(t, p, total)

	if len(plans) != 8 {
		t.Fatalf("len(plans) = %d, want 8", len(plans))
	}
	for _, c := range plans {
		if !c.Accepted() {
			t.Errorf("chunk %d outcome = %s, want accepted", c.Index, c.Outcome)
		}
		if c.Tier.Name != "light" {
			t.Errorf("chunk %d tier = %s, want light", c.Index, c.Tier.Name)
		}
		if c.DurationMs != (5 * time.Minute).Milliseconds() {
			t.Errorf("chunk %d duration = %d", c.Index, c.DurationMs)
		}
	}
	checkCoverage(t, plans, total)
	checkCeiling(t, plans, 1000)

	for _, c := range plans {
		c.Release()
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("%d artifacts left after release", len(entries))
	}
}

func TestPlanEscalatesTierBeforeShrinking(t *testing.T) {
	enc := &fakeEncoder{sizeFn: perSecond(map[string]int64{"light": 3, "heavy": 2})}
	p, _ := NewPlanner(enc, testOptions(600), zerolog.Nop())

	plans, dir := collect(t, p, (5 * time.Minute).Milliseconds())
	if len(plans) != 1 {
		t.Fatalf("len(plans) = %d, want 1", len(plans))
	}
	c := plans[0]
	if c.Tier.Name != "heavy" || c.DurationMs != 300000 {
		t.Errorf("accepted %s at %d ms, want heavy at 300000", c.Tier.Name, c.DurationMs)
	}
	if len(c.Attempts) != 2 || c.Attempts[0].Outcome != OutcomeRejected {
		t.Fatalf("attempts = %+v, want rejected light then accepted heavy", c.Attempts)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("scratch dir has %d files, want only the accepted artifact", len(entries))
	}
	c.Release()
}

func TestPlanShrinksWhenLadderFails(t *testing.T) {
	enc := &fakeEncoder{sizeFn: perSecond(map[string]int64{"light": 4, "heavy": 3})}
	p, _ := NewPlanner(enc, testOptions(700), zerolog.Nop())

	total := (10 * time.Minute).Milliseconds()
	plans, _ := collect(t, p, total)
	defer func() {
		for _, c := range plans {
			c.Release()
		}
	}()

	first := plans[0]
	if first.DurationMs != 225000 || first.Tier.Name != "heavy" {
		t.Errorf("first chunk = %s at %d ms, want heavy at 225000", first.Tier.Name, first.DurationMs)
	}
	want := []Outcome{OutcomeShrunk, OutcomeShrunk, OutcomeRejected, OutcomeAccepted}
	if len(first.Attempts) != len(want) {
		t.Fatalf("attempts = %d, want %d", len(first.Attempts), len(want))
	}
	for i, o := range want {
		if first.Attempts[i].Outcome != o {
			t.Errorf("attempts[%d].Outcome = %s, want %s", i, first.Attempts[i].Outcome, o)
		}
	}
	checkCoverage(t, plans, total)
	checkCeiling(t, plans, 700)
}

func TestPlanSkipsPoisonedInterval(t *testing.T) {
	poisonAt := (10 * time.Minute).Milliseconds()
	enc := &fakeEncoder{sizeFn: func(s audio.Slice, t audio.Tier) int64 {
		if s.StartMs == poisonAt {
			return 5000
		}
		return 100
	}}
	p, _ := NewPlanner(enc, testOptions(1000), zerolog.Nop())

	total := (40 * time.Minute).Milliseconds()
	plans, dir := collect(t, p, total)

	var skipped []ChunkPlan
	accepted := 0
	for _, c := range plans {
		switch c.Outcome {
		case OutcomeSkipped:
			skipped = append(skipped, c)
		case OutcomeAccepted:
			accepted++
		}
	}
	if len(skipped) != 1 {
		t.Fatalf("skipped = %d, want 1", len(skipped))
	}
	s := skipped[0]
	if s.StartMs != poisonAt || s.DurationMs != 15000 {
		t.Errorf("skip = [%d, %d) len %d, want start %d len 15000", s.StartMs, s.EndMs, s.DurationMs, poisonAt)
	}
	if s.Artifact != nil {
		t.Error("skipped chunk should carry no artifact")
	}
	if s.Reason == "" {
		t.Error("skipped chunk has no reason")
	}
	if accepted != 8 {
		t.Errorf("accepted = %d, want 8", accepted)
	}
	checkCoverage(t, plans, total)
	checkCeiling(t, plans, 1000)

	for _, c := range plans {
		c.Release()
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("%d rejected or accepted artifacts left behind", len(entries))
	}
}

func TestPlanFinalShortChunkUsesLadder(t *testing.T) {
	enc := &fakeEncoder{sizeFn: func(s audio.Slice, t audio.Tier) int64 {
		if t.Name == "light" {
			return 10_000
		}
		return 10
	}}
	p, _ := NewPlanner(enc, testOptions(1000), zerolog.Nop())

	total := (5*time.Minute + 30*time.Second).Milliseconds()
	plans, _ := collect(t, p, total)
	if len(plans) != 2 {
		t.Fatalf("len(plans) = %d, want 2", len(plans))
	}
	last := plans[1]
	if last.DurationMs != 30000 {
		t.Errorf("last duration = %d, want 30000", last.DurationMs)
	}
	if len(last.Attempts) != 2 || last.Tier.Name != "heavy" {
		t.Errorf("last chunk attempts = %+v, want light then heavy", last.Attempts)
	}
	checkCoverage(t, plans, total)
	for _, c := range plans {
		c.Release()
	}
}

func TestPlanTailShorterThanFloor(t *testing.T) {
	total := (5*time.Minute + 5*time.Second).Milliseconds()
	enc := &fakeEncoder{sizeFn: func(s audio.Slice, t audio.Tier) int64 {
		if s.StartMs >= 300000 {
			return 1 << 20
		}
		return 10
	}}
	p, _ := NewPlanner(enc, testOptions(1000), zerolog.Nop())

	plans, _ := collect(t, p, total)
	calls := enc.calls
	if len(plans) != 2 || plans[1].Outcome != OutcomeSkipped {
		t.Fatalf("plans = %+v, want accepted then skipped tail", plans)
	}
	if plans[1].DurationMs != 5000 {
		t.Errorf("tail skip length = %d, want 5000", plans[1].DurationMs)
	}
	// One ladder for the first chunk hit, one full ladder for the tail.
	if calls != 1+len(audio.DefaultTiers) {
		t.Errorf("encode calls = %d, want %d", calls, 1+len(audio.DefaultTiers))
	}
	checkCoverage(t, plans, total)
	plans[0].Release()
}

func TestPlanEncodeErrorsAreFailedTiers(t *testing.T) {
	enc := &fakeEncoder{sizeFn: func(s audio.Slice, t audio.Tier) int64 {
		if t.Name == "light" {
			return -1
		}
		return 10
	}}
	p, _ := NewPlanner(enc, testOptions(1000), zerolog.Nop())

	plans, _ := collect(t, p, 60_000)
	if len(plans) != 1 || !plans[0].Accepted() {
		t.Fatalf("plans = %+v, want one accepted", plans)
	}
	if plans[0].Attempts[0].Err == nil {
		t.Error("first attempt should record the encode error")
	}
	plans[0].Release()

	enc.sizeFn = func(audio.Slice, audio.Tier) int64 { return -1 }
	plans, _ = collect(t, p, 15_000)
	if len(plans) != 1 || plans[0].Outcome != OutcomeSkipped {
		t.Fatalf("plans = %+v, want one skipped", plans)
	}
	if plans[0].Reason == "" {
		t.Error("skip reason is empty")
	}
}

func TestPlanCancellation(t *testing.T) {
	enc := &fakeEncoder{sizeFn: perSecond(map[string]int64{"light": 1, "heavy": 1})}
	p, _ := NewPlanner(enc, testOptions(1000), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitted := 0
	err := p.Plan(ctx, "src", (40 * time.Minute).Milliseconds(), t.TempDir(), func(c ChunkPlan) error {
		defer c.Release()
		emitted++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if emitted != 1 {
		t.Errorf("emitted = %d, want 1", emitted)
	}
}

func TestPlanEmitErrorStops(t *testing.T) {
	enc := &fakeEncoder{sizeFn: perSecond(map[string]int64{"light": 1})}
	p, _ := NewPlanner(enc, testOptions(1000), zerolog.Nop())

	stop := errors.New("stop")
	err := p.Plan(context.Background(), "src", (20 * time.Minute).Milliseconds(), t.TempDir(), func(c ChunkPlan) error {
		c.Release()
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want %v", err, stop)
	}
	if enc.calls != 1 {
		t.Errorf("encode calls = %d, want 1", enc.calls)
	}
}

func TestPlanZeroDuration(t *testing.T) {
	p, _ := NewPlanner(&fakeEncoder{}, DefaultOptions(), zerolog.Nop())
	err := p.Plan(context.Background(), "src", 0, t.TempDir(), func(ChunkPlan) error { return nil })
	if !errors.Is(err, audio.ErrZeroDuration) {
		t.Errorf("err = %v, want ErrZeroDuration", err)
	}
}

func TestNewPlannerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero_target", func(o *Options) { o.Target = 0 }},
		{"zero_floor", func(o *Options) { o.Floor = 0 }},
		{"floor_above_target", func(o *Options) { o.Floor = o.Target + time.Second }},
		{"factor_one", func(o *Options) { o.ShrinkFactor = 1 }},
		{"factor_zero", func(o *Options) { o.ShrinkFactor = 0 }},
		{"no_tiers", func(o *Options) { o.Tiers = nil }},
		{"one_tier", func(o *Options) { o.Tiers = o.Tiers[:1] }},
		{"sub_ms_target", func(o *Options) { o.Target = 500 * time.Microsecond; o.Floor = 100 * time.Microsecond }},
		{"sub_ms_floor", func(o *Options) { o.Floor = 500 * time.Microsecond }},
		{"no_ceiling", func(o *Options) { o.Ceiling = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			if _, err := NewPlanner(&fakeEncoder{}, o, zerolog.Nop()); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if _, err := NewPlanner(nil, DefaultOptions(), zerolog.Nop()); err == nil {
		t.Error("expected error for nil encoder")
	}
}

func TestPlanMillisecondFloorStillAdvances(t *testing.T) {
	o := testOptions(1000)
	o.Target = 2 * time.Millisecond
	o.Floor = time.Millisecond
	enc := &fakeEncoder{sizeFn: func(audio.Slice, audio.Tier) int64 { return 2000 }}
	p, err := NewPlanner(enc, o, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	plans, _ := collect(t, p, 10)
	checkCoverage(t, plans, 10)
	if len(plans) != 10 {
		t.Fatalf("len(plans) = %d, want 10", len(plans))
	}
	for _, c := range plans {
		if c.Outcome != OutcomeSkipped {
			t.Errorf("chunk %d outcome = %s, want %s", c.Index, c.Outcome, OutcomeSkipped)
		}
		if c.DurationMs != 1 {
			t.Errorf("chunk %d duration = %d ms, want 1", c.Index, c.DurationMs)
		}
	}
}
