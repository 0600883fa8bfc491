package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner writes a file of outSize bytes to the last argument and records calls.
type fakeRunner struct {
	calls   [][]string
	outSize int
	stdout  []byte
	stderr  string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return commandResult{Stderr: f.stderr, ExitCode: 1}, f.err
	}
	if f.outSize > 0 {
		out := args[len(args)-1]
		if err := os.WriteFile(out, make([]byte, f.outSize), 0o644); err != nil {
			return commandResult{}, err
		}
	}
	return commandResult{Stdout: f.stdout}, nil
}

func TestParseTiers(t *testing.T) {
	t.Run("empty_uses_defaults", func(t *testing.T) {
		tiers, err := ParseTiers("")
		if err != nil {
			t.Fatalf("ParseTiers: %v", err)
		}
		if len(tiers) != len(DefaultTiers) {
			t.Fatalf("len = %d, want %d", len(tiers), len(DefaultTiers))
		}
		tiers[0].Name = "mutated"
		if DefaultTiers[0].Name == "mutated" {
			t.Error("ParseTiers returned the shared default slice")
		}
	})

	t.Run("full_entries", func(t *testing.T) {
		tiers, err := ParseTiers("hi:128k, mid:64k:22050, lo:32k:16000:1")
		if err != nil {
			t.Fatalf("ParseTiers: %v", err)
		}
		want := []Tier{
			{Name: "hi", Bitrate: "128k"},
			{Name: "mid", Bitrate: "64k", SampleRate: 22050},
			{Name: "lo", Bitrate: "32k", SampleRate: 16000, Channels: 1},
		}
		if len(tiers) != len(want) {
			t.Fatalf("len = %d, want %d", len(tiers), len(want))
		}
		for i := range want {
			if tiers[i] != want[i] {
				t.Errorf("tiers[%d] = %+v, want %+v", i, tiers[i], want[i])
			}
		}
	})

	for _, bad := range []string{"noBitrate", "x:64k:abc", "x:64k:16000:-1", ":64k", "a:b:c:d:e", " , "} {
		t.Run("invalid_"+bad, func(t *testing.T) {
			if _, err := ParseTiers(bad); err == nil {
				t.Errorf("ParseTiers(%q) expected error", bad)
			}
		})
	}
}

func TestTierStringRoundTrip(t *testing.T) {
	for _, tier := range []Tier{
		{Name: "light", Bitrate: "64k"},
		{Name: "heavy", Bitrate: "32k", SampleRate: 16000, Channels: 1},
		{Name: "mono", Bitrate: "48k", Channels: 1},
	} {
		got, err := ParseTiers(tier.String())
		if err != nil {
			t.Fatalf("ParseTiers(%q): %v", tier.String(), err)
		}
		if got[0] != tier {
			t.Errorf("round trip %q = %+v, want %+v", tier.String(), got[0], tier)
		}
	}
}

func TestCompressorEncode(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{outSize: 1234}
	c := &Compressor{ffmpegPath: "ffmpeg", runner: fr}

	s := Slice{Source: "/media/in.mp4", StartMs: 300_000, EndMs: 600_000}
	a, err := c.Encode(context.Background(), s, DefaultTiers[1], dir)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if a.Size != 1234 {
		t.Errorf("Size = %d, want 1234", a.Size)
	}
	if a.Slice != s {
		t.Errorf("Slice = %+v, want %+v", a.Slice, s)
	}
	if filepath.Dir(a.Path) != dir {
		t.Errorf("artifact written outside scratch dir: %s", a.Path)
	}

	args := strings.Join(fr.calls[0], " ")
	for _, want := range []string{
		"-ss 300.000", "-t 300.000", "-i /media/in.mp4", "-vn",
		"-ac 1", "-ar 16000", "-b:a 32k", "-c:a libmp3lame", "+bitexact",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("ffmpeg args missing %q: %s", want, args)
		}
	}

	a.Release()
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("artifact still exists after Release: %v", err)
	}
	a.Release() // second call is a no-op
}

func TestCompressorEncodeDeterministicArgs(t *testing.T) {
	s := Slice{Source: "in.wav", StartMs: 0, EndMs: 15_000}
	a := encodeArgs(s, DefaultTiers[0], "out.mp3")
	b := encodeArgs(s, DefaultTiers[0], "out.mp3")
	if strings.Join(a, " ") != strings.Join(b, " ") {
		t.Error("encode args differ for identical inputs")
	}
	if strings.Contains(strings.Join(a, " "), "-ac") {
		t.Error("light tier should keep source channel layout")
	}
}

func TestCompressorEncodeFailure(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{err: errors.New("exit status 1"), stderr: "line one\nInvalid data found\n"}
	c := &Compressor{ffmpegPath: "ffmpeg", runner: fr}

	_, err := c.Encode(context.Background(), Slice{Source: "x", StartMs: 0, EndMs: 1000}, DefaultTiers[0], dir)
	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("err = %v, want *EncodeError", err)
	}
	if encErr.Stderr != "Invalid data found" {
		t.Errorf("Stderr = %q, want last stderr line", encErr.Stderr)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty after failed encode: %d entries", len(entries))
	}
}

func TestCompressorRejectsEmptySlice(t *testing.T) {
	c := &Compressor{ffmpegPath: "ffmpeg", runner: &fakeRunner{outSize: 1}}
	_, err := c.Encode(context.Background(), Slice{StartMs: 5, EndMs: 5}, DefaultTiers[0], t.TempDir())
	if err == nil {
		t.Error("expected error for zero-length slice")
	}
}

func TestSizeProbe(t *testing.T) {
	p := SizeProbe{Ceiling: 100}
	if !p.Fits(&Artifact{Size: 100}) {
		t.Error("artifact at ceiling should fit")
	}
	if p.Fits(&Artifact{Size: 101}) {
		t.Error("artifact over ceiling should not fit")
	}
	if p.Fits(nil) {
		t.Error("nil artifact should not fit")
	}
}

func TestCeilingFor(t *testing.T) {
	tests := []struct {
		limit  int64
		margin float64
		want   int64
	}{
		{25 << 20, 4, 25165824},
		{1000, 0, 1000},
		{1000, -5, 1000},
		{1000, 10, 900},
	}
	for _, tt := range tests {
		if got := CeilingFor(tt.limit, tt.margin); got != tt.want {
			t.Errorf("CeilingFor(%d, %v) = %d, want %d", tt.limit, tt.margin, got, tt.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	t.Run("video_with_audio", func(t *testing.T) {
		raw := `{"streams":[{"codec_type":"video","codec_name":"h264"},{"codec_type":"audio","codec_name":"aac","duration":"2400.01"}],
			"format":{"format_name":"mov,mp4","duration":"2400.010000"}}`
		m, err := parseProbe("in.mp4", []byte(raw))
		if err != nil {
			t.Fatalf("parseProbe: %v", err)
		}
		if m.DurationMs != 2400010 {
			t.Errorf("DurationMs = %d, want 2400010", m.DurationMs)
		}
		if !m.HasVideo || m.AudioCodec != "aac" {
			t.Errorf("got %+v", m)
		}
	})

	t.Run("stream_duration_fallback", func(t *testing.T) {
		raw := `{"streams":[{"codec_type":"audio","codec_name":"opus","duration":"12.5"}],"format":{"duration":"N/A"}}`
		m, err := parseProbe("in.webm", []byte(raw))
		if err != nil {
			t.Fatalf("parseProbe: %v", err)
		}
		if m.DurationMs != 12500 {
			t.Errorf("DurationMs = %d, want 12500", m.DurationMs)
		}
	})

	t.Run("no_audio", func(t *testing.T) {
		raw := `{"streams":[{"codec_type":"video"}],"format":{"duration":"10"}}`
		if _, err := parseProbe("in.mp4", []byte(raw)); !errors.Is(err, ErrNoAudioTrack) {
			t.Errorf("err = %v, want ErrNoAudioTrack", err)
		}
	})

	t.Run("zero_duration", func(t *testing.T) {
		raw := `{"streams":[{"codec_type":"audio"}],"format":{"duration":"0.000"}}`
		if _, err := parseProbe("in.mp3", []byte(raw)); !errors.Is(err, ErrZeroDuration) {
			t.Errorf("err = %v, want ErrZeroDuration", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		var pe *ProbeError
		if _, err := parseProbe("in.mp3", []byte("not json")); !errors.As(err, &pe) {
			t.Errorf("err = %v, want *ProbeError", err)
		}
	})
}

func TestProberUnreadable(t *testing.T) {
	p := &Prober{ffprobePath: "ffprobe", runner: &fakeRunner{err: errors.New("exit status 1"), stderr: "missing.mp4: No such file or directory"}}
	_, err := p.Probe(context.Background(), "missing.mp4")
	var pe *ProbeError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProbeError", err)
	}
	if !strings.Contains(pe.Error(), "No such file") {
		t.Errorf("error %q should carry ffprobe stderr", pe.Error())
	}
}

func TestResolveSource(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "uploads")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	inSub := filepath.Join(sub, "talk.mp4")
	atRoot := filepath.Join(dir, "podcast.mp3")
	for _, p := range []string{inSub, atRoot} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		dir  string
		path string
		want string
	}{
		{"relative_in_media_dir", dir, "uploads/talk.mp4", inSub},
		{"basename_fallback", dir, "/elsewhere/podcast.mp3", atRoot},
		{"absolute_path", "", inSub, inSub},
		{"escape_rejected", sub, "../podcast.mp3", ""},
		{"missing", dir, "nope.wav", ""},
		{"directory_rejected", "", sub, ""},
		{"empty", dir, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveSource(tt.dir, tt.path); got != tt.want {
				t.Errorf("ResolveSource(%q, %q) = %q, want %q", tt.dir, tt.path, got, tt.want)
			}
		})
	}
}
