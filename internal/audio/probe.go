package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
)

var (
	// ErrNoAudioTrack is returned for media without any audio stream.
	ErrNoAudioTrack = errors.New("source has no audio track")
	// ErrZeroDuration is returned when the source reports no playable duration.
	ErrZeroDuration = errors.New("source has zero duration")
)

// ProbeError wraps a failure to read or parse the source container.
type ProbeError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("probe %s: %v: %s", e.Path, e.Err, e.Stderr)
	}
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Media describes a probed source file.
type Media struct {
	Path       string
	DurationMs int64
	Format     string
	AudioCodec string
	HasVideo   bool
}

// Prober reads container metadata with ffprobe.
type Prober struct {
	ffprobePath string
	runner      commandRunner
}

// NewProber creates a Prober. An empty path means "ffprobe" from PATH.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath, runner: execRunner{}}
}

// Available reports whether the ffprobe binary can be found.
func (p *Prober) Available() bool {
	_, err := exec.LookPath(p.ffprobePath)
	return err == nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe returns duration and stream layout for path. Missing audio and zero
// duration are reported as ErrNoAudioTrack / ErrZeroDuration.
func (p *Prober) Probe(ctx context.Context, path string) (Media, error) {
	res, err := p.runner.Run(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	if err != nil {
		return Media{}, &ProbeError{Path: path, Stderr: lastLine(res.Stderr), Err: err}
	}
	return parseProbe(path, res.Stdout)
}

func parseProbe(path string, raw []byte) (Media, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Media{}, &ProbeError{Path: path, Err: fmt.Errorf("decode ffprobe output: %w", err)}
	}

	m := Media{Path: path, Format: out.Format.FormatName}
	audioDuration := ""
	hasAudio := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "audio":
			if !hasAudio {
				hasAudio = true
				m.AudioCodec = s.CodecName
				audioDuration = s.Duration
			}
		case "video":
			m.HasVideo = true
		}
	}
	if !hasAudio {
		return m, ErrNoAudioTrack
	}

	// Container duration first; some muxers only fill it on the stream.
	d := parseSeconds(out.Format.Duration)
	if d <= 0 {
		d = parseSeconds(audioDuration)
	}
	m.DurationMs = int64(math.Round(d * 1000))
	if m.DurationMs <= 0 {
		return m, ErrZeroDuration
	}
	return m, nil
}

func parseSeconds(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
