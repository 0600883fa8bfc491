package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Compressor re-encodes source slices to MP3 with ffmpeg.
type Compressor struct {
	ffmpegPath string
	runner     commandRunner
}

// NewCompressor creates a Compressor. An empty path means "ffmpeg" from PATH.
func NewCompressor(ffmpegPath string) *Compressor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Compressor{ffmpegPath: ffmpegPath, runner: execRunner{}}
}

// Available reports whether the ffmpeg binary can be found.
func (c *Compressor) Available() bool {
	_, err := exec.LookPath(c.ffmpegPath)
	return err == nil
}

// Encode writes the slice to dir at the given tier and returns the artifact.
// Output is bit-exact for identical inputs and tier:
//   - seek before -i so only the requested window is decoded
//   - -vn drops any video stream, so video containers need no extraction pass
//   - metadata and encoder tags are stripped
//
// Failures come back as *EncodeError; no partial output is left behind.
func (c *Compressor) Encode(ctx context.Context, s Slice, t Tier, dir string) (*Artifact, error) {
	if s.DurationMs() <= 0 {
		return nil, &EncodeError{Tier: t, Slice: s, Err: fmt.Errorf("empty slice")}
	}

	out := filepath.Join(dir, fmt.Sprintf("chunk-%09d-%09d-%s.mp3", s.StartMs, s.EndMs, t.Name))
	args := encodeArgs(s, t, out)

	res, err := c.runner.Run(ctx, c.ffmpegPath, args...)
	if err != nil {
		os.Remove(out)
		return nil, &EncodeError{Tier: t, Slice: s, Stderr: lastLine(res.Stderr), Err: err}
	}

	size, err := Measure(out)
	if err != nil {
		os.Remove(out)
		return nil, &EncodeError{Tier: t, Slice: s, Err: fmt.Errorf("ffmpeg produced no output: %w", err)}
	}
	return &Artifact{Path: out, Size: size, Tier: t, Slice: s}, nil
}

func encodeArgs(s Slice, t Tier, out string) []string {
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-ss", msToSeconds(s.StartMs),
		"-t", msToSeconds(s.DurationMs()),
		"-i", s.Source,
		"-vn", "-map_metadata", "-1",
		"-fflags", "+bitexact", "-flags:a", "+bitexact",
	}
	if t.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(t.Channels))
	}
	if t.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(t.SampleRate))
	}
	args = append(args,
		"-c:a", "libmp3lame",
		"-b:a", t.Bitrate,
		"-f", "mp3",
		out,
	)
	return args
}

func msToSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
