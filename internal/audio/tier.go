package audio

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier is one compression preset. Zero SampleRate or Channels keep the source value.
type Tier struct {
	Name       string
	Bitrate    string // ffmpeg -b:a value, e.g. "64k"
	SampleRate int    // Hz
	Channels   int
}

// DefaultTiers is the ladder used when none is configured: a light re-encode
// at 64 kbit/s, then 32 kbit/s 16 kHz mono.
var DefaultTiers = []Tier{
	{Name: "light", Bitrate: "64k"},
	{Name: "heavy", Bitrate: "32k", SampleRate: 16000, Channels: 1},
}

func (t Tier) String() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteByte(':')
	b.WriteString(t.Bitrate)
	if t.SampleRate > 0 || t.Channels > 0 {
		fmt.Fprintf(&b, ":%d", t.SampleRate)
	}
	if t.Channels > 0 {
		fmt.Fprintf(&b, ":%d", t.Channels)
	}
	return b.String()
}

// ParseTiers parses a comma-separated ladder of name:bitrate[:rate[:channels]]
// entries, highest quality first. An empty string yields DefaultTiers.
func ParseTiers(raw string) ([]Tier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		out := make([]Tier, len(DefaultTiers))
		copy(out, DefaultTiers)
		return out, nil
	}

	var tiers []Tier
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("tier %q: want name:bitrate[:rate[:channels]]", entry)
		}
		t := Tier{Name: parts[0], Bitrate: parts[1]}
		if t.Name == "" || t.Bitrate == "" {
			return nil, fmt.Errorf("tier %q: name and bitrate are required", entry)
		}
		if len(parts) > 2 {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("tier %q: invalid sample rate %q", entry, parts[2])
			}
			t.SampleRate = n
		}
		if len(parts) > 3 {
			n, err := strconv.Atoi(parts[3])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("tier %q: invalid channel count %q", entry, parts[3])
			}
			t.Channels = n
		}
		tiers = append(tiers, t)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no compression tiers in %q", raw)
	}
	return tiers, nil
}
