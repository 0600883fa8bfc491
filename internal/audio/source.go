package audio

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveSource finds a media file on disk given a path submitted by a client.
// Priority: 1) mediaDir/path  2) mediaDir/basename(path)  3) path itself if absolute.
// Relative paths that escape mediaDir are rejected. Returns "" if nothing matches.
func ResolveSource(mediaDir, path string) string {
	if path == "" {
		return ""
	}

	if mediaDir != "" && !filepath.IsAbs(path) {
		full := filepath.Join(mediaDir, path)
		if within(mediaDir, full) && isFile(full) {
			return full
		}
	}

	if mediaDir != "" {
		full := filepath.Join(mediaDir, filepath.Base(path))
		if isFile(full) {
			return full
		}
	}

	if filepath.IsAbs(path) && isFile(path) {
		return path
	}
	return ""
}

func within(dir, full string) bool {
	rel, err := filepath.Rel(dir, full)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
