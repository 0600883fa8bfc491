package audio

import (
	"fmt"
	"os"
)

// SizeProbe checks encoded artifacts against the request size ceiling.
type SizeProbe struct {
	Ceiling int64
}

// CeilingFor returns limit reduced by marginPercent, e.g. CeilingFor(25 MiB, 4) ≈ 24 MiB.
func CeilingFor(limit int64, marginPercent float64) int64 {
	if marginPercent <= 0 {
		return limit
	}
	return int64(float64(limit) * (1 - marginPercent/100))
}

// Fits reports whether the artifact is at or under the ceiling.
func (p SizeProbe) Fits(a *Artifact) bool {
	return a != nil && a.Size <= p.Ceiling
}

// Measure returns the byte size of the file at path.
func Measure(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return fi.Size(), nil
}
