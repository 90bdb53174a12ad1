// Package segment implements the byte-range partitioning policy (C2): given a
// file size and a maximum segment count, produce a disjoint, gapless set of
// contiguous ranges.
package segment

import (
	"fmt"
	"path/filepath"

	"github.com/kestrel-dl/kestrel/internal/model"
)

const (
	tenMiB   = 10 * 1024 * 1024
	fiftyMiB = 50 * 1024 * 1024
	fiveHundredMiB = 500 * 1024 * 1024
)

// Count returns the number of segments calculate_segments-equivalent policy
// would use for a file of the given size, capped at max.
func Count(fileSize int64, max int) int {
	if max < 1 {
		max = 1
	}
	switch {
	case fileSize == 0:
		return 0
	case fileSize < tenMiB:
		return 1
	case fileSize < fiftyMiB:
		return min(4, max)
	case fileSize < fiveHundredMiB:
		return min(16, max)
	default:
		return max
	}
}

// Plan splits [0, fileSize-1] into Count(fileSize, max) contiguous,
// even-sized segments, the last absorbing any remainder. Temp paths are
// deterministic: "<scratchDir>/part-<index>.tmp".
func Plan(fileSize int64, max int, scratchDir string) []model.Segment {
	n := Count(fileSize, max)
	if n == 0 {
		return nil
	}
	segments := make([]model.Segment, 0, n)
	base := fileSize / int64(n)
	var start int64
	for i := 0; i < n; i++ {
		end := start + base - 1
		if i == n-1 {
			end = fileSize - 1
		}
		segments = append(segments, model.Segment{
			Index:    i,
			Start:    start,
			End:      end,
			TempPath: filepath.Join(scratchDir, fmt.Sprintf("part-%d.tmp", i)),
		})
		start = end + 1
	}
	return segments
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
