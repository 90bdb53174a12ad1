// Package progress implements the mechanical per-task progress model: byte
// counters, ETA, percentage, and status transitions.
package progress

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// Tracker holds the mutable progress state for one task. It is not
// goroutine-safe on its own; callers serialize access.
type Tracker struct {
	state model.Progress
}

// New creates a tracker in the Initializing state for a download of the given
// (possibly unknown, i.e. zero) total size.
func New(totalBytes int64, totalSegments int) *Tracker {
	return &Tracker{state: model.Progress{
		TotalBytes:    totalBytes,
		TotalSegments: totalSegments,
		Status:        model.ProgressInitializing,
	}}
}

// Update records a new downloaded-bytes/speed sample and recomputes ETA.
func (t *Tracker) Update(downloaded int64, speed float64) {
	t.state.DownloadedBytes = downloaded
	t.state.SpeedBytesPerSec = speed
	t.state.ETASeconds = computeETA(t.state.TotalBytes, downloaded, speed)
}

// computeETA implements C5's ETA rule exactly:
// (total-downloaded)/speed when speed>0 and downloaded<total; 0 when
// downloaded>=total>0; absent otherwise.
func computeETA(total, downloaded int64, speed float64) *float64 {
	if total > 0 && downloaded >= total {
		zero := 0.0
		return &zero
	}
	if speed > 0 && downloaded < total {
		eta := float64(total-downloaded) / speed
		return &eta
	}
	return nil
}

// Percentage returns downloaded/total, or 0 when total is unknown.
func (t *Tracker) Percentage() float64 {
	if t.state.TotalBytes == 0 {
		return 0
	}
	return float64(t.state.DownloadedBytes) / float64(t.state.TotalBytes)
}

// SetSegmentsCompleted records how many segments have finished.
func (t *Tracker) SetSegmentsCompleted(n int) {
	t.state.SegmentsCompleted = n
}

// Start moves the tracker from Initializing to Downloading.
func (t *Tracker) Start() { t.state.Status = model.ProgressDownloading }

// BeginMerge moves the tracker into the internal Merging sub-state.
func (t *Tracker) BeginMerge() { t.state.Status = model.ProgressMerging }

// Complete marks the tracker Completed.
func (t *Tracker) Complete() { t.state.Status = model.ProgressCompleted }

// Pause marks the tracker Paused (non-terminal).
func (t *Tracker) Pause() { t.state.Status = model.ProgressPaused }

// Fail marks the tracker terminally Failed with a reason.
func (t *Tracker) Fail(reason string) {
	t.state.Status = model.ProgressFailed
	t.state.FailReason = reason
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() model.Progress {
	return t.state
}

// FormatBytes renders a byte count in human-readable form (e.g. "12 MB").
func FormatBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

// FormatSpeed renders a transfer rate in human-readable form (e.g. "3.2 MB/s").
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// FormatETA renders an optional ETA as a "H:MM:SS"/"MM:SS" countdown.
func FormatETA(etaSeconds *float64) string {
	if etaSeconds == nil {
		return "--:--"
	}
	total := int64(*etaSeconds)
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
