// Package model holds the data types shared by every component of the
// download core: tasks, video/format descriptors, segments and progress.
package model

import "time"

// TaskStatus is the per-task finite state machine state.
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

// IsActive reports whether the status represents a task still being worked on.
func (s TaskStatus) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusPaused
}

// IsTerminal reports whether the status is one remove_task/clear_completed can prune.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Format describes one downloadable rendition of a video, as produced by the
// external extractor.
type Format struct {
	ID          string `json:"id"`
	Extension   string `json:"extension"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	VideoCodec  string `json:"video_codec,omitempty"`
	AudioCodec  string `json:"audio_codec,omitempty"`
	VideoBitrate int   `json:"video_bitrate_kbps,omitempty"`
	AudioBitrate int   `json:"audio_bitrate_kbps,omitempty"`
	// DirectURL is filled late, just before download starts.
	DirectURL string `json:"direct_url,omitempty"`
}

// VideoInfo is produced by the external extractor and consumed by the
// organizer and metadata store.
type VideoInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	PageURL     string    `json:"page_url"`
	Duration    *float64  `json:"duration_seconds,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Uploader    string    `json:"uploader,omitempty"`
	Description string    `json:"description,omitempty"`
	Formats     []Format  `json:"formats,omitempty"`
}

// Task is a single user-requested download.
type Task struct {
	ID          string     `json:"task_id"`
	SourceURL   string     `json:"source_url"`
	Info        VideoInfo  `json:"video_info"`
	Format      Format     `json:"format"`
	OutputPath  string     `json:"output_path"`
	Status      TaskStatus `json:"status"`
	FailReason  string     `json:"fail_reason,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
}

// Clone returns a deep-enough copy suitable for snapshotting into the active map.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Progress != nil {
		p := *t.Progress
		cp.Progress = &p
	}
	cp.Info.Formats = append([]Format(nil), t.Info.Formats...)
	return &cp
}

// ProgressStatus mirrors the mechanical sub-states a download passes through.
type ProgressStatus string

const (
	ProgressInitializing ProgressStatus = "initializing"
	ProgressDownloading  ProgressStatus = "downloading"
	ProgressMerging      ProgressStatus = "merging"
	ProgressCompleted    ProgressStatus = "completed"
	ProgressPaused       ProgressStatus = "paused"
	ProgressFailed       ProgressStatus = "failed"
)

// Progress tracks a task's transfer state.
type Progress struct {
	TotalBytes        int64          `json:"total_bytes"`
	DownloadedBytes    int64         `json:"downloaded_bytes"`
	SpeedBytesPerSec   float64       `json:"speed_bytes_per_sec"`
	ETASeconds         *float64      `json:"eta_seconds,omitempty"`
	Status             ProgressStatus `json:"status"`
	SegmentsCompleted  int           `json:"segments_completed"`
	TotalSegments      int           `json:"total_segments"`
	FailReason         string        `json:"fail_reason,omitempty"`
}

// Segment is one contiguous byte range of a task, fetched independently.
type Segment struct {
	Index    int    `json:"index"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"` // inclusive
	TempPath string `json:"temp_path"`
}

// Size returns the number of bytes this segment covers.
func (s Segment) Size() int64 {
	return s.End - s.Start + 1
}
