package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrel-dl/kestrel/internal/model"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := New(1000, 4)
	assert.Equal(t, model.ProgressInitializing, tr.Snapshot().Status)

	tr.Start()
	assert.Equal(t, model.ProgressDownloading, tr.Snapshot().Status)

	tr.Update(500, 100)
	assert.Equal(t, 0.5, tr.Percentage())
	assert.NotNil(t, tr.Snapshot().ETASeconds)
	assert.Equal(t, 5.0, *tr.Snapshot().ETASeconds)

	tr.SetSegmentsCompleted(2)
	assert.Equal(t, 2, tr.Snapshot().SegmentsCompleted)

	tr.BeginMerge()
	assert.Equal(t, model.ProgressMerging, tr.Snapshot().Status)

	tr.Complete()
	assert.Equal(t, model.ProgressCompleted, tr.Snapshot().Status)
}

func TestTrackerFail(t *testing.T) {
	tr := New(0, 1)
	tr.Fail("transport error")
	snap := tr.Snapshot()
	assert.Equal(t, model.ProgressFailed, snap.Status)
	assert.Equal(t, "transport error", snap.FailReason)
}

func TestTrackerPause(t *testing.T) {
	tr := New(100, 1)
	tr.Start()
	tr.Pause()
	assert.Equal(t, model.ProgressPaused, tr.Snapshot().Status)
}

func TestPercentageWithUnknownTotal(t *testing.T) {
	tr := New(0, 1)
	assert.Equal(t, 0.0, tr.Percentage())
}

func TestComputeETACompletedIsZero(t *testing.T) {
	tr := New(100, 1)
	tr.Update(100, 50)
	snap := tr.Snapshot()
	if assert.NotNil(t, snap.ETASeconds) {
		assert.Equal(t, 0.0, *snap.ETASeconds)
	}
}

func TestComputeETAUnknownWhenSpeedZero(t *testing.T) {
	tr := New(100, 1)
	tr.Update(10, 0)
	assert.Nil(t, tr.Snapshot().ETASeconds)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "1.0 MB", FormatBytes(1000000))
}

func TestFormatSpeedClampsNegative(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(-5))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "--:--", FormatETA(nil))

	oneMinute := 65.0
	assert.Equal(t, "01:05", FormatETA(&oneMinute))

	overHour := 3725.0
	assert.Equal(t, "1:02:05", FormatETA(&overHour))
}
