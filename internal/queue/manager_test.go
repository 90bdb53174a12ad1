package queue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dl/kestrel/internal/engine"
	"github.com/kestrel-dl/kestrel/internal/eventlog"
	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/metastore"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/organizer"
)

func rangedServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(data)
			return
		}
		var start, end int
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	})
	return httptest.NewServer(mux)
}

func newTestManager(t *testing.T, dataDir string) (*Manager, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.Open(dataDir, nil)
	require.NoError(t, err)

	client := httpclient.New(httpclient.DefaultConfig())
	engCfg := engine.NewConfig()
	engCfg.RequestDelay = time.Millisecond
	eng := engine.New(engCfg, client)

	org := organizer.New(filepath.Join(dataDir, "library"))
	require.NoError(t, org.EnsureLayout())
	meta := metastore.New(filepath.Join(dataDir, "library", ".metadata"), nil)

	cfg := DefaultConfig()
	cfg.ScratchDir = filepath.Join(dataDir, "scratch")

	m, err := New(cfg, log, eng, nil, org, meta, nil)
	require.NoError(t, err)
	return m, log
}

func TestAddTaskStartsQueued(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	task, err := m.AddTask("https://example.com/video", model.VideoInfo{ID: "v1", Title: "Test"}, model.Format{ID: "720p"}, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, task.Status)

	queue := m.GetQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, task.ID, queue[0].ID)
}

func TestAddTaskRejectsEmptyURL(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	_, err := m.AddTask("", model.VideoInfo{}, model.Format{}, "")
	require.Error(t, err)
}

func slowServer(t *testing.T, data []byte, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		time.Sleep(delay)
		w.Write(data)
	})
	return httptest.NewServer(mux)
}

func TestSchedulerAdmitsUpToMaxConcurrent(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, dir)
	m.cfg.MaxConcurrent = 2

	data := []byte("small file content")
	srv := slowServer(t, data, 200*time.Millisecond)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		_, err := m.AddTask(srv.URL+"/file", model.VideoInfo{ID: fmt.Sprintf("v%d", i)}, model.Format{}, "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.runCtx = ctx

	admitted := m.tick()
	assert.Len(t, admitted, 2)

	active := 0
	for _, task := range m.GetQueue() {
		if task.Status == model.StatusDownloading {
			active++
		}
	}
	assert.Equal(t, 2, active)
}

func rangedServerWithDelay(t *testing.T, data []byte, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		time.Sleep(delay)
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(data)
			return
		}
		var start, end int
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	})
	return httptest.NewServer(mux)
}

func TestPauseTaskCancelsActiveDownload(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, dir)

	data := make([]byte, 4*1024*1024)
	srv := rangedServerWithDelay(t, data, 500*time.Millisecond)
	defer srv.Close()

	task, err := m.AddTask(srv.URL+"/file", model.VideoInfo{ID: "v1"}, model.Format{}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.runCtx = ctx
	m.tick()

	require.NoError(t, m.PauseTask(task.ID))

	m.mu.Lock()
	status := m.tasks[task.ID].Status
	m.mu.Unlock()
	assert.Equal(t, model.StatusPaused, status)

	m.activeMu.Lock()
	_, stillActive := m.active[task.ID]
	m.activeMu.Unlock()
	assert.False(t, stillActive)
}

func TestResumeRequeuesFailedTask(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	task, err := m.AddTask("https://example.com/video", model.VideoInfo{ID: "v1"}, model.Format{}, "")
	require.NoError(t, err)

	m.failTask(task.ID, "boom")

	m.mu.Lock()
	assert.Equal(t, model.StatusFailed, m.tasks[task.ID].Status)
	m.mu.Unlock()

	require.NoError(t, m.ResumeTask(task.ID))

	m.mu.Lock()
	assert.Equal(t, model.StatusQueued, m.tasks[task.ID].Status)
	assert.Empty(t, m.tasks[task.ID].FailReason)
	m.mu.Unlock()
}

func TestCancelTaskMovesToTerminalState(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	task, err := m.AddTask("https://example.com/video", model.VideoInfo{ID: "v1"}, model.Format{}, "")
	require.NoError(t, err)

	require.NoError(t, m.CancelTask(task.ID))

	m.mu.Lock()
	assert.Equal(t, model.StatusCancelled, m.tasks[task.ID].Status)
	m.mu.Unlock()
}

func TestRemoveTaskRequiresTerminalState(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	task, err := m.AddTask("https://example.com/video", model.VideoInfo{ID: "v1"}, model.Format{}, "")
	require.NoError(t, err)

	err = m.RemoveTask(task.ID)
	assert.Error(t, err)

	require.NoError(t, m.CancelTask(task.ID))
	require.NoError(t, m.RemoveTask(task.ID))
	assert.Empty(t, m.GetQueue())
}

func TestClearCompletedPrunesOnlyTerminalTasks(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	active, err := m.AddTask("https://example.com/active", model.VideoInfo{ID: "a"}, model.Format{}, "")
	require.NoError(t, err)
	done, err := m.AddTask("https://example.com/done", model.VideoInfo{ID: "d"}, model.Format{}, "")
	require.NoError(t, err)

	require.NoError(t, m.CancelTask(done.ID))
	m.ClearCompleted()

	queue := m.GetQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, active.ID, queue[0].ID)
}

// TestRehydrationReconstructsStateAcrossRestart simulates a crash: one
// manager logs a handful of events, then a brand new manager opens the same
// event log and must reconstruct equivalent state without ever having run
// in-process.
func TestRehydrationReconstructsStateAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	m1, log1 := newTestManager(t, dir)

	queued, err := m1.AddTask("https://example.com/queued", model.VideoInfo{ID: "q1"}, model.Format{}, "")
	require.NoError(t, err)

	crashed, err := m1.AddTask("https://example.com/crashed", model.VideoInfo{ID: "c1"}, model.Format{}, "")
	require.NoError(t, err)
	require.NoError(t, log1.Log(eventlog.Event{Kind: eventlog.KindTaskStarted, TaskID: crashed.ID}))

	done, err := m1.AddTask("https://example.com/done", model.VideoInfo{ID: "d1"}, model.Format{}, "")
	require.NoError(t, err)
	require.NoError(t, log1.Log(eventlog.Event{Kind: eventlog.KindTaskCompleted, TaskID: done.ID, OutputPath: "/lib/done.mp4"}))

	removed, err := m1.AddTask("https://example.com/removed", model.VideoInfo{ID: "r1"}, model.Format{}, "")
	require.NoError(t, err)
	require.NoError(t, log1.Log(eventlog.Event{Kind: eventlog.KindTaskRemoved, TaskID: removed.ID}))

	require.NoError(t, log1.Close())

	m2, _ := newTestManager(t, dir)
	byID := map[string]*model.Task{}
	for _, task := range m2.GetQueue() {
		byID[task.ID] = task
	}

	require.Contains(t, byID, queued.ID)
	assert.Equal(t, model.StatusQueued, byID[queued.ID].Status)

	require.Contains(t, byID, crashed.ID)
	assert.Equal(t, model.StatusPaused, byID[crashed.ID].Status)

	require.Contains(t, byID, done.ID)
	assert.Equal(t, model.StatusCompleted, byID[done.ID].Status)
	assert.Equal(t, "/lib/done.mp4", byID[done.ID].OutputPath)

	assert.NotContains(t, byID, removed.ID)
}

func TestQualityLabelPrefersResolutionOverOpaqueFormatID(t *testing.T) {
	assert.Equal(t, "1080p", qualityLabel(model.Format{ID: "137", Height: 1080}))
	assert.Equal(t, "256kbps", qualityLabel(model.Format{ID: "251", AudioBitrate: 256}))
	assert.Equal(t, "137", qualityLabel(model.Format{ID: "137"}))
}

// TestRehydrationDowngradesResumedTaskToPaused covers the case where a task
// was resumed just before the crash: it must not auto-restart on boot.
func TestRehydrationDowngradesResumedTaskToPaused(t *testing.T) {
	dir := t.TempDir()
	m1, log1 := newTestManager(t, dir)

	resumed, err := m1.AddTask("https://example.com/resumed", model.VideoInfo{ID: "r1"}, model.Format{}, "")
	require.NoError(t, err)
	require.NoError(t, log1.Log(eventlog.Event{Kind: eventlog.KindTaskStarted, TaskID: resumed.ID}))
	require.NoError(t, log1.Log(eventlog.Event{Kind: eventlog.KindTaskPaused, TaskID: resumed.ID}))
	require.NoError(t, log1.Log(eventlog.Event{Kind: eventlog.KindTaskResumed, TaskID: resumed.ID}))

	require.NoError(t, log1.Close())

	m2, _ := newTestManager(t, dir)
	byID := map[string]*model.Task{}
	for _, task := range m2.GetQueue() {
		byID[task.ID] = task
	}

	require.Contains(t, byID, resumed.ID)
	assert.Equal(t, model.StatusPaused, byID[resumed.ID].Status)
}
