// Package queue implements the per-task finite state machine, the
// concurrency-bounded scheduler, and crash recovery (C8): the Queue Manager.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-dl/kestrel/internal/engine"
	"github.com/kestrel-dl/kestrel/internal/eventlog"
	"github.com/kestrel-dl/kestrel/internal/extractorrunner"
	"github.com/kestrel-dl/kestrel/internal/kerrors"
	"github.com/kestrel-dl/kestrel/internal/metastore"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/organizer"
)

// activeEntry is the placeholder the scheduler tick inserts atomically
// before a task's status flips to Downloading. Its presence in Manager.active
// is, together with status, the invariant `status == Downloading ⇔ task ∈
// active_map`.
type activeEntry struct {
	cancel context.CancelFunc
}

// Listener receives task status and progress notifications; the backend
// command/event actor is the intended subscriber.
type Listener func(TaskEvent)

// TaskEventKind names the category of a TaskEvent.
type TaskEventKind string

const (
	EventStatusChanged TaskEventKind = "status"
	EventProgress      TaskEventKind = "progress"
)

// TaskEvent is pushed to the registered Listener on any status transition or
// progress sample.
type TaskEvent struct {
	Kind     TaskEventKind
	Task     *model.Task
	Progress model.Progress
}

// Manager is the single owner of the task collection and the active map. Its
// lock hierarchy is strict: queueLock (mu) before activeMapLock (activeMu).
// No code path may acquire them in the reverse order.
type Manager struct {
	mu    sync.Mutex // queueLock, level 2
	tasks map[string]*model.Task
	order []string // task ids in added_at order

	activeMu sync.Mutex // activeMapLock, level 1
	active   map[string]*activeEntry

	cfg       Config
	log       *eventlog.Log
	engine    *engine.Engine
	extractor extractorrunner.Extractor
	organizer *organizer.Organizer
	meta      *metastore.Store
	logger    *slog.Logger

	listener Listener
	listenMu sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
}

// New constructs a Manager, rehydrating state from the event log.
func New(cfg Config, log *eventlog.Log, eng *engine.Engine, extractor extractorrunner.Extractor, org *organizer.Organizer, meta *metastore.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		tasks:     make(map[string]*model.Task),
		active:    make(map[string]*activeEntry),
		cfg:       cfg,
		log:       log,
		engine:    eng,
		extractor: extractor,
		organizer: org,
		meta:      meta,
		logger:    logger,
	}
	if err := m.rehydrate(); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateConfig swaps the manager's tunables under queueLock, read by the next
// scheduler tick; admitted-but-running downloads keep the engine settings
// they started with. Also pushes the segment/retry/resume settings through
// to the underlying engine so a config reload changes segment counts for the
// next admitted task too, not just max_concurrent.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	if m.engine != nil {
		m.engine.UpdateConfig(engine.Config{
			MaxSegments:   cfg.MaxSegments,
			RetryAttempts: cfg.RetryAttempts,
			RetryDelay:    cfg.RetryDelay,
			RequestDelay:  cfg.RequestDelay,
			EnableResume:  cfg.EnableResume,
		})
	}
}

// SetListener registers the single subscriber for task events.
func (m *Manager) SetListener(l Listener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listener = l
}

func (m *Manager) notify(ev TaskEvent) {
	m.listenMu.Lock()
	l := m.listener
	m.listenMu.Unlock()
	if l != nil {
		l(ev)
	}
}

// Start launches the scheduler loop: tick, then sleep 500ms, with an
// additional 1s idle backoff when nothing was admitted in that tick.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		for {
			select {
			case <-m.runCtx.Done():
				return
			default:
			}
			admitted := m.tick()
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.runCtx.Done():
				return
			}
			if len(admitted) == 0 {
				select {
				case <-time.After(time.Second):
				case <-m.runCtx.Done():
					return
				}
			}
		}
	}()
}

// Stop cancels the scheduler loop and waits for every in-flight goroutine it
// spawned to return. Each download's context derives from the loop's
// context, so in-flight downloads are cancelled by Stop as well.
func (m *Manager) Stop() {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.loopWG.Wait()
}

// AddTask validates and enqueues a new task in state Queued.
func (m *Manager) AddTask(sourceURL string, info model.VideoInfo, format model.Format, outputPath string) (*model.Task, error) {
	if sourceURL == "" {
		return nil, fmt.Errorf("%w: source URL must not be empty", kerrors.ErrValidation)
	}

	task := &model.Task{
		ID:         uuid.NewString(),
		SourceURL:  sourceURL,
		Info:       info,
		Format:     format,
		OutputPath: outputPath,
		Status:     model.StatusQueued,
		AddedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	snapshot := task.Clone()
	m.mu.Unlock()

	if err := m.log.Log(eventlog.Event{
		Kind:       eventlog.KindTaskAdded,
		TaskID:     task.ID,
		Task:       task,
		Format:     &format,
		OutputPath: outputPath,
	}); err != nil {
		m.logger.Error("failed to log TaskAdded", "task_id", task.ID, "error", err)
	}

	m.notify(TaskEvent{Kind: EventStatusChanged, Task: snapshot})
	return task, nil
}

// GetQueue returns a snapshot of every task, in added_at order.
func (m *Manager) GetQueue() []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0, len(m.order))
	for _, id := range m.order {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// PauseTask implements the Pause operation: a Downloading task's segment
// goroutines are cancelled cooperatively and the task returns to Paused; a
// Queued task simply moves to Paused without ever having started.
func (m *Manager) PauseTask(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s not found", kerrors.ErrValidation, id)
	}
	wasDownloading := task.Status == model.StatusDownloading
	task.Status = model.StatusPaused
	snapshot := task.Clone()
	m.mu.Unlock()

	if wasDownloading {
		m.activeMu.Lock()
		if entry, ok := m.active[id]; ok {
			entry.cancel()
			delete(m.active, id)
		}
		m.activeMu.Unlock()
	}

	if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskPaused, TaskID: id}); err != nil {
		m.logger.Error("failed to log TaskPaused", "task_id", id, "error", err)
	}
	m.notify(TaskEvent{Kind: EventStatusChanged, Task: snapshot})
	return nil
}

// ResumeTask implements the Resume operation: a Paused or Failed task
// returns to Queued, to be picked up by the next scheduler tick.
func (m *Manager) ResumeTask(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s not found", kerrors.ErrValidation, id)
	}
	if task.Status == model.StatusPaused || task.Status == model.StatusFailed {
		task.Status = model.StatusQueued
		task.FailReason = ""
	}
	snapshot := task.Clone()
	m.mu.Unlock()

	if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskResumed, TaskID: id}); err != nil {
		m.logger.Error("failed to log TaskResumed", "task_id", id, "error", err)
	}
	m.notify(TaskEvent{Kind: EventStatusChanged, Task: snapshot})
	m.tick()
	return nil
}

// CancelTask implements the Cancel operation: an active task is stopped in
// place and moved to the terminal Cancelled state.
func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s not found", kerrors.ErrValidation, id)
	}
	wasDownloading := task.Status == model.StatusDownloading
	task.Status = model.StatusCancelled
	snapshot := task.Clone()
	m.mu.Unlock()

	if wasDownloading {
		m.activeMu.Lock()
		if entry, ok := m.active[id]; ok {
			entry.cancel()
			delete(m.active, id)
		}
		m.activeMu.Unlock()
	}

	if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskRemoved, TaskID: id}); err != nil {
		m.logger.Error("failed to log TaskRemoved (cancel)", "task_id", id, "error", err)
	}
	m.notify(TaskEvent{Kind: EventStatusChanged, Task: snapshot})
	return nil
}

// RemoveTask prunes a terminal task from the in-memory queue.
func (m *Manager) RemoveTask(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s not found", kerrors.ErrValidation, id)
	}
	if !task.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s is not in a terminal state", kerrors.ErrValidation, id)
	}
	delete(m.tasks, id)
	m.removeFromOrder(id)
	m.mu.Unlock()

	if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskRemoved, TaskID: id}); err != nil {
		m.logger.Error("failed to log TaskRemoved", "task_id", id, "error", err)
	}
	return nil
}

// ClearCompleted prunes every terminal task.
func (m *Manager) ClearCompleted() {
	m.mu.Lock()
	var removed []string
	for id, t := range m.tasks {
		if t.Status.IsTerminal() {
			removed = append(removed, id)
			delete(m.tasks, id)
		}
	}
	for _, id := range removed {
		m.removeFromOrder(id)
	}
	m.mu.Unlock()

	for _, id := range removed {
		if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskRemoved, TaskID: id}); err != nil {
			m.logger.Error("failed to log TaskRemoved (clear)", "task_id", id, "error", err)
		}
	}
}

// ResumeAll resumes every Paused or Failed task, e.g. after a restart.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	var ids []string
	for id, t := range m.tasks {
		if t.Status == model.StatusPaused || t.Status == model.StatusFailed {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.ResumeTask(id)
	}
}

// removeFromOrder deletes id from m.order. Caller must hold m.mu.
func (m *Manager) removeFromOrder(id string) {
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// sortTasksByAddedAt re-sorts m.order by each task's AddedAt. Caller must
// hold m.mu. Used by rehydrate after replaying the log out of id order.
func (m *Manager) sortTasksByAddedAt() {
	sort.SliceStable(m.order, func(i, j int) bool {
		a, b := m.tasks[m.order[i]], m.tasks[m.order[j]]
		if a == nil || b == nil {
			return false
		}
		return a.AddedAt.Before(b.AddedAt)
	})
}

// admission pairs a task admitted by tick with the context its download
// goroutine should observe, so a Pause/Cancel racing with admission still
// reaches the right cancel func.
type admission struct {
	task *model.Task
	ctx  context.Context
}

// tick runs one scheduler admission pass and returns the ids admitted in
// this pass. Both locks are acquired in the fixed order (queueLock, then
// activeMapLock); the zombie check and admission reservation happen inside
// that section; both locks are released before any engine is spawned.
func (m *Manager) tick() []string {
	m.mu.Lock()
	m.activeMu.Lock()

	for id, t := range m.tasks {
		if t.Status == model.StatusDownloading {
			if _, ok := m.active[id]; !ok {
				t.Status = model.StatusFailed
				t.FailReason = "internal: task lost"
				m.logger.Error("zombie task detected, marking failed", "task_id", id)
			}
		}
	}

	activeCount := 0
	for _, t := range m.tasks {
		if t.Status == model.StatusDownloading {
			activeCount++
		}
	}
	toAdmit := m.cfg.MaxConcurrent - activeCount

	var admissions []admission
	if toAdmit > 0 {
		for _, id := range m.order {
			if toAdmit <= 0 {
				break
			}
			t := m.tasks[id]
			if t == nil || t.Status != model.StatusQueued {
				continue
			}
			ctx, cancel := context.WithCancel(m.runCtx)
			m.active[id] = &activeEntry{cancel: cancel}
			t.Status = model.StatusDownloading
			admissions = append(admissions, admission{task: t, ctx: ctx})
			toAdmit--
		}
	}

	m.activeMu.Unlock()
	m.mu.Unlock()

	admittedIDs := make([]string, 0, len(admissions))
	for _, a := range admissions {
		admittedIDs = append(admittedIDs, a.task.ID)
		if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskStarted, TaskID: a.task.ID}); err != nil {
			m.logger.Error("failed to log TaskStarted", "task_id", a.task.ID, "error", err)
		}
		m.notify(TaskEvent{Kind: EventStatusChanged, Task: a.task.Clone()})

		m.loopWG.Add(1)
		go func(t *model.Task, ctx context.Context) {
			defer m.loopWG.Done()
			m.runDownload(ctx, t)
		}(a.task, a.ctx)
	}

	return admittedIDs
}

// runDownload drives one admitted task through the engine (falling back to
// the extractor on ErrNeedsExtractor) and, on success, the organizer and
// metadata store.
func (m *Manager) runDownload(ctx context.Context, task *model.Task) {
	scratchDir := filepath.Join(m.cfg.ScratchDir, task.ID)
	scratchPath := filepath.Join(scratchDir, "final.scratch")

	sink := engine.SinkFunc(func(downloaded, total int64, speed float64, segDone, segTotal int) {
		m.notify(TaskEvent{
			Kind: EventProgress,
			Task: task.Clone(),
			Progress: model.Progress{
				TotalBytes:        total,
				DownloadedBytes:   downloaded,
				SpeedBytesPerSec:  speed,
				Status:            model.ProgressDownloading,
				SegmentsCompleted: segDone,
				TotalSegments:     segTotal,
			},
		})
	})

	err := m.engine.Download(ctx, resolveDownloadURL(task), scratchPath, scratchDir, sink)
	if err != nil && isNeedsExtractor(err) {
		err = m.runExtractorFallback(ctx, task, scratchPath, sink)
	}

	if ctx.Err() != nil {
		// Cancelled or paused out from under us; CancelTask/PauseTask already
		// updated status and emitted the relevant event.
		return
	}

	if err != nil {
		m.failTask(task.ID, err.Error())
		return
	}

	m.completeTask(task, scratchPath)
}

func isNeedsExtractor(err error) bool {
	for err != nil {
		if err == engine.ErrNeedsExtractor {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func resolveDownloadURL(task *model.Task) string {
	if task.Format.DirectURL != "" {
		return task.Format.DirectURL
	}
	return task.SourceURL
}

// runExtractorFallback hands a task off to the external extractor when the
// engine reports ErrNeedsExtractor (adaptive manifest or failed probe).
func (m *Manager) runExtractorFallback(ctx context.Context, task *model.Task, scratchPath string, sink engine.Sink) error {
	runner, ok := m.extractor.(*extractorrunner.Runner)
	if !ok || runner == nil {
		return fmt.Errorf("%w: no extractor configured", kerrors.ErrValidation)
	}
	result := runner.StartDownload(ctx, task.SourceURL, scratchPath, func(p extractorrunner.ParsedProgress) {
		if sink != nil {
			sink.OnProgress(p.DownloadedBytes, p.TotalBytes, p.RateBytesPerSec, 0, 1)
		}
	})
	if !result.Success {
		return fmt.Errorf("%w: extractor fallback failed: %s", kerrors.ErrTransport, result.Error)
	}
	return nil
}

func (m *Manager) failTask(id, reason string) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	var snapshot *model.Task
	if ok {
		task.Status = model.StatusFailed
		task.FailReason = reason
		snapshot = task.Clone()
	}
	m.mu.Unlock()

	m.activeMu.Lock()
	delete(m.active, id)
	m.activeMu.Unlock()

	if err := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskFailed, TaskID: id, Error: reason}); err != nil {
		m.logger.Error("failed to log TaskFailed", "task_id", id, "error", err)
	}
	if ok {
		m.notify(TaskEvent{Kind: EventStatusChanged, Task: snapshot})
	}
}

// completeTask implements the completion path: organize, write metadata
// (non-fatal on failure), then mark Completed regardless of organizer
// outcome.
func (m *Manager) completeTask(task *model.Task, scratchPath string) {
	finalPath := scratchPath
	quality := qualityLabel(task.Format)

	placed, err := m.organizer.Place(organizer.PlaceRequest{
		ScratchPath: scratchPath,
		ContentType: organizer.ContentVideo,
		Title:       task.Info.Title,
		SourceURL:   task.SourceURL,
		Quality:     quality,
		VideoID:     task.Info.ID,
		Extension:   filepath.Ext(scratchPath),
		When:        time.Now(),
	})
	if err != nil {
		m.logger.Warn("organizer failed, leaving artifact at scratch path", "task_id", task.ID, "error", err)
	} else {
		finalPath = placed
		if m.meta != nil {
			metaErr := m.meta.Save(metastore.Document{
				VideoID:        task.Info.ID,
				Title:          task.Info.Title,
				SourceURL:      task.SourceURL,
				SourcePlatform: organizer.DetectSourcePlatform(task.SourceURL),
				Container:      filepath.Ext(finalPath),
				QualityTier:    string(organizer.VideoQualityTier(quality)),
				ContentType:    "video",
				DownloadedAt:   time.Now().UTC(),
			})
			if metaErr != nil {
				m.logger.Warn("failed to write metadata sidecar", "task_id", task.ID, "error", metaErr)
			}
		}
	}

	m.mu.Lock()
	task.OutputPath = finalPath
	task.Status = model.StatusCompleted
	snapshot := task.Clone()
	m.mu.Unlock()

	m.activeMu.Lock()
	delete(m.active, task.ID)
	m.activeMu.Unlock()

	if logErr := m.log.Log(eventlog.Event{Kind: eventlog.KindTaskCompleted, TaskID: task.ID, OutputPath: finalPath}); logErr != nil {
		m.logger.Error("failed to log TaskCompleted", "task_id", task.ID, "error", logErr)
	}
	m.notify(TaskEvent{Kind: EventStatusChanged, Task: snapshot})
}

// qualityLabel derives a resolution/bitrate label the organizer can bucket
// into a tier. Format.ID is the extractor's opaque selection id (e.g.
// yt-dlp's "137") and carries no resolution information, so it must never be
// fed to VideoQualityTier directly.
func qualityLabel(f model.Format) string {
	if f.Height > 0 {
		return fmt.Sprintf("%dp", f.Height)
	}
	if f.VideoBitrate == 0 && f.AudioBitrate > 0 {
		return fmt.Sprintf("%dkbps", f.AudioBitrate)
	}
	return f.ID
}
