// Package actor implements the backend command/event actor (C9): a single
// goroutine owns the queue manager and the extractor client, consuming
// typed commands off a mailbox and publishing typed events to every
// subscriber. Callers (the CLI today, a future TUI or IPC front end
// tomorrow) never touch the queue manager directly.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrel-dl/kestrel/internal/extractorrunner"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/queue"
)

// Command is the mailbox message type. Concrete commands implement it by
// embedding commandBase; each command declares its own reply channel.
type Command interface {
	isCommand()
}

type commandBase struct{}

func (commandBase) isCommand() {}

// ExtractInfo asks the extractor for a video's info without downloading it.
type ExtractInfo struct {
	commandBase
	URL   string
	Reply chan<- ExtractResult
}

// ExtractResult answers an ExtractInfo command.
type ExtractResult struct {
	Info model.VideoInfo
	Err  error
}

// StartDownload enqueues a new task for the queue manager.
type StartDownload struct {
	commandBase
	URL        string
	Info       model.VideoInfo
	Format     model.Format
	OutputPath string
	Reply      chan<- TaskResult
}

// TaskResult answers a StartDownload (or any command returning one task).
type TaskResult struct {
	Task *model.Task
	Err  error
}

// Pause, Resume, Cancel, and Remove each target one task by id.
type Pause struct {
	commandBase
	ID    string
	Reply chan<- error
}

type Resume struct {
	commandBase
	ID    string
	Reply chan<- error
}

type Cancel struct {
	commandBase
	ID    string
	Reply chan<- error
}

type Remove struct {
	commandBase
	ID    string
	Reply chan<- error
}

// ClearCompleted prunes every terminal task.
type ClearCompleted struct {
	commandBase
	Done chan<- struct{}
}

// ResumeAll resumes every Paused or Failed task.
type ResumeAll struct {
	commandBase
	Done chan<- struct{}
}

// ListQueue snapshots every task currently tracked.
type ListQueue struct {
	commandBase
	Reply chan<- []*model.Task
}

// EventKind names the category of an Event pushed to subscribers.
type EventKind string

const (
	EventExtractionStarted EventKind = "extraction_started"
	EventExtractionDone    EventKind = "extraction_done"
	EventDownloadStarted   EventKind = "download_started"
	EventDownloadProgress  EventKind = "download_progress"
	EventDownloadCompleted EventKind = "download_completed"
	EventDownloadFailed    EventKind = "download_failed"
	EventTaskStatusUpdated EventKind = "task_status_updated"
	EventError             EventKind = "error"
)

// Event is broadcast to every subscriber registered via Subscribe.
type Event struct {
	Kind     EventKind
	Task     *model.Task
	Progress model.Progress
	Err      error
}

// Subscriber receives every Event the actor publishes. It must not block for
// long; subscribers are called synchronously on whichever goroutine publishes
// the event (the loop, an extraction goroutine, or a queue manager callback),
// so a subscriber may be called concurrently.
type Subscriber func(Event)

// Actor owns the queue manager and extractor, draining its mailbox on a
// single goroutine so neither needs its own locking beyond what queue.Manager
// already does internally.
type Actor struct {
	mailbox   chan Command
	manager   *queue.Manager
	extractor extractorrunner.Extractor
	logger    *slog.Logger

	subMu sync.Mutex
	subs  []Subscriber

	wg sync.WaitGroup
}

// New builds an Actor around an already-constructed queue.Manager and
// extractor client. Call Run to start draining the mailbox, and Subscribe
// before Run if you don't want to miss early events.
func New(manager *queue.Manager, extractor extractorrunner.Extractor, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		mailbox:   make(chan Command, 64),
		manager:   manager,
		extractor: extractor,
		logger:    logger,
	}
	manager.SetListener(a.onTaskEvent)
	return a
}

// Subscribe registers a subscriber. It is safe to call at any time: the list
// is guarded by a mutex and publish iterates a copy, so a subscriber added
// while an event is being published receives only later events.
func (a *Actor) Subscribe(s Subscriber) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subs = append(a.subs, s)
}

func (a *Actor) publish(ev Event) {
	a.subMu.Lock()
	subs := append([]Subscriber(nil), a.subs...)
	a.subMu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}

func (a *Actor) onTaskEvent(ev queue.TaskEvent) {
	switch ev.Kind {
	case queue.EventProgress:
		a.publish(Event{Kind: EventDownloadProgress, Task: ev.Task, Progress: ev.Progress})
	case queue.EventStatusChanged:
		kind := EventTaskStatusUpdated
		switch ev.Task.Status {
		case model.StatusDownloading:
			kind = EventDownloadStarted
		case model.StatusCompleted:
			kind = EventDownloadCompleted
		case model.StatusFailed:
			kind = EventDownloadFailed
		}
		a.publish(Event{Kind: kind, Task: ev.Task})
	}
}

// Run starts the scheduler loop and drains the mailbox until ctx is
// cancelled. It blocks; call it from its own goroutine.
func (a *Actor) Run(ctx context.Context) {
	a.manager.Start(ctx)
	defer a.manager.Stop()
	defer a.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.mailbox:
			a.handle(ctx, cmd)
		}
	}
}

// Send delivers a command to the mailbox, blocking if it is full.
func (a *Actor) Send(cmd Command) {
	a.mailbox <- cmd
}

func (a *Actor) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case ExtractInfo:
		// Extraction shells out to the external extractor and can legitimately
		// run for the full extractor timeout; it must not block the mailbox
		// loop, so it runs on its own goroutine.
		a.publish(Event{Kind: EventExtractionStarted})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			var info model.VideoInfo
			var err error
			if a.extractor == nil {
				err = fmt.Errorf("no extractor configured")
			} else {
				info, err = a.extractor.ExtractInfo(ctx, c.URL)
			}
			if err != nil {
				a.publish(Event{Kind: EventError, Err: err})
			} else {
				a.publish(Event{Kind: EventExtractionDone})
			}
			if c.Reply != nil {
				c.Reply <- ExtractResult{Info: info, Err: err}
			}
		}()

	case StartDownload:
		task, err := a.manager.AddTask(c.URL, c.Info, c.Format, c.OutputPath)
		if err != nil {
			a.publish(Event{Kind: EventError, Err: err})
		}
		if c.Reply != nil {
			c.Reply <- TaskResult{Task: task, Err: err}
		}

	case Pause:
		err := a.manager.PauseTask(c.ID)
		if c.Reply != nil {
			c.Reply <- err
		}

	case Resume:
		err := a.manager.ResumeTask(c.ID)
		if c.Reply != nil {
			c.Reply <- err
		}

	case Cancel:
		err := a.manager.CancelTask(c.ID)
		if c.Reply != nil {
			c.Reply <- err
		}

	case Remove:
		err := a.manager.RemoveTask(c.ID)
		if c.Reply != nil {
			c.Reply <- err
		}

	case ClearCompleted:
		a.manager.ClearCompleted()
		if c.Done != nil {
			c.Done <- struct{}{}
		}

	case ResumeAll:
		a.manager.ResumeAll()
		if c.Done != nil {
			c.Done <- struct{}{}
		}

	case ListQueue:
		if c.Reply != nil {
			c.Reply <- a.manager.GetQueue()
		}

	default:
		a.logger.Warn("actor received unrecognized command", "type", fmt.Sprintf("%T", cmd))
	}
}
