// Package eventlog implements the append-only JSON-lines journal that makes
// the queue crash-recoverable (C1). Every mutation the queue manager makes is
// logged here before it is considered durable; on restart the log is replayed
// to reconstruct in-memory state.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/kerrors"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// EventKind names one of the seven queue event variants.
type EventKind string

const (
	KindTaskAdded     EventKind = "TaskAdded"
	KindTaskStarted   EventKind = "TaskStarted"
	KindTaskPaused    EventKind = "TaskPaused"
	KindTaskResumed   EventKind = "TaskResumed"
	KindTaskCompleted EventKind = "TaskCompleted"
	KindTaskFailed    EventKind = "TaskFailed"
	KindTaskRemoved   EventKind = "TaskRemoved"
)

// Event is one append-only queue event record. Fields unused by a given Kind
// are left zero-valued; this mirrors a tagged union with one JSON shape,
// which keeps the on-disk format a single flat object per line.
type Event struct {
	Kind       EventKind       `json:"kind"`
	TaskID     string          `json:"task_id"`
	Timestamp  time.Time       `json:"ts"`
	Task       *model.Task     `json:"task,omitempty"`
	Format     *model.Format   `json:"format,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Log is the single owner of the journal writer. All writes are serialized by
// mu and flushed (Sync'd) before Log returns, per C1's durability guarantee.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	logger   *slog.Logger
}

// Open creates (or appends to) events.jsonl under dataDir.
func Open(dataDir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create app-data dir: %v", kerrors.ErrIO, err)
	}
	path := filepath.Join(dataDir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open event log: %v", kerrors.ErrIO, err)
	}
	return &Log{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		logger: logger,
	}, nil
}

// Log appends one event, terminates it with a newline, and flushes to disk
// before returning. A successful return guarantees durability of this event.
func (l *Log) Log(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", kerrors.ErrParse, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("%w: write event: %v", kerrors.ErrIO, err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: write newline: %v", kerrors.ErrIO, err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush event: %v", kerrors.ErrIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync event log: %v", kerrors.ErrIO, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// ReadAll replays every well-formed event in the log, in file order. Lines
// that fail to parse are logged as a warning and skipped; a corrupt line
// never fails the whole read.
func (l *Log) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open event log for read: %v", kerrors.ErrIO, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.logger.Warn("skipping corrupt event log line", "line", lineNo, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("%w: scan event log: %v", kerrors.ErrIO, err)
	}
	return events, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
