package queue

import (
	"github.com/kestrel-dl/kestrel/internal/eventlog"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// rehydrate replays every event in the log into m.tasks/m.order. Caller
// holds no locks; it is only ever invoked from New, before the scheduler
// loop or any public method has a chance to run concurrently.
//
// Rules, applied strictly in log order:
//   - TaskAdded:    insert a fresh task, status Queued, using the logged
//     snapshot for source/info/format/output_path.
//   - TaskStarted:  a task that crashed mid-download never left the
//     process; on restart it is neither Queued nor actively downloading
//     anywhere, so it is treated the same as a Paused task: kept and
//     resumable via ResumeTask/ResumeAll rather than silently dropped.
//   - TaskPaused:   task moves to Paused.
//   - TaskResumed:  a task that was resumed just before a crash never left
//     the process either; it moves to Paused, same as TaskStarted, so we
//     never auto-restart a task on boot. Resuming it again is a deliberate
//     user action, not something this replay decides for them.
//   - TaskCompleted: task moves to Completed, output_path set.
//   - TaskFailed:   task moves to Failed, fail_reason set.
//   - TaskRemoved:  task is dropped from the map entirely (covers both
//     RemoveTask and CancelTask, which share this event kind).
//
// Malformed or unrecognized events are skipped; eventlog.ReadAll already
// tolerates corrupt lines, so this only has to handle well-formed events
// referencing unknown task ids (skipped) or multiple TaskAdded for the
// same id (last one wins).
func (m *Manager) rehydrate() error {
	events, err := m.log.ReadAll()
	if err != nil {
		return err
	}

	for _, ev := range events {
		switch ev.Kind {
		case eventlog.KindTaskAdded:
			if ev.Task == nil {
				continue
			}
			task := ev.Task.Clone()
			task.Status = model.StatusQueued
			task.FailReason = ""
			if _, exists := m.tasks[task.ID]; !exists {
				m.order = append(m.order, task.ID)
			}
			m.tasks[task.ID] = task

		case eventlog.KindTaskStarted, eventlog.KindTaskPaused:
			if t, ok := m.tasks[ev.TaskID]; ok {
				t.Status = model.StatusPaused
			}

		case eventlog.KindTaskResumed:
			if t, ok := m.tasks[ev.TaskID]; ok {
				t.Status = model.StatusPaused
				t.FailReason = ""
			}

		case eventlog.KindTaskCompleted:
			if t, ok := m.tasks[ev.TaskID]; ok {
				t.Status = model.StatusCompleted
				t.OutputPath = ev.OutputPath
			}

		case eventlog.KindTaskFailed:
			if t, ok := m.tasks[ev.TaskID]; ok {
				t.Status = model.StatusFailed
				t.FailReason = ev.Error
			}

		case eventlog.KindTaskRemoved:
			if _, ok := m.tasks[ev.TaskID]; ok {
				delete(m.tasks, ev.TaskID)
				m.removeFromOrder(ev.TaskID)
			}
		}
	}

	m.sortTasksByAddedAt()
	return nil
}
