// Package queue serializes assistant invocations per chat: strict FIFO,
// one task in flight per conversation, bounded backlog, cooperative
// cancellation of the running subprocess.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rigelfalcon/ccdd/chat"
)

const (
	DefaultMaxQueue    = 10
	DefaultMaxPrompt   = 10000
	DefaultKillGrace   = 5 * time.Second
	DefaultTaskTimeout = 10 * time.Minute
)

var (
	ErrQueueFull   = errors.New("queue: chat queue is full")
	ErrInvalidTask = errors.New("queue: invalid task")
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
)

// Task is one pending or running assistant invocation. Tasks live only in
// memory; a process restart drops every queue.
type Task struct {
	ID         string
	Chat       chat.Key
	Prompt     string
	ProjectDir string
	SessionID  string
	AddedAt    time.Time
	Status     TaskStatus
	StartedAt  time.Time
}

// ProcessHandle is the cancellation surface of a running subprocess.
// Terminate asks politely, Kill does not, and Done is closed once the
// process has exited so the kill-grace timer can stand down.
type ProcessHandle interface {
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

type chatQueue struct {
	tasks      []*Task
	processing bool
	current    *Task
	handle     ProcessHandle
}

type Options struct {
	MaxQueue  int
	MaxPrompt int
	KillGrace time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager owns every per-chat queue. All mutating operations serialize on
// one mutex so the one-task-per-chat and max-length invariants hold under
// concurrent enqueues.
type Manager struct {
	maxQueue  int
	maxPrompt int
	killGrace time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	chats map[chat.Key]*chatQueue
}

func NewManager(opts Options) *Manager {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.MaxPrompt <= 0 {
		opts.MaxPrompt = DefaultMaxPrompt
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		maxQueue:  opts.MaxQueue,
		maxPrompt: opts.MaxPrompt,
		killGrace: opts.KillGrace,
		logger:    opts.Logger,
		now:       opts.Now,
		chats:     make(map[chat.Key]*chatQueue),
	}
}

// Enqueue validates and appends a task. The returned position is 1-based
// and counts any currently processing task.
func (m *Manager) Enqueue(key chat.Key, prompt, projectDir, sessionID string) (*Task, int, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, 0, fmt.Errorf("%w: empty prompt", ErrInvalidTask)
	}
	if len(prompt) > m.maxPrompt {
		return nil, 0, fmt.Errorf("%w: prompt is %d characters, limit %d", ErrInvalidTask, len(prompt), m.maxPrompt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.chatLocked(key)
	if len(q.tasks) >= m.maxQueue {
		return nil, 0, fmt.Errorf("%w: %d tasks already queued", ErrQueueFull, len(q.tasks))
	}

	now := m.now()
	task := &Task{
		ID:         newTaskID(now),
		Chat:       key,
		Prompt:     prompt,
		ProjectDir: projectDir,
		SessionID:  sessionID,
		AddedAt:    now,
		Status:     TaskPending,
	}
	q.tasks = append(q.tasks, task)
	return task, len(q.tasks), nil
}

// DispatchNext marks the head task processing and returns it. It returns
// nil while a task is already processing or when the queue is empty; the
// caller runs the task and must call Complete exactly once afterwards.
func (m *Manager) DispatchNext(key chat.Key) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.chatLocked(key)
	if q.processing || len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	task.Status = TaskProcessing
	task.StartedAt = m.now()
	q.processing = true
	q.current = task
	return task
}

// RegisterProcess attaches the running subprocess to the current task so
// CancelCurrent can terminate it. A no-op when nothing is processing.
func (m *Manager) RegisterProcess(key chat.Key, handle ProcessHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.chatLocked(key)
	if !q.processing {
		return
	}
	q.handle = handle
}

// Complete removes the task wherever it sits and, if it was the one
// processing, resets the chat to idle. Completing a task that a racing
// cancel already removed is a no-op; the return value reports whether the
// task was still in the queue.
func (m *Manager) Complete(key chat.Key, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.chatLocked(key)
	found := false
	for i, task := range q.tasks {
		if task.ID != taskID {
			continue
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		found = true
		break
	}
	if q.current != nil && q.current.ID == taskID {
		q.processing = false
		q.current = nil
		q.handle = nil
	}
	return found
}

// CancelResult reports the outcome of CancelCurrent.
type CancelResult struct {
	OK      bool
	TaskID  string
	Message string
}

// CancelCurrent terminates the task currently processing, if any. The
// subprocess gets a graceful signal and a kill-grace window; the forced
// kill stands down if the process exits first. Termination failures are
// logged, never returned: cancellation is best-effort, and the queue state
// is reset to idle either way.
func (m *Manager) CancelCurrent(key chat.Key) CancelResult {
	m.mu.Lock()
	q := m.chatLocked(key)
	if !q.processing || q.current == nil {
		m.mu.Unlock()
		return CancelResult{OK: false, Message: "No task is currently running."}
	}

	task := q.current
	handle := q.handle
	for i, t := range q.tasks {
		if t.ID == task.ID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	q.processing = false
	q.current = nil
	q.handle = nil
	m.mu.Unlock()

	if handle != nil {
		m.terminate(key, task.ID, handle)
	}
	return CancelResult{OK: true, TaskID: task.ID, Message: "Task cancelled."}
}

func (m *Manager) terminate(key chat.Key, taskID string, handle ProcessHandle) {
	if err := handle.Terminate(); err != nil {
		m.logger.Warn("task_terminate_error", "chat", key.String(), "task_id", taskID, "error", err.Error())
	}
	go func() {
		grace := time.NewTimer(m.killGrace)
		defer grace.Stop()
		select {
		case <-handle.Done():
			// Exited within the grace window; nothing to kill.
		case <-grace.C:
			if err := handle.Kill(); err != nil {
				m.logger.Warn("task_kill_error", "chat", key.String(), "task_id", taskID, "error", err.Error())
			} else {
				m.logger.Info("task_killed_after_grace", "chat", key.String(), "task_id", taskID)
			}
		}
	}()
}

// ClearQueue drops every pending task, preserving the processing one.
func (m *Manager) ClearQueue(key chat.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.chatLocked(key)
	kept := q.tasks[:0]
	cleared := 0
	for _, task := range q.tasks {
		if task.Status == TaskProcessing {
			kept = append(kept, task)
			continue
		}
		cleared++
	}
	q.tasks = kept
	return cleared
}

func (m *Manager) chatLocked(key chat.Key) *chatQueue {
	q, ok := m.chats[key]
	if !ok {
		q = &chatQueue{}
		m.chats[key] = q
	}
	return q
}

// newTaskID builds a time-ordered id with a random suffix. Unique enough
// within one process lifetime, which is all the in-memory queue needs.
func newTaskID(now time.Time) string {
	return fmt.Sprintf("%d-%06x", now.UnixMilli(), rand.Uint32()%0x1000000)
}
