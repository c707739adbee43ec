// Package bridge glues the stores, the task queue and the invoker into one
// platform-independent message handler consumed by the chat adapters.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rigelfalcon/ccdd/chat"
	"github.com/rigelfalcon/ccdd/claude"
	"github.com/rigelfalcon/ccdd/internal/fsstore"
	"github.com/rigelfalcon/ccdd/queue"
	"github.com/rigelfalcon/ccdd/session"
	"github.com/rigelfalcon/ccdd/shortcut"
)

// ReplyFunc delivers one outbound message to the originating chat. The
// adapter owns formatting constraints like maximum message length.
type ReplyFunc func(text string)

type Config struct {
	// DefaultProjectDir is used when a chat has not set /project yet.
	DefaultProjectDir string
	// TaskTimeout is the per-invocation deadline handed to the invoker.
	TaskTimeout time.Duration
	// HistoryPath, when set, appends one JSONL record per finished task.
	HistoryPath string
}

// Handler routes inbound messages: built-in commands, shortcut expansion,
// then the default path of queueing an assistant invocation.
type Handler struct {
	sessions  *session.Store
	shortcuts *shortcut.Store
	tasks     *queue.Manager
	invoker   *claude.Invoker
	logger    *slog.Logger
	cfg       Config
	history   *fsstore.JSONLWriter
}

func NewHandler(sessions *session.Store, shortcuts *shortcut.Store, tasks *queue.Manager, invoker *claude.Invoker, logger *slog.Logger, cfg Config) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sessions:  sessions,
		shortcuts: shortcuts,
		tasks:     tasks,
		invoker:   invoker,
		logger:    logger,
		cfg:       cfg,
	}
	if cfg.HistoryPath != "" {
		w, err := fsstore.NewJSONLWriter(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("bridge history: %w", err)
		}
		h.history = w
	}
	return h, nil
}

// Close flushes the session store and history log. Adapters call it on
// graceful shutdown so the last debounce window is not lost.
func (h *Handler) Close() error {
	var firstErr error
	if err := h.sessions.Close(); err != nil {
		firstErr = err
	}
	if h.history != nil {
		if err := h.history.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleMessage processes one inbound text message. Command replies are
// synchronous; prompts are queued and answered from the dispatch loop.
func (h *Handler) HandleMessage(ctx context.Context, key chat.Key, text string, reply ReplyFunc) {
	if cmd, args, ok := parseCommand(text); ok {
		if h.runCommand(key, cmd, args, reply) {
			return
		}
		// Not a built-in; try the chat's shortcuts before giving up.
		if expanded, ok := h.shortcuts.Expand(key, text); ok {
			h.enqueuePrompt(ctx, key, expanded, reply)
			return
		}
		reply(fmt.Sprintf("Unknown command /%s. Send /help for the command list.", cmd))
		return
	}
	h.enqueuePrompt(ctx, key, text, reply)
}

// enqueuePrompt queues one assistant invocation and makes sure a dispatch
// loop is draining this chat's queue.
func (h *Handler) enqueuePrompt(ctx context.Context, key chat.Key, prompt string, reply ReplyFunc) {
	rec, _ := h.sessions.Get(key)
	projectDir := rec.ProjectDir
	if projectDir == "" {
		projectDir = h.cfg.DefaultProjectDir
	}

	task, pos, err := h.tasks.Enqueue(key, prompt, projectDir, rec.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			reply("Queue is full. Wait for running tasks to finish or /clear the backlog.")
		case errors.Is(err, queue.ErrInvalidTask):
			// Input validation errors are specific so users can correct them.
			reply(err.Error())
		default:
			h.logger.Error("enqueue_error", "chat", key.String(), "error", err.Error())
			reply("Could not queue that message. Please try again.")
		}
		return
	}

	h.logger.Info("task_enqueued", "chat", key.String(), "task_id", task.ID, "position", pos)
	if pos > 1 {
		reply(fmt.Sprintf("Queued at position %d.", pos))
	}
	go h.pump(ctx, key, reply)
}

// pump drains the chat's queue. DispatchNext returning nil means either
// another pump already owns the chat or there is nothing left to do.
func (h *Handler) pump(ctx context.Context, key chat.Key, reply ReplyFunc) {
	for {
		task := h.tasks.DispatchNext(key)
		if task == nil {
			return
		}
		h.runTask(ctx, key, task, reply)
	}
}

func (h *Handler) runTask(ctx context.Context, key chat.Key, task *queue.Task, reply ReplyFunc) {
	started := time.Now()

	call, err := h.invoker.Start(ctx, task.Prompt, claude.CallOptions{
		CWD:       task.ProjectDir,
		SessionID: task.SessionID,
		Timeout:   h.cfg.TaskTimeout,
	})
	if err != nil {
		h.tasks.Complete(key, task.ID)
		h.replyForError(key, err, reply)
		h.appendHistory(key, task.ID, "start_error", time.Since(started))
		return
	}
	h.tasks.RegisterProcess(key, call)

	resp, err := call.Wait()
	stillQueued := h.tasks.Complete(key, task.ID)
	if !stillQueued {
		// A /cancel raced the natural completion; the cancel reply already
		// went out, so stay quiet.
		h.appendHistory(key, task.ID, "cancelled", time.Since(started))
		return
	}
	if err != nil {
		h.replyForError(key, err, reply)
		h.appendHistory(key, task.ID, "error", time.Since(started))
		return
	}

	if resp.SessionID != "" {
		h.sessions.UpdateSessionID(key, resp.SessionID, task.ProjectDir)
	}
	h.appendHistory(key, task.ID, "ok", time.Since(started))
	reply(resp.Text)
}

// replyForError maps an invocation failure to a user-facing message. The
// invalid-session case drops the stored handle so the next attempt starts
// fresh; every other failure preserves it. Detail stays in the logs.
func (h *Handler) replyForError(key chat.Key, err error, reply ReplyFunc) {
	var cErr *claude.Error
	if !errors.As(err, &cErr) {
		h.logger.Error("claude_invoke_error", "chat", key.String(), "error", err.Error())
		reply("The assistant failed. Please try again.")
		return
	}

	h.logger.Error("claude_invoke_error",
		"chat", key.String(),
		"kind", cErr.Kind.String(),
		"error", cErr.Message,
		"stderr", cErr.Stderr,
	)
	switch cErr.Kind {
	case claude.KindInvalidSession, claude.KindInvalidSessionID:
		h.sessions.Clear(key)
		reply("Your previous session is no longer valid. Starting fresh. Send your message again.")
	case claude.KindTimeout:
		reply("The assistant took too long and was stopped. Try a smaller request.")
	default:
		reply("The assistant failed. Please try again.")
	}
}

type historyRecord struct {
	At         time.Time `json:"at"`
	Chat       string    `json:"chat"`
	TaskID     string    `json:"task_id"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
}

func (h *Handler) appendHistory(key chat.Key, taskID, outcome string, d time.Duration) {
	if h.history == nil {
		return
	}
	rec := historyRecord{
		At:         time.Now().UTC(),
		Chat:       key.String(),
		TaskID:     taskID,
		Outcome:    outcome,
		DurationMS: d.Milliseconds(),
	}
	if err := h.history.AppendJSON(rec); err != nil {
		h.logger.Warn("history_append_error", "error", err.Error())
	}
}
