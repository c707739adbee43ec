package bridge

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rigelfalcon/ccdd/chat"
	"github.com/rigelfalcon/ccdd/claude"
	"github.com/rigelfalcon/ccdd/queue"
	"github.com/rigelfalcon/ccdd/session"
	"github.com/rigelfalcon/ccdd/shortcut"
)

var testKey = chat.NewKey("telegram", "7")

func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// newTestHandler wires real stores in a temp dir around the given fake CLI.
func newTestHandler(t *testing.T, bin string) *Handler {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.NewStore(filepath.Join(dir, "sessions.json"), session.Options{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("session.NewStore() error = %v", err)
	}
	shortcuts, err := shortcut.NewStore(filepath.Join(dir, "shortcuts.json"), shortcut.Options{})
	if err != nil {
		t.Fatalf("shortcut.NewStore() error = %v", err)
	}
	tasks := queue.NewManager(queue.Options{KillGrace: 50 * time.Millisecond})
	invoker := claude.NewInvoker(claude.Options{Bin: bin, Timeout: 10 * time.Second})

	h, err := NewHandler(sessions, shortcuts, tasks, invoker, nil, Config{
		DefaultProjectDir: dir,
		HistoryPath:       filepath.Join(dir, "history.jsonl"),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// collectReplies returns a ReplyFunc feeding a channel.
func collectReplies() (ReplyFunc, chan string) {
	ch := make(chan string, 16)
	return func(text string) { ch <- text }, ch
}

func waitReply(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatalf("no reply arrived")
		return ""
	}
}

func TestPromptRoundTripUpdatesSession(t *testing.T) {
	t.Parallel()

	bin := writeFakeCLI(t, `cat > /dev/null
echo '{"result":"the answer","session_id":"c0ffee0001"}'
`)
	h := newTestHandler(t, bin)
	reply, replies := collectReplies()

	h.HandleMessage(context.Background(), testKey, "what is up", reply)
	if got := waitReply(t, replies); got != "the answer" {
		t.Fatalf("reply = %q", got)
	}

	rec, ok := h.sessions.Get(testKey)
	if !ok || rec.SessionID != "c0ffee0001" {
		t.Fatalf("session record = %+v, ok=%v", rec, ok)
	}
}

func TestHelpAndUnknownCommand(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "/nonexistent")
	reply, replies := collectReplies()

	h.HandleMessage(context.Background(), testKey, "/help", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "/project") {
		t.Fatalf("help reply = %q", got)
	}

	h.HandleMessage(context.Background(), testKey, "/doesnotexist", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "Unknown command") {
		t.Fatalf("unknown-command reply = %q", got)
	}
}

func TestProjectCommandValidatesPath(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "/nonexistent")
	reply, replies := collectReplies()

	h.HandleMessage(context.Background(), testKey, "/project relative/path", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "absolute") {
		t.Fatalf("relative-path reply = %q", got)
	}

	h.HandleMessage(context.Background(), testKey, "/project /definitely/not/here-ccdd", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "does not exist") {
		t.Fatalf("missing-dir reply = %q", got)
	}

	dir := t.TempDir()
	h.HandleMessage(context.Background(), testKey, "/project "+dir, reply)
	if got := waitReply(t, replies); !strings.Contains(got, "Project set") {
		t.Fatalf("set reply = %q", got)
	}
	rec, _ := h.sessions.Get(testKey)
	if rec.ProjectDir != dir {
		t.Fatalf("project dir = %q, want %q", rec.ProjectDir, dir)
	}
}

func TestNewCommandClearsSessionOnly(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "/nonexistent")
	reply, replies := collectReplies()

	dir := t.TempDir()
	h.sessions.SetProjectDir(testKey, dir)
	h.sessions.UpdateSessionID(testKey, "deadbeef99", "")

	h.HandleMessage(context.Background(), testKey, "/new", reply)
	waitReply(t, replies)

	rec, _ := h.sessions.Get(testKey)
	if rec.SessionID != "" || rec.ProjectDir != dir {
		t.Fatalf("record after /new = %+v", rec)
	}
}

func TestShortcutLifecycleViaCommands(t *testing.T) {
	t.Parallel()

	bin := writeFakeCLI(t, `prompt=$(cat)
printf '{"result":"ran: %s","session_id":"beefbeef01"}\n' "$prompt"
`)
	h := newTestHandler(t, bin)
	reply, replies := collectReplies()
	ctx := context.Background()

	h.HandleMessage(ctx, testKey, "/shortcut add build run npm $1", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "Added shortcut /build") {
		t.Fatalf("add reply = %q", got)
	}

	// Expansion: /build test → "run npm test" goes to the assistant.
	h.HandleMessage(ctx, testKey, "/build test", reply)
	if got := waitReply(t, replies); got != "ran: run npm test" {
		t.Fatalf("expanded reply = %q", got)
	}

	// No argument: the unused placeholder is stripped.
	h.HandleMessage(ctx, testKey, "/build", reply)
	if got := waitReply(t, replies); got != "ran: run npm" {
		t.Fatalf("expanded reply = %q", got)
	}

	h.HandleMessage(ctx, testKey, "/shortcut list", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "/build") {
		t.Fatalf("list reply = %q", got)
	}

	h.HandleMessage(ctx, testKey, "/shortcut del build", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "Deleted") {
		t.Fatalf("del reply = %q", got)
	}

	h.HandleMessage(ctx, testKey, "/build test", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "Unknown command") {
		t.Fatalf("post-delete reply = %q", got)
	}
}

func TestOversizedPromptNeverSpawns(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "ran")
	bin := writeFakeCLI(t, "touch "+marker+"\ncat > /dev/null\necho '{}'\n")
	h := newTestHandler(t, bin)
	reply, replies := collectReplies()

	h.HandleMessage(context.Background(), testKey, strings.Repeat("a", 10001), reply)
	if got := waitReply(t, replies); !strings.Contains(got, "10000") {
		t.Fatalf("oversized reply = %q", got)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatalf("oversized prompt spawned the CLI")
	}
}

func TestInvalidSessionDropsHandle(t *testing.T) {
	t.Parallel()

	bin := writeFakeCLI(t, `cat > /dev/null
echo 'No conversation found with session ID' >&2
exit 1
`)
	h := newTestHandler(t, bin)
	reply, replies := collectReplies()

	h.sessions.UpdateSessionID(testKey, "deadbeef01", "")
	h.HandleMessage(context.Background(), testKey, "continue please", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "no longer valid") {
		t.Fatalf("invalid-session reply = %q", got)
	}

	rec, _ := h.sessions.Get(testKey)
	if rec.SessionID != "" {
		t.Fatalf("stale session id was not dropped: %+v", rec)
	}
}

func TestGenericFailurePreservesHandle(t *testing.T) {
	t.Parallel()

	bin := writeFakeCLI(t, `cat > /dev/null
echo 'transient network error' >&2
exit 2
`)
	h := newTestHandler(t, bin)
	reply, replies := collectReplies()

	h.sessions.UpdateSessionID(testKey, "deadbeef01", "")
	h.HandleMessage(context.Background(), testKey, "continue please", reply)
	if got := waitReply(t, replies); !strings.Contains(got, "try again") && !strings.Contains(got, "Try a smaller") {
		t.Fatalf("failure reply = %q", got)
	}

	rec, _ := h.sessions.Get(testKey)
	if rec.SessionID != "deadbeef01" {
		t.Fatalf("session id dropped on transient failure: %+v", rec)
	}
}

func TestQueuedMessagesRunInOrder(t *testing.T) {
	t.Parallel()

	// Each run answers with its own prompt after a short delay, so queued
	// messages must come back in submission order.
	bin := writeFakeCLI(t, `prompt=$(cat)
sleep 0.1
printf '{"result":"%s","session_id":"abcdef0123"}\n' "$prompt"
`)
	h := newTestHandler(t, bin)
	reply, replies := collectReplies()
	ctx := context.Background()

	h.HandleMessage(ctx, testKey, "first", reply)
	h.HandleMessage(ctx, testKey, "second", reply)
	h.HandleMessage(ctx, testKey, "third", reply)

	var answers []string
	for len(answers) < 3 {
		msg := waitReply(t, replies)
		if strings.HasPrefix(msg, "Queued at position") {
			continue
		}
		answers = append(answers, msg)
	}
	for i, want := range []string{"first", "second", "third"} {
		if answers[i] != want {
			t.Fatalf("answers = %v", answers)
		}
	}
}
