package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rigelfalcon/ccdd/chat"
)

var testKey = chat.NewKey("telegram", "100")

type fakeHandle struct {
	mu         sync.Mutex
	terminated bool
	killed     bool
	done       chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) exit() { close(h.done) }

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func TestEnqueueAssignsPositions(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	for want := 1; want <= 3; want++ {
		_, pos, err := m.Enqueue(testKey, fmt.Sprintf("task %d", want), "", "")
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if pos != want {
			t.Fatalf("Enqueue() position = %d, want %d", pos, want)
		}
	}

	// Position counts the processing task too.
	if task := m.DispatchNext(testKey); task == nil {
		t.Fatalf("DispatchNext() = nil")
	}
	_, pos, err := m.Enqueue(testKey, "task 4", "", "")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if pos != 4 {
		t.Fatalf("Enqueue() position = %d, want 4", pos)
	}
}

func TestEnqueueRejectsOverCap(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{MaxQueue: 10})
	for i := 0; i < 10; i++ {
		if _, _, err := m.Enqueue(testKey, fmt.Sprintf("task %d", i), "", ""); err != nil {
			t.Fatalf("Enqueue() #%d error = %v", i, err)
		}
	}

	_, _, err := m.Enqueue(testKey, "eleventh", "", "")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() #11 error = %v, want ErrQueueFull", err)
	}
	if got := m.Status(testKey).Length; got != 10 {
		t.Fatalf("queue length after rejected enqueue = %d, want 10", got)
	}
}

func TestEnqueueValidatesPrompt(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	if _, _, err := m.Enqueue(testKey, "   ", "", ""); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Enqueue(empty) error = %v, want ErrInvalidTask", err)
	}
	if _, _, err := m.Enqueue(testKey, strings.Repeat("a", 10001), "", ""); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Enqueue(oversized) error = %v, want ErrInvalidTask", err)
	}
	if got := m.Status(testKey).Length; got != 0 {
		t.Fatalf("rejected enqueues mutated the queue: length = %d", got)
	}
}

func TestDispatchNextSingleFlight(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	if _, _, err := m.Enqueue(testKey, "one", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, _, err := m.Enqueue(testKey, "two", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	first := m.DispatchNext(testKey)
	if first == nil {
		t.Fatalf("DispatchNext() = nil, want task")
	}
	if first.Status != TaskProcessing || first.StartedAt.IsZero() {
		t.Fatalf("DispatchNext() task = %+v", first)
	}
	if second := m.DispatchNext(testKey); second != nil {
		t.Fatalf("DispatchNext() while processing = %+v, want nil", second)
	}

	m.Complete(testKey, first.ID)
	next := m.DispatchNext(testKey)
	if next == nil || next.Prompt != "two" {
		t.Fatalf("DispatchNext() after Complete = %+v, want task two", next)
	}
}

func TestDispatchNextEmpty(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	if task := m.DispatchNext(testKey); task != nil {
		t.Fatalf("DispatchNext() on empty queue = %+v, want nil", task)
	}
}

func TestCancelCurrentIdle(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	if _, _, err := m.Enqueue(testKey, "pending", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res := m.CancelCurrent(testKey)
	if res.OK {
		t.Fatalf("CancelCurrent() with no active task OK = true")
	}
	if got := m.Status(testKey).Length; got != 1 {
		t.Fatalf("CancelCurrent() mutated queue: length = %d, want 1", got)
	}
}

func TestCancelCurrentRemovesActiveTask(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{KillGrace: 20 * time.Millisecond})
	if _, _, err := m.Enqueue(testKey, "first", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, _, err := m.Enqueue(testKey, "second", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	task := m.DispatchNext(testKey)
	handle := newFakeHandle()
	m.RegisterProcess(testKey, handle)

	res := m.CancelCurrent(testKey)
	if !res.OK || res.TaskID != task.ID {
		t.Fatalf("CancelCurrent() = %+v", res)
	}
	if !handle.wasTerminated() {
		t.Fatalf("CancelCurrent() did not signal the process")
	}

	next := m.DispatchNext(testKey)
	if next == nil || next.Prompt != "second" {
		t.Fatalf("DispatchNext() after cancel = %+v, want task second", next)
	}
	if next.ID == task.ID {
		t.Fatalf("DispatchNext() returned the cancelled task")
	}
}

func TestCancelForcedKillAfterGrace(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{KillGrace: 20 * time.Millisecond})
	if _, _, err := m.Enqueue(testKey, "stubborn", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	m.DispatchNext(testKey)
	handle := newFakeHandle()
	m.RegisterProcess(testKey, handle)

	m.CancelCurrent(testKey)

	deadline := time.Now().Add(2 * time.Second)
	for !handle.wasKilled() {
		if time.Now().After(deadline) {
			t.Fatalf("forced kill never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelGraceStandsDownOnExit(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{KillGrace: 50 * time.Millisecond})
	if _, _, err := m.Enqueue(testKey, "cooperative", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	m.DispatchNext(testKey)
	handle := newFakeHandle()
	m.RegisterProcess(testKey, handle)

	m.CancelCurrent(testKey)
	handle.exit()

	time.Sleep(150 * time.Millisecond)
	if handle.wasKilled() {
		t.Fatalf("kill fired after the process had already exited")
	}
}

func TestCompleteIdempotentAgainstCancel(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{KillGrace: 10 * time.Millisecond})
	if _, _, err := m.Enqueue(testKey, "racy", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	task := m.DispatchNext(testKey)

	m.CancelCurrent(testKey)
	// The natural completion path arrives second; it must be a no-op.
	if m.Complete(testKey, task.ID) {
		t.Fatalf("Complete() found a task the cancel already removed")
	}

	st := m.Status(testKey)
	if st.Length != 0 || st.Processing {
		t.Fatalf("status after cancel+complete = %+v", st)
	}
	if next := m.DispatchNext(testKey); next != nil {
		t.Fatalf("DispatchNext() = %+v, want nil", next)
	}
}

func TestClearQueuePreservesProcessing(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	for i := 0; i < 6; i++ {
		if _, _, err := m.Enqueue(testKey, fmt.Sprintf("task %d", i), "", ""); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	running := m.DispatchNext(testKey)

	cleared := m.ClearQueue(testKey)
	if cleared != 5 {
		t.Fatalf("ClearQueue() = %d, want 5", cleared)
	}
	st := m.Status(testKey)
	if st.Length != 1 || !st.Processing {
		t.Fatalf("status after clear = %+v", st)
	}
	if st.Current == nil || st.Current.ID != running.ID {
		t.Fatalf("processing task not preserved: %+v", st.Current)
	}
}

func TestEndToEndDrain(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	for i := 1; i <= 3; i++ {
		if _, _, err := m.Enqueue(testKey, fmt.Sprintf("task %d", i), "", ""); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var order []string
	for {
		task := m.DispatchNext(testKey)
		if task == nil {
			break
		}
		order = append(order, task.Prompt)
		m.Complete(testKey, task.ID)
	}

	if want := []string{"task 1", "task 2", "task 3"}; !equalStrings(order, want) {
		t.Fatalf("drain order = %v, want %v", order, want)
	}
	st := m.Status(testKey)
	if st.Length != 0 || st.Processing {
		t.Fatalf("status after drain = %+v", st)
	}
}

func TestChatsAreIndependent(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	other := chat.NewKey("feishu", "oc_1")
	if _, _, err := m.Enqueue(testKey, "for telegram", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, _, err := m.Enqueue(other, "for feishu", "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	a := m.DispatchNext(testKey)
	b := m.DispatchNext(other)
	if a == nil || b == nil {
		t.Fatalf("chats blocked each other: %v %v", a, b)
	}
}

func TestConcurrentEnqueueHoldsCap(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{MaxQueue: 10})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = m.Enqueue(testKey, fmt.Sprintf("task %d", i), "", "")
		}(i)
	}
	wg.Wait()

	if got := m.Status(testKey).Length; got != 10 {
		t.Fatalf("queue length under concurrent enqueue = %d, want 10", got)
	}
}

func TestFormatStatusTruncatesPreview(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	long := strings.Repeat("word ", 50)
	if _, _, err := m.Enqueue(testKey, long, "", ""); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	out := m.FormatStatus(testKey)
	for _, line := range strings.Split(out, "\n") {
		if len([]rune(line)) > previewChars+10 {
			t.Fatalf("status line too long: %q", line)
		}
	}

	if got := m.FormatStatus(chat.NewKey("telegram", "empty")); got != "Queue is empty." {
		t.Fatalf("FormatStatus(empty) = %q", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
