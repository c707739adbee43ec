package queue

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rigelfalcon/ccdd/chat"
)

const previewChars = 60

// TaskView is a read-only snapshot of one task for status output.
type TaskView struct {
	ID       string
	Preview  string
	Status   TaskStatus
	Position int
}

// QueueStatus summarizes one chat's queue.
type QueueStatus struct {
	Length     int
	Processing bool
	Current    *TaskView
	Pending    []TaskView
}

// Status returns a snapshot of the chat's queue.
func (m *Manager) Status(key chat.Key) QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.chatLocked(key)
	st := QueueStatus{
		Length:     len(q.tasks),
		Processing: q.processing,
	}
	pos := 0
	for _, task := range q.tasks {
		pos++
		view := TaskView{
			ID:       task.ID,
			Preview:  truncatePreview(task.Prompt),
			Status:   task.Status,
			Position: pos,
		}
		if task.Status == TaskProcessing {
			st.Current = &view
			continue
		}
		st.Pending = append(st.Pending, view)
	}
	return st
}

// FormatStatus renders the queue for a reply message.
func (m *Manager) FormatStatus(key chat.Key) string {
	st := m.Status(key)
	if st.Length == 0 {
		return "Queue is empty."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d task(s)\n", st.Length)
	if st.Current != nil {
		fmt.Fprintf(&b, "▶ running: %s\n", st.Current.Preview)
	}
	for _, view := range st.Pending {
		fmt.Fprintf(&b, "%d. %s\n", view.Position, view.Preview)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncatePreview(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(prompt) <= previewChars {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:previewChars-1]) + "…"
}
