// Package session tracks, per conversation, which project directory the
// assistant works in and which assistant session continues the dialogue.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rigelfalcon/ccdd/chat"
	"github.com/rigelfalcon/ccdd/internal/fsstore"
)

const (
	// DefaultDebounce batches bursts of mutations into one flush.
	DefaultDebounce = 2 * time.Second

	lockWait  = 5 * time.Second
	lockStale = 10 * time.Second
)

// Record is the durable per-chat state. SessionID is only meaningful in
// combination with ProjectDir; Clear nulls SessionID but keeps ProjectDir.
type Record struct {
	ProjectDir string    `json:"project_dir,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Store is the durable chat→session mapping. Mutations are applied to the
// in-memory map immediately and flushed to disk on a debounce timer; the
// window deliberately trades a crash losing the last mutation for fewer
// writes. Records are never evicted.
type Store struct {
	path     string
	lockPath string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	timer   *time.Timer
	closed  bool
}

// NewStore loads (or initializes) the store file at path. The lock file
// lives next to it and guards against sibling processes, not goroutines.
func NewStore(path string, opts Options) (*Store, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	records := make(map[string]*Record)
	if _, err := fsstore.ReadJSON(path, &records); err != nil {
		return nil, fmt.Errorf("session store load: %w", err)
	}

	lockPath, err := fsstore.BuildLockPath(filepath.Dir(path), "sessions")
	if err != nil {
		return nil, err
	}

	return &Store{
		path:     path,
		lockPath: lockPath,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		records:  records,
	}, nil
}

// Get returns a copy of the record for key, if any.
func (s *Store) Get(key chat.Key) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SetProjectDir upserts the project directory, preserving any session id.
func (s *Store) SetProjectDir(key chat.Key, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(key)
	rec.ProjectDir = dir
	rec.UpdatedAt = time.Now()
	s.scheduleSaveLocked()
}

// UpdateSessionID upserts the session id. An empty projectDir retains the
// previously stored directory.
func (s *Store) UpdateSessionID(key chat.Key, sessionID, projectDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(key)
	rec.SessionID = sessionID
	if projectDir != "" {
		rec.ProjectDir = projectDir
	}
	rec.UpdatedAt = time.Now()
	s.scheduleSaveLocked()
}

// Clear drops the session id so the next invocation starts a fresh
// conversation. The project directory survives.
func (s *Store) Clear(key chat.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return
	}
	rec.SessionID = ""
	rec.UpdatedAt = time.Now()
	s.scheduleSaveLocked()
}

// StatusString renders a short human-readable summary for the chat.
func (s *Store) StatusString(key chat.Key) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return "No session. Send a message to start one."
	}
	dir := rec.ProjectDir
	if dir == "" {
		dir = "(not set)"
	}
	sess := "none"
	if rec.SessionID != "" {
		sess = rec.SessionID
	}
	return fmt.Sprintf("Project: %s\nSession: %s\nUpdated: %s",
		dir, sess, rec.UpdatedAt.Format(time.RFC3339))
}

// Len reports how many chats have a record.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of every record keyed by "platform:chatId".
func (s *Store) Snapshot() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for k, rec := range s.records {
		out[k] = *rec
	}
	return out
}

// Flush writes any pending state synchronously. Callers should invoke it on
// graceful shutdown so the last debounce window is not lost.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.write(snapshot)
}

// Close flushes and rejects further scheduled saves.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.write(snapshot)
}

func (s *Store) recordLocked(key chat.Key) *Record {
	k := key.String()
	rec, ok := s.records[k]
	if !ok {
		rec = &Record{}
		s.records[k] = rec
	}
	return rec
}

// scheduleSaveLocked arms the debounce timer if it is not already pending,
// so a burst of mutations results in a single flush.
func (s *Store) scheduleSaveLocked() {
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		if err := s.write(snapshot); err != nil {
			s.logger.Error("session_store_save_error", "error", err.Error())
		}
	})
}

func (s *Store) snapshotLocked() map[string]Record {
	out := make(map[string]Record, len(s.records))
	for k, rec := range s.records {
		out[k] = *rec
	}
	return out
}

func (s *Store) write(snapshot map[string]Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait+time.Second)
	defer cancel()
	return fsstore.WithLockOptions(ctx, s.lockPath, fsstore.LockOptions{Wait: lockWait, Stale: lockStale}, func() error {
		return fsstore.WriteJSONAtomic(s.path, snapshot)
	})
}
