// Package shortcut stores user-defined command templates and expands them
// with positional arguments.
package shortcut

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rigelfalcon/ccdd/chat"
	"github.com/rigelfalcon/ccdd/internal/fsstore"
)

const (
	MaxPerChat      = 20
	MaxNameLen      = 20
	MaxCommandChars = 1000

	lockWait  = 5 * time.Second
	lockStale = 10 * time.Second
)

var (
	ErrInvalidName      = errors.New("shortcut: name must be 1-20 lowercase letters, digits or underscores")
	ErrReservedName     = errors.New("shortcut: name collides with a built-in command")
	ErrCommandTooLong   = fmt.Errorf("shortcut: command exceeds %d characters", MaxCommandChars)
	ErrCommandDenied    = errors.New("shortcut: command matches a blocked destructive pattern")
	ErrEmptyCommand     = errors.New("shortcut: command is empty")
	ErrTooManyShortcuts = fmt.Errorf("shortcut: limit of %d shortcuts per chat reached", MaxPerChat)
	ErrNotFound         = errors.New("shortcut: not found")
)

var nameRe = regexp.MustCompile(`^[a-z0-9_]{1,20}$`)

// reservedNames are the built-in bridge commands a shortcut may not shadow.
var reservedNames = map[string]struct{}{
	"start":     {},
	"help":      {},
	"new":       {},
	"project":   {},
	"status":    {},
	"queue":     {},
	"cancel":    {},
	"clear":     {},
	"shortcut":  {},
	"shortcuts": {},
	"sessions":  {},
}

// denyPatterns block obviously destructive templates from ever reaching the
// assistant as an expanded prompt.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-\w+\s+)*-\w*[rf]\w*\s`),
	regexp.MustCompile(`(?i)\brm\s+(-\w+\s+)*-\w*[rf]\w*$`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|vd)`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*\w*sh\b`),
	regexp.MustCompile(`:\(\)\s*\{`),
	regexp.MustCompile(`(?i)\bchmod\s+(-\w+\s+)*777\s+/\S*`),
}

// Record is one stored template.
type Record struct {
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Shortcut pairs a record with its name for listings.
type Shortcut struct {
	Name string
	Record
}

type Options struct {
	Logger *slog.Logger
}

// Store is the durable chat→name→template mapping. Unlike the session
// store, mutations write through synchronously: shortcut edits are rare.
type Store struct {
	path     string
	lockPath string
	logger   *slog.Logger

	mu     sync.Mutex
	byChat map[string]map[string]*Record
}

func NewStore(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	byChat := make(map[string]map[string]*Record)
	if _, err := fsstore.ReadJSON(path, &byChat); err != nil {
		return nil, fmt.Errorf("shortcut store load: %w", err)
	}

	lockPath, err := fsstore.BuildLockPath(filepath.Dir(path), "shortcuts")
	if err != nil {
		return nil, err
	}

	return &Store{
		path:     path,
		lockPath: lockPath,
		logger:   opts.Logger,
		byChat:   byChat,
	}, nil
}

// Set creates or updates a shortcut. The per-chat cap applies to new names
// only; updating an existing name always succeeds.
func (s *Store) Set(key chat.Key, name, command string) (isUpdate bool, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	command = strings.TrimSpace(command)

	if !nameRe.MatchString(name) {
		return false, ErrInvalidName
	}
	if _, reserved := reservedNames[name]; reserved {
		return false, ErrReservedName
	}
	if command == "" {
		return false, ErrEmptyCommand
	}
	if len(command) > MaxCommandChars {
		return false, ErrCommandTooLong
	}
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return false, ErrCommandDenied
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	chatShortcuts, ok := s.byChat[k]
	if !ok {
		chatShortcuts = make(map[string]*Record)
		s.byChat[k] = chatShortcuts
	}

	now := time.Now()
	if rec, exists := chatShortcuts[name]; exists {
		rec.Command = command
		rec.UpdatedAt = now
		return true, s.writeLocked()
	}
	if len(chatShortcuts) >= MaxPerChat {
		return false, ErrTooManyShortcuts
	}
	chatShortcuts[name] = &Record{Command: command, CreatedAt: now, UpdatedAt: now}
	return false, s.writeLocked()
}

// Delete removes a shortcut by case-insensitive name.
func (s *Store) Delete(key chat.Key, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	defer s.mu.Unlock()

	chatShortcuts := s.byChat[key.String()]
	if _, ok := chatShortcuts[name]; !ok {
		return ErrNotFound
	}
	delete(chatShortcuts, name)
	return s.writeLocked()
}

// List returns the chat's shortcuts sorted by name.
func (s *Store) List(key chat.Key) []Shortcut {
	s.mu.Lock()
	defer s.mu.Unlock()

	chatShortcuts := s.byChat[key.String()]
	out := make([]Shortcut, 0, len(chatShortcuts))
	for name, rec := range chatShortcuts {
		out = append(out, Shortcut{Name: name, Record: *rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FormatList renders the chat's shortcuts for a reply message.
func (s *Store) FormatList(key chat.Key) string {
	shortcuts := s.List(key)
	if len(shortcuts) == 0 {
		return "No shortcuts defined. Add one with /shortcut add <name> <command>."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Shortcuts (%d/%d):\n", len(shortcuts), MaxPerChat)
	for _, sc := range shortcuts {
		cmd := sc.Command
		if len(cmd) > 80 {
			cmd = cmd[:77] + "..."
		}
		fmt.Fprintf(&b, "/%s → %s\n", sc.Name, cmd)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Store) writeLocked() error {
	snapshot := make(map[string]map[string]Record, len(s.byChat))
	for k, chatShortcuts := range s.byChat {
		if len(chatShortcuts) == 0 {
			continue
		}
		m := make(map[string]Record, len(chatShortcuts))
		for name, rec := range chatShortcuts {
			m[name] = *rec
		}
		snapshot[k] = m
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockWait+time.Second)
	defer cancel()
	return fsstore.WithLockOptions(ctx, s.lockPath, fsstore.LockOptions{Wait: lockWait, Stale: lockStale}, func() error {
		return fsstore.WriteJSONAtomic(s.path, snapshot)
	})
}
