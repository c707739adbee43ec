// Package chat defines the cross-platform conversation identity used by
// every store in ccdd.
package chat

import (
	"fmt"
	"strings"
)

// Key identifies one conversation on one messaging platform. Keys are the
// index for the session store, the shortcut store and the task queue, and
// serialize as "platform:chatId" in durable files.
type Key struct {
	Platform string
	ID       string
}

func NewKey(platform, id string) Key {
	return Key{
		Platform: strings.ToLower(strings.TrimSpace(platform)),
		ID:       strings.TrimSpace(id),
	}
}

func (k Key) String() string {
	return k.Platform + ":" + k.ID
}

func (k Key) IsZero() bool {
	return k.Platform == "" && k.ID == ""
}

// ParseKey reverses String. The chat id may itself contain colons; only the
// first separator splits.
func ParseKey(s string) (Key, error) {
	platform, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(platform) == "" || strings.TrimSpace(id) == "" {
		return Key{}, fmt.Errorf("invalid chat key %q", s)
	}
	return NewKey(platform, id), nil
}
