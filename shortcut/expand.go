package shortcut

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rigelfalcon/ccdd/chat"
)

// Prefix is the command prefix character shared with the bridge router.
const Prefix = "/"

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Expand resolves messageText against the chat's shortcuts. It returns
// (expanded, true) when the first token names a stored shortcut, with
// $1..$N placeholders substituted from the remaining whitespace-split
// arguments and unmatched placeholders stripped. Any other input returns
// ("", false) so the caller falls through to default handling.
func (s *Store) Expand(key chat.Key, messageText string) (string, bool) {
	text := strings.TrimSpace(messageText)
	if !strings.HasPrefix(text, Prefix) {
		return "", false
	}

	fields := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	s.mu.Lock()
	rec, ok := s.byChat[key.String()][name]
	var template string
	if ok {
		template = rec.Command
	}
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	expanded := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		idx, err := strconv.Atoi(m[1:])
		if err != nil || idx < 1 || idx > len(args) {
			return ""
		}
		return args[idx-1]
	})
	return strings.TrimSpace(expanded), true
}
