package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rigelfalcon/ccdd/chat"
	"github.com/rigelfalcon/ccdd/shortcut"
)

const helpText = `Commands:
/new - start a fresh conversation (keeps the project)
/project <absolute path> - set the project directory
/status - session and queue state
/queue - show queued tasks
/cancel - stop the running task
/clear - drop pending tasks
/shortcut add <name> <command> - save a template ($1..$N for arguments)
/shortcut del <name> - remove a template
/shortcut list - show templates

Anything else is sent to the assistant.`

// parseCommand splits "/cmd arg arg" into its name and argument rest.
func parseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, shortcut.Prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(text, shortcut.Prefix)
	if rest == "" {
		return "", "", false
	}
	cmd, args, _ = strings.Cut(rest, " ")
	// Telegram suffixes commands with @botname in groups.
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(args), cmd != ""
}

// runCommand executes a built-in command. It reports false for names it
// does not own so the caller can try shortcut expansion.
func (h *Handler) runCommand(key chat.Key, cmd, args string, reply ReplyFunc) bool {
	switch cmd {
	case "start", "help":
		reply(helpText)
	case "new":
		h.sessions.Clear(key)
		reply("Started a new conversation. The project directory is unchanged.")
	case "project":
		h.cmdProject(key, args, reply)
	case "status":
		reply(h.sessions.StatusString(key) + "\n\n" + h.tasks.FormatStatus(key))
	case "queue":
		reply(h.tasks.FormatStatus(key))
	case "cancel":
		res := h.tasks.CancelCurrent(key)
		reply(res.Message)
	case "clear":
		cleared := h.tasks.ClearQueue(key)
		reply(fmt.Sprintf("Cleared %d pending task(s).", cleared))
	case "shortcut", "shortcuts":
		h.cmdShortcut(key, args, reply)
	default:
		return false
	}
	return true
}

func (h *Handler) cmdProject(key chat.Key, args string, reply ReplyFunc) {
	dir := strings.TrimSpace(args)
	if dir == "" {
		rec, ok := h.sessions.Get(key)
		if ok && rec.ProjectDir != "" {
			reply("Current project: " + rec.ProjectDir + "\nChange it with /project <absolute path>.")
		} else {
			reply("Usage: /project <absolute path>")
		}
		return
	}
	if !filepath.IsAbs(dir) {
		reply("The project path must be absolute, e.g. /home/me/repo.")
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		reply("That directory does not exist: " + dir)
		return
	}
	h.sessions.SetProjectDir(key, filepath.Clean(dir))
	reply("Project set to " + filepath.Clean(dir) + ".")
}

func (h *Handler) cmdShortcut(key chat.Key, args string, reply ReplyFunc) {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(sub) {
	case "add":
		name, command, _ := strings.Cut(rest, " ")
		isUpdate, err := h.shortcuts.Set(key, name, strings.TrimSpace(command))
		if err != nil {
			reply(err.Error())
			return
		}
		if isUpdate {
			reply("Updated shortcut /" + strings.ToLower(name) + ".")
		} else {
			reply("Added shortcut /" + strings.ToLower(name) + ".")
		}
	case "del", "delete", "rm":
		if err := h.shortcuts.Delete(key, rest); err != nil {
			reply(err.Error())
			return
		}
		reply("Deleted shortcut /" + strings.ToLower(strings.TrimSpace(rest)) + ".")
	case "list", "":
		reply(h.shortcuts.FormatList(key))
	default:
		reply("Usage: /shortcut add <name> <command> | /shortcut del <name> | /shortcut list")
	}
}
