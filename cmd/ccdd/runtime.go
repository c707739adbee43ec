package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/rigelfalcon/ccdd/bridge"
	"github.com/rigelfalcon/ccdd/claude"
	"github.com/rigelfalcon/ccdd/internal/fsstore"
	"github.com/rigelfalcon/ccdd/internal/logutil"
	"github.com/rigelfalcon/ccdd/queue"
	"github.com/rigelfalcon/ccdd/session"
	"github.com/rigelfalcon/ccdd/shortcut"
)

// runtime bundles everything a chat adapter needs: the bridge handler
// plus the logger for the adapter's own events.
type runtime struct {
	logger  *slog.Logger
	handler *bridge.Handler
}

func (r *runtime) Close() error {
	return r.handler.Close()
}

func buildRuntime() (*runtime, error) {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	stateDir, err := resolveStateDir(viper.GetString("state.dir"))
	if err != nil {
		return nil, err
	}
	if err := fsstore.EnsureDir(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("state dir %s: %w", stateDir, err)
	}

	sessions, err := session.NewStore(filepath.Join(stateDir, "sessions.json"), session.Options{
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	shortcuts, err := shortcut.NewStore(filepath.Join(stateDir, "shortcuts.json"), shortcut.Options{
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	tasks := queue.NewManager(queue.Options{
		MaxQueue:  viper.GetInt("queue.max_size"),
		MaxPrompt: viper.GetInt("queue.max_prompt_chars"),
		Logger:    logger,
	})

	invoker := claude.NewInvoker(claude.Options{
		Bin:     viper.GetString("claude.bin"),
		Timeout: viper.GetDuration("claude.timeout"),
		Logger:  logger,
	})

	handler, err := bridge.NewHandler(sessions, shortcuts, tasks, invoker, logger, bridge.Config{
		DefaultProjectDir: viper.GetString("project.default_dir"),
		TaskTimeout:       viper.GetDuration("queue.task_timeout"),
		HistoryPath:       filepath.Join(stateDir, "history.jsonl"),
	})
	if err != nil {
		return nil, err
	}

	return &runtime{logger: logger, handler: handler}, nil
}

func resolveStateDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "~/.ccdd"
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Abs(dir)
}

func statePath(name string) (string, error) {
	dir, err := resolveStateDir(viper.GetString("state.dir"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
