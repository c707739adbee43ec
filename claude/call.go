package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Call is one running CLI invocation. It doubles as the cancellation
// handle the task queue registers: Terminate/Kill/Done.
type Call struct {
	cmd    *exec.Cmd
	runCtx context.Context
	cancel context.CancelFunc

	stdout limitedBuffer
	stderr limitedBuffer

	done    chan struct{}
	waitErr error
}

// Start spawns the assistant CLI with the prompt on stdin. A validation
// failure of the session id returns *Error without spawning anything.
func (inv *Invoker) Start(ctx context.Context, prompt string, opts CallOptions) (*Call, error) {
	args, err := inv.buildArgs(opts)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.callTimeout(opts))
	cmd := exec.CommandContext(runCtx, inv.bin, args...)
	cmd.Dir = opts.CWD
	cmd.Stdin = strings.NewReader(prompt)

	c := &Call{
		cmd:    cmd,
		runCtx: runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.stdout.Limit = maxOutputBytes
	c.stderr.Limit = maxOutputBytes
	cmd.Stdout = &c.stdout
	cmd.Stderr = &c.stderr

	// On deadline the process gets SIGTERM first; SIGKILL only if it still
	// has not exited after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &Error{Kind: KindSpawnError, Message: "could not start " + inv.bin + ": " + err.Error()}
	}
	inv.logger.Debug("claude_started", "bin", inv.bin, "cwd", opts.CWD, "resume", opts.SessionID != "")

	go func() {
		c.waitErr = cmd.Wait()
		cancel()
		close(c.done)
	}()
	return c, nil
}

// Wait blocks until the process exits and maps the outcome. Timeouts and
// non-zero exits come back as *Error; only an invalid-session marker in the
// captured output produces KindInvalidSession.
func (c *Call) Wait() (*Response, error) {
	<-c.done

	stdout := strings.TrimSpace(string(c.stdout.Bytes()))
	stderr := strings.TrimSpace(string(c.stderr.Bytes()))

	if c.waitErr != nil {
		if errors.Is(c.runCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Message: "assistant call timed out", Stderr: stderr}
		}
		var exitErr *exec.ExitError
		if errors.As(c.waitErr, &exitErr) {
			if containsInvalidSessionMarker(stderr + "\n" + stdout) {
				return nil, &Error{Kind: KindInvalidSession, Message: fmtExit(exitErr.ExitCode()), Stderr: stderr}
			}
			return nil, &Error{Kind: KindProcessError, Message: fmtExit(exitErr.ExitCode()), Stderr: stderr}
		}
		return nil, &Error{Kind: KindProcessError, Message: c.waitErr.Error(), Stderr: stderr}
	}

	return parseResponse(stdout), nil
}

// cliResult is the CLI's structured stdout on success.
type cliResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// parseResponse decodes the JSON contract, falling back to the raw output
// as a successful but session-less response.
func parseResponse(stdout string) *Response {
	var parsed cliResult
	if err := json.Unmarshal([]byte(stdout), &parsed); err == nil && parsed.Result != "" {
		return &Response{Text: parsed.Result, SessionID: parsed.SessionID}
	}
	return &Response{Text: stdout}
}

// Terminate asks the process to exit. Part of the queue's ProcessHandle.
func (c *Call) Terminate() error {
	if c.cmd.Process == nil {
		return errors.New("claude: process not started")
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcibly ends the process.
func (c *Call) Kill() error {
	if c.cmd.Process == nil {
		return errors.New("claude: process not started")
	}
	return c.cmd.Process.Kill()
}

// Done is closed once the process has exited.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

type limitedBuffer struct {
	Limit     int
	Truncated bool
	buf       bytes.Buffer
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if w.Limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.Limit - w.buf.Len()
	if remaining <= 0 {
		w.Truncated = true
		return len(p), nil
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	_, _ = w.buf.Write(p[:remaining])
	w.Truncated = true
	return len(p), nil
}

func (w *limitedBuffer) Bytes() []byte {
	return w.buf.Bytes()
}
