// Package claude spawns and supervises the local assistant CLI. The CLI is
// an opaque collaborator: prompt in on stdin, JSON result on stdout, with
// an optional resume handle for conversation continuity.
package claude

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultBin     = "claude"
	DefaultTimeout = 5 * time.Minute

	maxOutputBytes = 1024 * 1024
)

// sessionIDRe is deliberately restrictive: the session id is the only
// caller-influenced value that reaches the argv, so anything beyond
// hex-and-hyphen of plausible length is refused before a process exists.
var sessionIDRe = regexp.MustCompile(`^[0-9a-fA-F-]{8,128}$`)

// invalidSessionMarkers distinguish "the resume handle is stale" from
// generic failure on a non-zero exit. Matched case-insensitively against
// captured stderr and stdout.
var invalidSessionMarkers = []string{
	"no conversation found",
	"session not found",
	"invalid session",
	"session is invalid",
	"could not resume",
}

type Options struct {
	Bin     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Invoker runs assistant CLI invocations. It owns no state; each call is
// independent and the caller registers the returned handle for
// cancellation.
type Invoker struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
}

func NewInvoker(opts Options) *Invoker {
	if opts.Bin == "" {
		opts.Bin = DefaultBin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Invoker{
		bin:     opts.Bin,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

// CallOptions parameterize one invocation.
type CallOptions struct {
	// CWD is the project directory the assistant works in.
	CWD string
	// SessionID, when set, resumes a previous conversation.
	SessionID string
	// Timeout overrides the invoker default for this call.
	Timeout time.Duration
}

// Response is a successful invocation.
type Response struct {
	Text string
	// SessionID is the handle for continuing this conversation; empty when
	// the CLI produced non-JSON output.
	SessionID string
}

// ValidateSessionID reports whether id is safe to place on a command line.
func ValidateSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// buildArgs assembles the CLI argv. The prompt never appears here; it is
// delivered on stdin so shell metacharacters in user input are inert.
func (inv *Invoker) buildArgs(opts CallOptions) ([]string, error) {
	args := []string{"--print", "--output-format", "json"}
	if opts.SessionID != "" {
		if !ValidateSessionID(opts.SessionID) {
			return nil, &Error{Kind: KindInvalidSessionID, Message: "stored session id is malformed"}
		}
		args = append(args, "--resume", opts.SessionID)
	}
	return args, nil
}

func (inv *Invoker) callTimeout(opts CallOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return inv.timeout
}

func containsInvalidSessionMarker(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range invalidSessionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func fmtExit(code int) string {
	return fmt.Sprintf("assistant exited with status %d", code)
}
