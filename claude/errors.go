package claude

// Kind discriminates invocation failures so callers can branch on the one
// distinction that matters for state: a stale resume handle must be
// dropped, every other failure must preserve it.
type Kind int

const (
	// KindSpawnError: the CLI binary could not be started at all.
	KindSpawnError Kind = iota
	// KindInvalidSessionID: the stored session id failed validation; no
	// subprocess was spawned.
	KindInvalidSessionID
	// KindTimeout: the call exceeded its deadline. Retryable; the session
	// handle stays valid.
	KindTimeout
	// KindProcessError: non-zero exit without an invalid-session marker.
	// Possibly transient; the session handle stays valid.
	KindProcessError
	// KindInvalidSession: the CLI reported the resume handle as unknown.
	// The caller must drop the stored id.
	KindInvalidSession
)

func (k Kind) String() string {
	switch k {
	case KindSpawnError:
		return "spawn_error"
	case KindInvalidSessionID:
		return "invalid_session_id"
	case KindTimeout:
		return "timeout"
	case KindProcessError:
		return "process_error"
	case KindInvalidSession:
		return "invalid_session"
	default:
		return "unknown"
	}
}

// Error is a failed invocation. Message is safe to log; user-facing text
// stays generic and is chosen by the caller per kind.
type Error struct {
	Kind    Kind
	Message string
	Stderr  string
}

func (e *Error) Error() string {
	return "claude: " + e.Kind.String() + ": " + e.Message
}
