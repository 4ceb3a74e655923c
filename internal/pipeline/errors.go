package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind classifies a stage failure. Every error that escapes a stage
// carries exactly one kind; the run record stores it for the failing stage.
type ErrorKind uint8

const (
	ErrorKindUnknown ErrorKind = iota + 1
	ErrorKindBuild
	ErrorKindAuth
	ErrorKindPush
	ErrorKindPull
	ErrorKindConnection
	ErrorKindReconcile
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindUnknown:
		return "unknown"
	case ErrorKindBuild:
		return "build_error"
	case ErrorKindAuth:
		return "auth_error"
	case ErrorKindPush:
		return "push_error"
	case ErrorKindPull:
		return "pull_error"
	case ErrorKindConnection:
		return "connection_error"
	case ErrorKindReconcile:
		return "reconcile_error"
	default:
		return "unknown"
	}
}

func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindUnknown,
		ErrorKindBuild,
		ErrorKindAuth,
		ErrorKindPush,
		ErrorKindPull,
		ErrorKindConnection,
		ErrorKindReconcile:
		return true
	default:
		return false
	}
}

// Retryable reports whether a stage failure of this kind is worth an
// automatic retry with backoff. Registry pushes can hit transient network
// or quota trouble; everything else surfaces immediately.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindAuth, ErrorKindPush:
		return true
	default:
		return false
	}
}

func (k ErrorKind) MarshalJSON() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("invalid error kind: %d", k)
	}
	return json.Marshal(k.String())
}

func (k *ErrorKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := parseErrorKind(s)
	if !ok {
		return fmt.Errorf("invalid error kind: %q", s)
	}
	*k = parsed
	return nil
}

func parseErrorKind(s string) (ErrorKind, bool) {
	switch strings.TrimSpace(s) {
	case "unknown":
		return ErrorKindUnknown, true
	case "build_error":
		return ErrorKindBuild, true
	case "auth_error":
		return ErrorKindAuth, true
	case "push_error":
		return ErrorKindPush, true
	case "pull_error":
		return ErrorKindPull, true
	case "connection_error":
		return ErrorKindConnection, true
	case "reconcile_error":
		return ErrorKindReconcile, true
	default:
		return 0, false
	}
}

// StageError carries structured context for a failed pipeline stage.
type StageError struct {
	Stage   string
	Kind    ErrorKind
	Message string
}

func (e *StageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("stage %s failed (%s): %s", e.Stage, e.Kind, e.Message)
}

// Errorf builds a StageError with a formatted message.
func Errorf(stage string, kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...)}
}
