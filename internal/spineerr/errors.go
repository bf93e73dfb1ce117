// Package spineerr implements the error-kind taxonomy of spec.md §7: a
// fixed set of Kinds, each with a retryability verdict, wrapped around the
// underlying cause the way the teacher's internal/framework.ServiceError
// wraps a service name and op around an error.
package spineerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per spec.md §7's taxonomy.
type Kind string

const (
	Transient     Kind = "TRANSIENT"     // network/database; retried per policy
	Source        Kind = "SOURCE"        // upstream malformed/5xx; retried with backoff
	Parse         Kind = "PARSE"         // file/format parse error; no retry
	Validation    Kind = "VALIDATION"    // business-rule violation; no retry
	Config        Kind = "CONFIG"        // invalid parameters/missing config; no retry
	Auth          Kind = "AUTH"          // credential/permission failure; no retry
	Orchestration Kind = "ORCHESTRATION" // state-machine violation; no retry
	Internal      Kind = "INTERNAL"      // unexpected bug; no retry
)

// Retryable reports whether an error of this Kind should be retried by the
// Execution Ledger or Workflow Runner.
func (k Kind) Retryable() bool {
	switch k {
	case Transient, Source:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with the operation that failed and its
// taxonomy Kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this error's Kind is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New wraps err with op and kind. Returns nil if err is nil.
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf builds a new taxonomy error from a format string.
func Newf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error; otherwise returns Internal, the conservative default for
// unclassified failures.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Internal
}

// IsRetryable reports whether err should be retried, per its taxonomy Kind.
// Untagged errors are treated as non-retryable (Internal).
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Sentinels for state-machine violations raised throughout the core.
var (
	ErrNotFound        = errors.New("not found")
	ErrTerminalState   = errors.New("entity already in a terminal state")
	ErrDuplicateKey    = errors.New("duplicate logical key")
	ErrLockContended   = errors.New("concurrency lock contended")
	ErrInvalidParams   = errors.New("invalid parameters")
	ErrPipelineUnknown = errors.New("pipeline not registered")
	ErrCancelled       = errors.New("cancelled")
)
