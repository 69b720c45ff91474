package ingest

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the engine. Wrap-aware: test with errors.Is.
var (
	// ErrInvalidPath reports a document path violating the even-segment
	// invariant. Always a caller bug, never retried.
	ErrInvalidPath = errors.New("ingest: invalid document path")

	// ErrValidation reports a failed pre-flight validation. Fatal: the run
	// aborts before any network call.
	ErrValidation = errors.New("ingest: validation failed")

	// ErrConflict reports a primary-key collision under PolicyAbortOnConflict.
	// Fatal for the whole deduplication call, not a per-record skip.
	ErrConflict = errors.New("ingest: duplicate conflict")

	// ErrRetriesExhausted reports a page whose retry budget ran out. The
	// fetch for that resource aborts and the error propagates to the caller.
	ErrRetriesExhausted = errors.New("ingest: retries exhausted")
)

// Kind classifies an error for the run's failure-handling policy.
//
//   - KindFatal aborts the run immediately: validation failure, abort-on-
//     conflict violation, or a panic escaping a phase.
//   - KindRetryable marks transient failures (timeouts, 5xx) that are retried
//     with backoff; exhaustion escalates to degraded or fatal by phase.
//   - KindDegraded marks contained per-item failures: the run continues and
//     the final result reports non-zero failures rather than erroring.
type Kind int

const (
	KindFatal Kind = iota
	KindRetryable
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	case KindDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// kindError tags a wrapped error with its Kind while staying transparent to
// errors.Is/As chains.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Classify wraps err with a Kind. A nil err returns nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf reports the Kind of err. Unclassified errors default to KindFatal:
// the single top-level adapter treats anything unexpected as run-terminating.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindFatal
}

// panicError preserves a recovered panic's value and stack so the run can
// surface a structured result instead of crashing.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("ingest: panic during run: %v", e.value)
}

// Stack returns the goroutine stack captured at recovery.
func (e *panicError) Stack() string { return string(e.stack) }
