package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies a failure for retry policy purposes.
type ErrorKind string

const (
	// ErrKindTransient: network/timeout. Retried with backoff.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindValidation: malformed input. Logged, no retry.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindIdempotency: should be unreachable; indicates a race in the
	// phase record compare-and-swap. Logged at highest severity.
	ErrKindIdempotency ErrorKind = "idempotency_violation"
	// ErrKindUpstream: dependent service down. Retried with longer backoff.
	ErrKindUpstream ErrorKind = "upstream_unavailable"
)

// WorkflowError carries a kind so the orchestrator can decide whether a
// failed phase is retryable without string matching.
type WorkflowError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *WorkflowError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &WorkflowError{Kind: ErrKindTransient, Op: op, Err: err}
}

func Validation(op string, err error) error {
	return &WorkflowError{Kind: ErrKindValidation, Op: op, Err: err}
}

func IdempotencyViolation(op string, err error) error {
	return &WorkflowError{Kind: ErrKindIdempotency, Op: op, Err: err}
}

func UpstreamUnavailable(op string, err error) error {
	return &WorkflowError{Kind: ErrKindUpstream, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors default to
// transient so they keep their retry budget.
func KindOf(err error) ErrorKind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ErrKindTransient
}

// Retryable reports whether a phase failure with this kind should be retried.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case ErrKindValidation, ErrKindIdempotency:
		return false
	default:
		return true
	}
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
