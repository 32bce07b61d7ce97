package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_ClassifiesWrappedErrors(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		err      error
		expected ErrorKind
	}{
		{Transient("fetch", base), ErrKindTransient},
		{Validation("parse", base), ErrKindValidation},
		{IdempotencyViolation("begin", base), ErrKindIdempotency},
		{UpstreamUnavailable("submit", base), ErrKindUpstream},
		// Wrapping with %w must preserve the kind.
		{fmt.Errorf("outer: %w", Validation("parse", base)), ErrKindValidation},
		// Plain errors default to transient so the bus retries them.
		{base, ErrKindTransient},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.expected {
			t.Fatalf("KindOf(%v) expected %s, got %s", tc.err, tc.expected, got)
		}
	}
}

func TestRetryable_OnlyTransientAndUpstream(t *testing.T) {
	if Retryable(ErrKindValidation) || Retryable(ErrKindIdempotency) {
		t.Fatal("validation and idempotency errors must not be retryable")
	}
	if !Retryable(ErrKindTransient) || !Retryable(ErrKindUpstream) {
		t.Fatal("transient and upstream errors must be retryable")
	}
}

func TestWorkflowError_UnwrapPreservesCause(t *testing.T) {
	base := errors.New("row missing")
	err := Validation("load", base)
	if !errors.Is(err, base) {
		t.Fatal("errors.Is must see through WorkflowError")
	}
}
