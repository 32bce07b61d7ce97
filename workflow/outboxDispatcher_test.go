package workflow

import (
	"testing"
	"time"
)

func TestOutboxPublishBackoff_DoublesAndCaps(t *testing.T) {
	initial := 5 * time.Second
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{8, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := outboxPublishBackoff(tc.attempt, initial); got != tc.expected {
			t.Fatalf("backoff(attempt=%d) expected %s, got %s", tc.attempt, tc.expected, got)
		}
	}
}

func TestOutboxPublishBackoff_NeverExceedsTenMinutes(t *testing.T) {
	for attempt := 1; attempt <= 30; attempt++ {
		if got := outboxPublishBackoff(attempt, 5*time.Second); got > 10*time.Minute {
			t.Fatalf("backoff(attempt=%d) exceeds cap: %s", attempt, got)
		}
	}
}
