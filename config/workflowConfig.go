package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Routing thresholds are configuration so product can retune the
// auto-submit / smart-prompt / manual-review bands without a redeploy.
//
// Set via env:
// - ROUTE_AUTO_SUBMIT_THRESHOLD (default 0.85)
// - ROUTE_SMART_PROMPT_THRESHOLD (default 0.50)
func AutoSubmitThreshold() float64 {
	return envFloatDefault("ROUTE_AUTO_SUBMIT_THRESHOLD", 0.85)
}

func SmartPromptThreshold() float64 {
	return envFloatDefault("ROUTE_SMART_PROMPT_THRESHOLD", 0.50)
}

// SmartPromptTTL is the default lifetime of an unanswered prompt.
//
// Set via env:
// - SMART_PROMPT_TTL_HOURS (default 48)
func SmartPromptTTL() time.Duration {
	return time.Duration(envIntDefault("SMART_PROMPT_TTL_HOURS", 48)) * time.Hour
}

// PromptSweepInterval is the cadence of the expired-prompt background sweep.
//
// Set via env:
// - PROMPT_SWEEP_INTERVAL_SECONDS (default 60)
func PromptSweepInterval() time.Duration {
	return time.Duration(envIntDefault("PROMPT_SWEEP_INTERVAL_SECONDS", 60)) * time.Second
}

// PhaseHandlerTimeout bounds a single phase handler execution.
//
// Set via env:
// - PHASE_HANDLER_TIMEOUT_SECONDS (default 300)
func PhaseHandlerTimeout() time.Duration {
	return time.Duration(envIntDefault("PHASE_HANDLER_TIMEOUT_SECONDS", 300)) * time.Second
}

// PhaseWorkerConcurrency bounds concurrent phase handlers per instance,
// which indirectly respects marketplace API rate limits.
//
// Set via env:
// - PHASE_WORKER_CONCURRENCY (default 10)
func PhaseWorkerConcurrency() int {
	return envIntDefault("PHASE_WORKER_CONCURRENCY", 10)
}

// EvidenceMatchConcurrency bounds concurrent per-claim matcher calls in the
// evidence matching phase.
//
// Set via env:
// - EVIDENCE_MATCH_CONCURRENCY (default 4)
func EvidenceMatchConcurrency() int {
	return envIntDefault("EVIDENCE_MATCH_CONCURRENCY", 4)
}

// PhaseMaxAttempts is the retry budget per (syncId, phaseNumber) before the
// phase is marked failed for good.
//
// Set via env:
// - PHASE_MAX_ATTEMPTS (default 5)
func PhaseMaxAttempts() int {
	return envIntDefault("PHASE_MAX_ATTEMPTS", 5)
}

// DirectPhaseProcessing enables the in-process outbox consumer that runs
// without Pub/Sub. On by default as a backup worker: processing is
// idempotent, and rows would otherwise sit in PENDING forever when delivery
// is misconfigured.
//
// Set via env:
// - DIRECT_PHASE_PROCESSING=false to disable in production
func DirectPhaseProcessing() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DIRECT_PHASE_PROCESSING")))
	return v != "false" && v != "0" && v != "no"
}

func envFloatDefault(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return def
}
