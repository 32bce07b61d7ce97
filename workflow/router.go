package workflow

import "bitbucket.org/sellerguard/recovery_backend/config"

// RouteDecision is the outcome of the threshold policy applied to a claim's
// evidence match confidence.
type RouteDecision string

const (
	RouteAutoSubmit   RouteDecision = "AUTO_SUBMIT"
	RouteSmartPrompt  RouteDecision = "SMART_PROMPT"
	RouteManualReview RouteDecision = "MANUAL_REVIEW"
)

// Thresholds are the band boundaries. Each band is inclusive on its lower
// bound: exactly AutoSubmit routes AUTO_SUBMIT, exactly SmartPrompt routes
// SMART_PROMPT.
type Thresholds struct {
	AutoSubmit  float64
	SmartPrompt float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoSubmit:  config.AutoSubmitThreshold(),
		SmartPrompt: config.SmartPromptThreshold(),
	}
}

// Route applies the threshold policy. Pure function: the orchestrator acts
// on the decision, Route itself has no side effects.
func Route(matchConfidence float64, t Thresholds) RouteDecision {
	switch {
	case matchConfidence >= t.AutoSubmit:
		return RouteAutoSubmit
	case matchConfidence >= t.SmartPrompt:
		return RouteSmartPrompt
	default:
		return RouteManualReview
	}
}
