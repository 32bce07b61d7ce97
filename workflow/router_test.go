package workflow

import "testing"

func TestRoute_BandBoundariesAreLowerInclusive(t *testing.T) {
	th := Thresholds{AutoSubmit: 0.85, SmartPrompt: 0.50}
	cases := []struct {
		confidence float64
		expected   RouteDecision
	}{
		{1.0, RouteAutoSubmit},
		{0.85, RouteAutoSubmit},
		{0.849999, RouteSmartPrompt},
		{0.50, RouteSmartPrompt},
		{0.499999, RouteManualReview},
		{0.0, RouteManualReview},
	}
	for _, tc := range cases {
		if got := Route(tc.confidence, th); got != tc.expected {
			t.Fatalf("Route(%v) expected %s, got %s", tc.confidence, tc.expected, got)
		}
	}
}

func TestRoute_SameInputSameDecision(t *testing.T) {
	th := DefaultThresholds()
	for _, c := range []float64{0.0, 0.3, 0.5, 0.7, 0.85, 0.99} {
		first := Route(c, th)
		for i := 0; i < 10; i++ {
			if got := Route(c, th); got != first {
				t.Fatalf("Route(%v) not deterministic: %s then %s", c, first, got)
			}
		}
	}
}

func TestDefaultThresholds_EnvOverride(t *testing.T) {
	t.Setenv("ROUTE_AUTO_SUBMIT_THRESHOLD", "0.9")
	t.Setenv("ROUTE_SMART_PROMPT_THRESHOLD", "0.6")
	th := DefaultThresholds()
	if th.AutoSubmit != 0.9 || th.SmartPrompt != 0.6 {
		t.Fatalf("expected overridden thresholds 0.9/0.6, got %v/%v", th.AutoSubmit, th.SmartPrompt)
	}
	if got := Route(0.89, th); got != RouteSmartPrompt {
		t.Fatalf("0.89 under raised auto-submit threshold should route SMART_PROMPT, got %s", got)
	}
}
