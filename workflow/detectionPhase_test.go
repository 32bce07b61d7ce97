package workflow

import (
	"testing"

	"bitbucket.org/sellerguard/recovery_backend/models"
)

func TestDetectionOutcome_CleanSyncEndsWorkflow(t *testing.T) {
	// Zero ingested records and zero claimable records are both clean syncs:
	// the workflow stops here, nothing downstream gets enqueued.
	for _, scanned := range []int{0, 120} {
		out := detectionOutcome(scanned, nil)
		if out.nextPhase != 0 {
			t.Fatalf("scanned=%d: clean sync must not enqueue a next phase, got %d", scanned, out.nextPhase)
		}
		result := out.result.(map[string]interface{})
		if result["claimsDetected"] != 0 || result["recordsScanned"] != scanned {
			t.Fatalf("scanned=%d: unexpected result %+v", scanned, result)
		}
	}
}

func TestDetectionOutcome_ClaimsMoveToEvidenceMatching(t *testing.T) {
	claimIds := []string{"c-1", "c-2"}
	out := detectionOutcome(10, claimIds)
	if out.nextPhase != models.PhaseEvidenceMatching {
		t.Fatalf("expected next phase %d, got %d", models.PhaseEvidenceMatching, out.nextPhase)
	}
	payload, ok := out.nextPayload.(claimListPayload)
	if !ok || len(payload.ClaimIds) != 2 {
		t.Fatalf("expected claim list payload with 2 ids, got %+v", out.nextPayload)
	}
}
