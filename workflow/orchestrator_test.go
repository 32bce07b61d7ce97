package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
)

func TestPreviousPhaseOf(t *testing.T) {
	if prev := previousPhaseOf(models.PhaseOnboarding); prev != nil {
		t.Fatalf("phase 1 has no predecessor, got %d", *prev)
	}
	for phase := models.PhaseMin + 1; phase <= models.PhaseMax; phase++ {
		prev := previousPhaseOf(phase)
		if prev == nil || *prev != phase-1 {
			t.Fatalf("previousPhaseOf(%d) expected %d", phase, phase-1)
		}
	}
}

func TestTriggerPhaseAsync_RejectsOutOfRangePhase(t *testing.T) {
	for _, phase := range []int{0, -1, models.PhaseMax + 1, 100} {
		outcome, err := TriggerPhaseAsync(context.Background(), nil, "seller", "user", "sync", phase, nil)
		if err == nil {
			t.Fatalf("phase %d should be rejected", phase)
		}
		if utils.KindOf(err) != utils.ErrKindValidation {
			t.Fatalf("phase %d should fail as validation, got %s", phase, utils.KindOf(err))
		}
		if outcome.Success {
			t.Fatalf("phase %d outcome should not be success", phase)
		}
	}
}

func TestDecodePayload_EmptyAndMalformedLeaveDefaults(t *testing.T) {
	type opts struct {
		TriggeredBy string `json:"triggeredBy"`
	}

	o := opts{TriggeredBy: models.SyncTriggeredSystem}
	decodePayload(nil, &o)
	if o.TriggeredBy != models.SyncTriggeredSystem {
		t.Fatalf("empty payload must leave defaults, got %q", o.TriggeredBy)
	}

	decodePayload(json.RawMessage(`{broken`), &o)
	if o.TriggeredBy != models.SyncTriggeredSystem {
		t.Fatalf("malformed payload must leave defaults, got %q", o.TriggeredBy)
	}

	decodePayload(json.RawMessage(`{"triggeredBy":"manual"}`), &o)
	if o.TriggeredBy != models.SyncTriggeredManual {
		t.Fatalf("valid payload not applied, got %q", o.TriggeredBy)
	}
}
