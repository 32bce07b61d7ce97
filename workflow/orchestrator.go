package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TriggerOutcome is returned to phase trigger callers (HTTP endpoint and
// internal enqueues).
type TriggerOutcome struct {
	Success bool   `json:"success"`
	Phase   int    `json:"phase"`
	Message string `json:"message"`
}

// phaseOutcome is what a phase handler hands back to the orchestrator:
// the event payload for observers, and the next phase to enqueue (0 = none).
type phaseOutcome struct {
	result      interface{}
	message     string
	nextPhase   int
	nextPayload interface{}
}

// TriggerPhaseAsync is the entry point for the phase trigger endpoint.
// It performs the idempotency check synchronously, then enqueues the work
// through the transactional outbox and returns immediately: callers never
// block on phase execution.
func TriggerPhaseAsync(ctx context.Context, db *gorm.DB, sellerId, userId, syncId string, phaseNumber int, payload interface{}) (TriggerOutcome, error) {
	if phaseNumber < models.PhaseMin || phaseNumber > models.PhaseMax {
		return TriggerOutcome{Success: false, Phase: phaseNumber, Message: "invalid phase number"},
			utils.Validation("triggerPhase", fmt.Errorf("phase number %d out of range", phaseNumber))
	}

	var existing models.PhaseRecord
	err := db.WithContext(ctx).
		Where("sync_id = ? AND phase_number = ?", syncId, phaseNumber).
		First(&existing).Error
	if err == nil {
		switch existing.Status {
		case models.PhaseStatusCompleted:
			return TriggerOutcome{Success: true, Phase: phaseNumber, Message: "already completed (idempotent skip)"}, nil
		case models.PhaseStatusRunning:
			if time.Since(existing.UpdatedAt) < staleRunningAfter {
				return TriggerOutcome{Success: true, Phase: phaseNumber, Message: "in progress"}, nil
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return TriggerOutcome{Success: false, Phase: phaseNumber, Message: "status lookup failed"}, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return models.EnqueuePhaseTrigger(ctx, tx, sellerId, userId, syncId, phaseNumber, payload)
	})
	if err != nil {
		return TriggerOutcome{Success: false, Phase: phaseNumber, Message: "failed to enqueue phase trigger"}, err
	}
	return TriggerOutcome{Success: true, Phase: phaseNumber, Message: "queued"}, nil
}

// GetPhaseStatus returns the ordered phase ledger for a sync unit.
// Read-only, no side effects.
func GetPhaseStatus(db *gorm.DB, syncId string) ([]models.PhaseRecord, error) {
	var records []models.PhaseRecord
	err := db.Where("sync_id = ?", syncId).
		Order("phase_number ASC").
		Find(&records).Error
	return records, err
}

// ProcessPhaseTrigger executes one phase trigger message. This is the
// consumer side of the queue: it serializes per sync unit, enforces the
// idempotency ledger, runs the handler with a timeout, and atomically
// commits completion together with the next phase's outbox enqueue.
//
// Returning an error asks the bus to redeliver (retry); ErrSyncHalted and
// exhausted retries are swallowed after being recorded so poisoned messages
// do not loop forever.
func ProcessPhaseTrigger(ctx context.Context, logger *logrus.Logger, m config.PhaseMessage) error {
	db := config.GetDB()
	maxAttempts := config.PhaseMaxAttempts()

	var (
		outcome *phaseOutcome
		skipped bool
	)
	err := db.Transaction(func(tx *gorm.DB) error {
		tx = tx.WithContext(ctx)

		// Strict per-sync ordering across instances.
		if err := AcquireSyncLock(tx, m.SyncId); err != nil {
			return err
		}
		defer ReleaseSyncLock(tx, m.SyncId)

		if err := EnforceSyncGate(tx, m.SyncId, m.PhaseNumber); err != nil {
			return err
		}

		skip, err := BeginPhase(tx, m.SyncId, m.PhaseNumber, m.SellerId, m.UserId, previousPhaseOf(m.PhaseNumber), maxAttempts)
		if err != nil {
			return err
		}
		if skip {
			skipped = true
			return nil
		}

		hctx, cancel := context.WithTimeout(ctx, config.PhaseHandlerTimeout())
		defer cancel()

		out, err := executePhase(hctx, tx, logger, m)
		if err != nil {
			return err
		}

		if err := MarkPhaseCompleted(tx, m.SyncId, m.PhaseNumber); err != nil {
			// The conditional update found no running row: a concurrent
			// writer broke single-writer discipline.
			return utils.IdempotencyViolation("markPhaseCompleted", err)
		}

		// Phase N+1 is only enqueued in the same transaction that durably
		// marks phase N completed.
		if out != nil && out.nextPhase != 0 {
			if err := models.EnqueuePhaseTrigger(ctx, tx, m.SellerId, m.UserId, m.SyncId, out.nextPhase, out.nextPayload); err != nil {
				return err
			}
		}
		outcome = out
		return nil
	})

	if err != nil {
		return handlePhaseFailure(ctx, logger, m, err)
	}
	if skipped {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":   "PhaseOrchestrator",
				"sync_id": m.SyncId,
				"phase":   m.PhaseNumber,
			}).Info("phase already completed (idempotent skip)")
		}
		return nil
	}

	var result interface{}
	message := ""
	if outcome != nil {
		result = outcome.result
		message = outcome.message
	}
	EmitPhaseEvent(ctx, logger, m.PhaseNumber, "completed", m.SyncId, result, message)
	return nil
}

func handlePhaseFailure(ctx context.Context, logger *logrus.Logger, m config.PhaseMessage, err error) error {
	switch {
	case errors.Is(err, ErrSyncHalted):
		// Administratively halted: drop permanently, do not retry.
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":   "PhaseOrchestrator",
				"sync_id": m.SyncId,
				"phase":   m.PhaseNumber,
			}).Warn("phase trigger dropped: " + err.Error())
		}
		return nil
	case errors.Is(err, ErrPhaseInProgress):
		// Another worker holds the phase; redeliver later.
		return err
	case errors.Is(err, ErrPhaseExhausted):
		EmitPhaseEvent(ctx, logger, m.PhaseNumber, "failed", m.SyncId, nil, "retry attempts exhausted")
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":   "PhaseOrchestrator",
				"sync_id": m.SyncId,
				"phase":   m.PhaseNumber,
			}).Error("phase retry attempts exhausted; dropping trigger")
		}
		return nil
	}

	kind := utils.KindOf(err)
	recordPhaseFailure(ctx, m, err)

	level := logrus.ErrorLevel
	if kind == utils.ErrKindIdempotency {
		level = logrus.PanicLevel
	}
	if logger != nil {
		entry := logger.WithFields(logrus.Fields{
			"field":      "PhaseOrchestrator",
			"sync_id":    m.SyncId,
			"seller_id":  m.SellerId,
			"phase":      m.PhaseNumber,
			"error_kind": string(kind),
		})
		if level == logrus.PanicLevel {
			// Log loudly but keep the worker alive.
			entry.Error("IDEMPOTENCY VIOLATION in phase execution: " + err.Error())
		} else {
			entry.Error("phase execution failed: " + err.Error())
		}
	}

	if !utils.Retryable(kind) {
		EmitPhaseEvent(ctx, logger, m.PhaseNumber, "failed", m.SyncId, nil, err.Error())
		return nil
	}
	// Retryable: the bus redelivers with backoff.
	return err
}

// recordPhaseFailure persists the failed status outside the rolled-back
// phase transaction, so the status endpoint reflects the failure.
func recordPhaseFailure(ctx context.Context, m config.PhaseMessage, phaseErr error) {
	db := config.GetDB()
	msg := phaseErr.Error()

	res := db.WithContext(ctx).Model(&models.PhaseRecord{}).
		Where("sync_id = ? AND phase_number = ? AND status <> ?", m.SyncId, m.PhaseNumber, models.PhaseStatusCompleted).
		Updates(map[string]interface{}{
			"status":        models.PhaseStatusFailed,
			"error_message": &msg,
			"attempts":      gorm.Expr("attempts + 1"),
		})
	if res.Error == nil && res.RowsAffected == 0 {
		_ = db.WithContext(ctx).Create(&models.PhaseRecord{
			SyncId:        m.SyncId,
			PhaseNumber:   m.PhaseNumber,
			SellerId:      m.SellerId,
			UserId:        m.UserId,
			Status:        models.PhaseStatusFailed,
			PreviousPhase: previousPhaseOf(m.PhaseNumber),
			Attempts:      1,
			ErrorMessage:  &msg,
		}).Error
	}
}

func previousPhaseOf(phaseNumber int) *int {
	if phaseNumber <= models.PhaseMin {
		return nil
	}
	prev := phaseNumber - 1
	return &prev
}

// decodePayload best-effort decodes a phase payload into out, leaving out's
// defaults untouched when the payload is empty or malformed.
func decodePayload(raw json.RawMessage, out interface{}) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

// executePhase dispatches on the closed set of phase numbers.
func executePhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	switch m.PhaseNumber {
	case models.PhaseOnboarding:
		return runOnboardingPhase(ctx, tx, logger, m)
	case models.PhaseDataSync:
		return runDataSyncPhase(ctx, tx, logger, m)
	case models.PhaseDetection:
		return runDetectionPhase(ctx, tx, logger, m)
	case models.PhaseEvidenceMatching:
		return runEvidencePhase(ctx, tx, logger, m)
	case models.PhaseSubmission:
		return runSubmissionPhase(ctx, tx, logger, m)
	case models.PhaseRejectionReview:
		return runRejectionPhase(ctx, tx, logger, m)
	case models.PhasePayoutProof:
		return runPayoutPhase(ctx, tx, logger, m)
	}
	return nil, utils.Validation("executePhase", fmt.Errorf("unknown phase number %d", m.PhaseNumber))
}
