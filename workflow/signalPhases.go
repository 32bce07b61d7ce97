package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SignalPayload is the body of a rejection or payout webhook after
// validation. Either ClaimId or CaseId identifies the claim.
type SignalPayload struct {
	ClaimId  string          `json:"claimId"`
	CaseId   string          `json:"caseId"`
	Reason   string          `json:"reason"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

var signalPhases = map[models.SignalType]int{
	models.SignalRejection: models.PhaseRejectionReview,
	models.SignalPayout:    models.PhasePayoutProof,
}

// HandleExternalSignal is the entry point for marketplace webhooks. The
// claim transition is applied inline, claim-scoped: signals for different
// claims in the same sync arrive in bursts per settlement, and gating them
// behind the shared per-sync ledger row would drop every claim after the
// first once that row completes. The transition is a conditional update,
// so duplicate webhook deliveries collapse to a no-op. The first signal of
// its type per sync additionally occupies the ledger row so the phase
// record shows the review/proof phase ran.
func HandleExternalSignal(ctx context.Context, db *gorm.DB, logger *logrus.Logger, signal models.SignalType, p SignalPayload) (TriggerOutcome, error) {
	phase, ok := signalPhases[signal]
	if !ok {
		return TriggerOutcome{Success: false, Message: "unknown signal type"},
			utils.Validation("externalSignal", fmt.Errorf("unknown signal type %q", signal))
	}

	claim, err := findSignalClaim(db.WithContext(ctx), p)
	if err != nil {
		return TriggerOutcome{Success: false, Phase: phase, Message: "claim not found"}, err
	}
	p.ClaimId = claim.ClaimId

	switch claim.Status {
	case models.ClaimStatusSubmitted:
		// Eligible.
	case models.ClaimStatusRejected, models.ClaimStatusPaid:
		return TriggerOutcome{Success: true, Phase: phase, Message: "claim already resolved (idempotent skip)"}, nil
	default:
		return TriggerOutcome{Success: false, Phase: phase, Message: "claim not eligible for signal"},
			utils.Validation("externalSignal",
				fmt.Errorf("claim %s in status %q cannot accept %s signal", claim.ClaimId, claim.Status, signal))
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch signal {
		case models.SignalRejection:
			return applyRejectionSignal(ctx, tx, logger, *claim, p)
		default:
			return applyPayoutSignal(ctx, tx, logger, *claim, p)
		}
	})
	if err != nil {
		return TriggerOutcome{Success: false, Phase: phase, Message: "signal processing failed"}, err
	}

	// Ledger bookkeeping: enqueue the review/proof phase if its row has not
	// completed yet. The phase handler re-applies the same conditional
	// transition, which is a no-op for this claim by now.
	var ledger models.PhaseRecord
	lookupErr := db.WithContext(ctx).
		Where("sync_id = ? AND phase_number = ?", claim.SyncId, phase).
		First(&ledger).Error
	ledgerDone := lookupErr == nil && ledger.Status == models.PhaseStatusCompleted
	if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		ledgerDone = true // signal is applied; skip bookkeeping on lookup failure
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":   "ExternalSignal",
				"sync_id": claim.SyncId,
				"phase":   phase,
			}).Warn("phase ledger lookup failed: " + lookupErr.Error())
		}
	}
	if !ledgerDone {
		if _, trigErr := TriggerPhaseAsync(ctx, db, claim.SellerId, claim.UserId, claim.SyncId, phase, p); trigErr != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":    "ExternalSignal",
				"sync_id":  claim.SyncId,
				"claim_id": claim.ClaimId,
				"phase":    phase,
			}).Warn("phase ledger bookkeeping enqueue failed: " + trigErr.Error())
		}
	}

	return TriggerOutcome{Success: true, Phase: phase, Message: "signal processed"}, nil
}

func findSignalClaim(db *gorm.DB, p SignalPayload) (*models.ClaimCandidate, error) {
	var claim models.ClaimCandidate
	var err error
	switch {
	case p.ClaimId != "":
		err = db.Where("claim_id = ?", p.ClaimId).First(&claim).Error
	case p.CaseId != "":
		err = db.Where("case_id = ?", p.CaseId).First(&claim).Error
	default:
		return nil, utils.Validation("externalSignal", errors.New("signal carries neither claimId nor caseId"))
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.Validation("externalSignal",
			fmt.Errorf("no claim for claimId=%q caseId=%q", p.ClaimId, p.CaseId))
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// runRejectionPhase handles the first rejection signal of a sync through the
// ledger.
func runRejectionPhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	var p SignalPayload
	decodePayload(m.Payload, &p)

	claim, err := findSignalClaim(tx, p)
	if err != nil {
		return nil, err
	}
	if err := applyRejectionSignal(ctx, tx, logger, *claim, p); err != nil {
		return nil, err
	}
	return &phaseOutcome{
		result:  map[string]interface{}{"claimId": claim.ClaimId, "reason": p.Reason},
		message: "rejection recorded",
	}, nil
}

// runPayoutPhase handles the first payout signal of a sync through the
// ledger.
func runPayoutPhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	var p SignalPayload
	decodePayload(m.Payload, &p)

	claim, err := findSignalClaim(tx, p)
	if err != nil {
		return nil, err
	}
	if err := applyPayoutSignal(ctx, tx, logger, *claim, p); err != nil {
		return nil, err
	}
	return &phaseOutcome{
		result: map[string]interface{}{
			"claimId":  claim.ClaimId,
			"amount":   p.Amount.String(),
			"currency": p.Currency,
		},
		message: "payout recorded",
	}, nil
}

// applyRejectionSignal terminates the claim and closes the feedback loop to
// the detector so future scoring sees the rejection reason.
func applyRejectionSignal(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, claim models.ClaimCandidate, p SignalPayload) error {
	now := time.Now().UTC()
	res := tx.Model(&models.ClaimCandidate{}).
		Where("claim_id = ? AND status = ?", claim.ClaimId, models.ClaimStatusSubmitted).
		Updates(map[string]interface{}{
			"status":      models.ClaimStatusRejected,
			"resolved_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Duplicate delivery; already resolved.
		return nil
	}
	if err := marketplace.NewDetectorClient().Feedback(ctx, claim.ClaimId, claim.AnomalyType, p.Reason); err != nil && logger != nil {
		logger.WithFields(logrus.Fields{
			"field":    "RejectionPhase",
			"claim_id": claim.ClaimId,
		}).Warn("detector feedback failed: " + err.Error())
	}
	return nil
}

// applyPayoutSignal marks the claim paid and generates the immutable proof
// packet. The unique index on proof_packets.claim_id makes the generation
// idempotent under duplicate deliveries.
func applyPayoutSignal(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, claim models.ClaimCandidate, p SignalPayload) error {
	now := time.Now().UTC()
	res := tx.Model(&models.ClaimCandidate{}).
		Where("claim_id = ? AND status = ?", claim.ClaimId, models.ClaimStatusSubmitted).
		Updates(map[string]interface{}{
			"status":      models.ClaimStatusPaid,
			"resolved_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return GenerateProofPacket(ctx, tx, logger, claim, p.Amount, p.Currency)
}
