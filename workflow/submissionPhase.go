package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// runSubmissionPhase files every auto-submit claim with the marketplace and
// closes the sync unit. Phases 6 and 7 are driven by webhooks afterwards, so
// this is the last ledger phase a sync reaches on its own.
//
// Submission is at-least-once: if the transaction rolls back after some
// cases were filed, the retry re-files them and the marketplace dedupes on
// claim_id.
func runSubmissionPhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	var payload claimListPayload
	decodePayload(m.Payload, &payload)

	claims, err := loadPhaseClaims(tx, m.SyncId, payload.ClaimIds, models.ClaimStatusAutoSubmitted)
	if err != nil {
		return nil, err
	}

	submitted, rejected := 0, 0
	if len(claims) > 0 {
		conn, err := findConnection(tx, m.SellerId, models.MarketplaceProviderAmazon)
		if err != nil {
			return nil, err
		}
		submitter, err := marketplace.NewSubmitter(conn.AuthSecretRef)
		if err != nil {
			return nil, err
		}
		for _, claim := range claims {
			status, err := submitOne(ctx, tx, logger, submitter, claim, models.ClaimStatusAutoSubmitted)
			if err != nil {
				return nil, err
			}
			if status == models.ClaimStatusSubmitted {
				submitted++
			} else {
				rejected++
			}
		}
	}

	if err := completeSyncUnit(tx, m.SyncId); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":     "SubmissionPhase",
			"sync_id":   m.SyncId,
			"submitted": submitted,
			"rejected":  rejected,
		}).Info("claim submission finished")
	}

	return &phaseOutcome{
		result: map[string]interface{}{
			"claimsSubmitted": submitted,
			"claimsRejected":  rejected,
		},
		message: fmt.Sprintf("submitted %d claims", submitted),
	}, nil
}

// submitOne files a single claim and applies the resulting status via the
// conditional transition from the caller's expected status. Shared between
// the submission phase (from auto_submitted) and prompt resolution (from
// prompted).
func submitOne(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, submitter *marketplace.Submitter, claim models.ClaimCandidate, from models.ClaimStatus) (models.ClaimStatus, error) {
	var link models.EvidenceLink
	err := tx.Where("claim_id = ? AND active = ?", claim.ClaimId, true).
		First(&link).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return "", err
	}

	packet := marketplace.ClaimPacket{
		ClaimId:        claim.ClaimId,
		SellerId:       claim.SellerId,
		AnomalyType:    claim.AnomalyType,
		EstimatedValue: claim.EstimatedValue,
		Currency:       claim.Currency,
		DocumentIds:    models.DecodeDocumentIds(link.DocumentIdsJSON),
	}

	result, err := submitter.Submit(ctx, packet)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	switch result.Status {
	case marketplace.SubmitStatusAccepted:
		err = tx.Model(&models.ClaimCandidate{}).
			Where("claim_id = ? AND status = ?", claim.ClaimId, from).
			Updates(map[string]interface{}{
				"status":       models.ClaimStatusSubmitted,
				"case_id":      &result.CaseId,
				"submitted_at": &now,
			}).Error
		if err != nil {
			return "", err
		}
		return models.ClaimStatusSubmitted, nil
	default:
		// The marketplace refused the packet outright. Terminal for the
		// claim; the detector hears about it so the model can learn.
		err = tx.Model(&models.ClaimCandidate{}).
			Where("claim_id = ? AND status = ?", claim.ClaimId, from).
			Updates(map[string]interface{}{
				"status":      models.ClaimStatusRejected,
				"resolved_at": &now,
			}).Error
		if err != nil {
			return "", err
		}
		if fbErr := marketplace.NewDetectorClient().Feedback(ctx, claim.ClaimId, claim.AnomalyType, "submission_refused"); fbErr != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":    "SubmissionPhase",
				"claim_id": claim.ClaimId,
			}).Warn("detector feedback failed: " + fbErr.Error())
		}
		return models.ClaimStatusRejected, nil
	}
}
