package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const detectorBatchSize = 100

// runDetectionPhase streams the sync's normalized records through the
// anomaly detector and materializes claimable predictions as claim
// candidates. A sync with zero claimable records completes the whole
// workflow here (nothing to recover).
func runDetectionPhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	var records []models.NormalizedRecord
	if err := tx.Where("sync_id = ?", m.SyncId).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		// Clean sync with nothing ingested: close the unit, no downstream
		// phases. Not an error.
		if err := completeSyncUnit(tx, m.SyncId); err != nil {
			return nil, err
		}
		return detectionOutcome(0, nil), nil
	}

	detector := marketplace.NewDetectorClient()
	var claimIds []string

	for start := 0; start < len(records); start += detectorBatchSize {
		end := start + detectorBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		payloads := make([]json.RawMessage, len(batch))
		for i, rec := range batch {
			payloads[i] = json.RawMessage(rec.PayloadJSON)
		}

		predictions, err := detector.Predict(ctx, payloads)
		if err != nil {
			return nil, err
		}

		for i, p := range predictions {
			if !p.Claimable {
				continue
			}
			rec := batch[i]
			claim := models.ClaimCandidate{
				ClaimId:         uuid.New().String(),
				SyncId:          m.SyncId,
				SellerId:        m.SellerId,
				UserId:          m.UserId,
				AnomalyType:     p.AnomalyType,
				EstimatedValue:  rec.Amount,
				Currency:        rec.Currency,
				ConfidenceScore: p.Confidence,
				Status:          models.ClaimStatusDetected,
			}
			if err := tx.Create(&claim).Error; err != nil {
				return nil, err
			}
			claimIds = append(claimIds, claim.ClaimId)
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":     "DetectionPhase",
			"sync_id":   m.SyncId,
			"records":   len(records),
			"claimable": len(claimIds),
		}).Info("anomaly detection finished")
	}

	if len(claimIds) == 0 {
		// Clean sync: close the unit, no downstream phases.
		if err := completeSyncUnit(tx, m.SyncId); err != nil {
			return nil, err
		}
	}
	return detectionOutcome(len(records), claimIds), nil
}

// detectionOutcome decides what follows detection: claims move on to
// evidence matching, a clean sync ends the workflow here.
func detectionOutcome(recordsScanned int, claimIds []string) *phaseOutcome {
	if len(claimIds) == 0 {
		return &phaseOutcome{
			result:  map[string]interface{}{"recordsScanned": recordsScanned, "claimsDetected": 0},
			message: "no claimable anomalies detected; workflow complete",
		}
	}
	return &phaseOutcome{
		result: map[string]interface{}{
			"recordsScanned": recordsScanned,
			"claimsDetected": len(claimIds),
		},
		message:     fmt.Sprintf("detected %d claimable anomalies", len(claimIds)),
		nextPhase:   models.PhaseEvidenceMatching,
		nextPayload: claimListPayload{ClaimIds: claimIds},
	}
}

type claimListPayload struct {
	ClaimIds []string `json:"claimIds"`
}

func completeSyncUnit(tx *gorm.DB, syncId string) error {
	now := time.Now().UTC()
	return tx.Model(&models.SyncUnit{}).
		Where("sync_id = ? AND status = ?", syncId, models.SyncStatusRunning).
		Updates(map[string]interface{}{
			"status":      models.SyncStatusComplete,
			"finished_at": &now,
		}).Error
}
