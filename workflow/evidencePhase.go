package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// candidateDocumentLimit caps how many seller documents are offered to the
// matcher per claim.
const candidateDocumentLimit = 50

type matchOutcome struct {
	claimId    string
	documents  []string
	confidence float64
	err        error
}

// runEvidencePhase scores every detected claim against the seller's document
// pool and routes each one by confidence band. Matcher calls run concurrently
// under a weighted semaphore; all DB writes stay on the transaction's
// goroutine.
func runEvidencePhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	var payload claimListPayload
	decodePayload(m.Payload, &payload)

	claims, err := loadPhaseClaims(tx, m.SyncId, payload.ClaimIds, models.ClaimStatusDetected)
	if err != nil {
		return nil, err
	}

	var documents []models.Document
	if err := tx.Where("seller_id = ?", m.SellerId).
		Order("created_at DESC").
		Limit(candidateDocumentLimit).
		Find(&documents).Error; err != nil {
		return nil, err
	}
	documentIds := make([]string, len(documents))
	for i, d := range documents {
		documentIds[i] = d.DocumentId
	}

	outcomes := matchClaims(ctx, claims, documentIds)

	thresholds := DefaultThresholds()
	counts := map[RouteDecision]int{}
	var autoSubmit []string

	for _, claim := range claims {
		out := outcomes[claim.ClaimId]
		if out.err != nil {
			// One failed matcher call fails the phase; the retry re-runs
			// only claims still in detected status.
			return nil, out.err
		}

		if err := recordEvidence(tx, claim, out.documents, out.confidence); err != nil {
			return nil, err
		}

		decision := Route(out.confidence, thresholds)
		counts[decision]++

		switch decision {
		case RouteAutoSubmit:
			if err := setClaimStatus(tx, claim.ClaimId, models.ClaimStatusDetected, models.ClaimStatusAutoSubmitted); err != nil {
				return nil, err
			}
			autoSubmit = append(autoSubmit, claim.ClaimId)
		case RouteSmartPrompt:
			if err := setClaimStatus(tx, claim.ClaimId, models.ClaimStatusDetected, models.ClaimStatusPrompted); err != nil {
				return nil, err
			}
			if _, err := CreatePrompt(ctx, tx, logger, claim, out.confidence); err != nil {
				return nil, err
			}
		case RouteManualReview:
			if err := setClaimStatus(tx, claim.ClaimId, models.ClaimStatusDetected, models.ClaimStatusManualReview); err != nil {
				return nil, err
			}
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":         "EvidencePhase",
			"sync_id":       m.SyncId,
			"claims":        len(claims),
			"auto_submit":   counts[RouteAutoSubmit],
			"smart_prompt":  counts[RouteSmartPrompt],
			"manual_review": counts[RouteManualReview],
		}).Info("evidence matching finished")
	}

	return &phaseOutcome{
		result: map[string]interface{}{
			"claimsMatched": len(claims),
			"autoSubmit":    counts[RouteAutoSubmit],
			"smartPrompt":   counts[RouteSmartPrompt],
			"manualReview":  counts[RouteManualReview],
		},
		message:     fmt.Sprintf("routed %d claims", len(claims)),
		nextPhase:   models.PhaseSubmission,
		nextPayload: claimListPayload{ClaimIds: autoSubmit},
	}, nil
}

// matchClaims fans the matcher calls out under EvidenceMatchConcurrency and
// gathers per-claim outcomes. No documents means confidence zero without a
// network round trip.
func matchClaims(ctx context.Context, claims []models.ClaimCandidate, documentIds []string) map[string]matchOutcome {
	outcomes := make(map[string]matchOutcome, len(claims))
	if len(documentIds) == 0 {
		for _, c := range claims {
			outcomes[c.ClaimId] = matchOutcome{claimId: c.ClaimId, confidence: 0}
		}
		return outcomes
	}

	matcher := marketplace.NewMatcherClient()
	sem := semaphore.NewWeighted(int64(config.EvidenceMatchConcurrency()))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, claim := range claims {
		claim := claim
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			outcomes[claim.ClaimId] = matchOutcome{claimId: claim.ClaimId, err: err}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			result, err := matcher.Match(ctx, claim.ClaimId, documentIds)
			mu.Lock()
			outcomes[claim.ClaimId] = matchOutcome{
				claimId:    claim.ClaimId,
				documents:  documentIds,
				confidence: result.MatchConfidence,
				err:        err,
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

// recordEvidence supersedes any active link for the claim, writes the new
// one, and replaces the claim's confidence with the match score.
func recordEvidence(tx *gorm.DB, claim models.ClaimCandidate, documentIds []string, confidence float64) error {
	now := time.Now().UTC()
	if err := tx.Model(&models.EvidenceLink{}).
		Where("claim_id = ? AND active = ?", claim.ClaimId, true).
		Updates(map[string]interface{}{
			"active":        false,
			"superseded_at": &now,
		}).Error; err != nil {
		return err
	}
	link := models.EvidenceLink{
		ClaimId:         claim.ClaimId,
		SellerId:        claim.SellerId,
		DocumentIdsJSON: models.EncodeDocumentIds(documentIds),
		MatchConfidence: confidence,
		Active:          true,
	}
	if err := tx.Create(&link).Error; err != nil {
		return err
	}
	return tx.Model(&models.ClaimCandidate{}).
		Where("claim_id = ?", claim.ClaimId).
		Update("confidence_score", confidence).Error
}

// setClaimStatus is the conditional status transition every claim write goes
// through. Zero rows affected means another writer moved the claim first; the
// transition is silently skipped to keep re-runs idempotent.
func setClaimStatus(tx *gorm.DB, claimId string, from, to models.ClaimStatus) error {
	return tx.Model(&models.ClaimCandidate{}).
		Where("claim_id = ? AND status = ?", claimId, from).
		Update("status", to).Error
}

// loadPhaseClaims fetches the claims a phase should operate on. An explicit
// id list from the trigger payload narrows the set; the status filter makes
// re-runs skip claims already moved forward.
func loadPhaseClaims(tx *gorm.DB, syncId string, claimIds []string, status models.ClaimStatus) ([]models.ClaimCandidate, error) {
	q := tx.Where("sync_id = ? AND status = ?", syncId, status)
	if len(claimIds) > 0 {
		q = q.Where("claim_id IN ?", claimIds)
	}
	var claims []models.ClaimCandidate
	err := q.Order("claim_id ASC").Find(&claims).Error
	return claims, err
}
