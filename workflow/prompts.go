package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrPromptNotFound        = errors.New("prompt not found")
	ErrPromptAlreadyResolved = errors.New("prompt already resolved")
	ErrPromptExpired         = errors.New("prompt expired")
)

const pendingPromptsCacheTTL = 30 * time.Second

func pendingPromptsCacheKey(userId string) string {
	return "prompts:pending:" + userId
}

// invalidatePendingPromptsCache drops the user's cached prompt list after
// any prompt state change. Best-effort; a stale entry ages out via TTL.
func invalidatePendingPromptsCache(userId string) {
	if userId == "" {
		return
	}
	_ = config.DeleteRedisKey(pendingPromptsCacheKey(userId))
}

// CreatePrompt opens a pending smart prompt for a claim in the ambiguous
// confidence band. At most one pending prompt exists per claim; an existing
// one is returned as-is.
func CreatePrompt(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, claim models.ClaimCandidate, confidence float64) (*models.SmartPrompt, error) {
	var existing models.SmartPrompt
	err := tx.Where("claim_id = ? AND status = ?", claim.ClaimId, models.PromptStatusPending).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	prompt := models.SmartPrompt{
		PromptId:  uuid.New().String(),
		ClaimId:   claim.ClaimId,
		SellerId:  claim.SellerId,
		UserId:    claim.UserId,
		Question:  promptQuestion(claim, confidence),
		Status:    models.PromptStatusPending,
		ExpiresAt: time.Now().UTC().Add(config.SmartPromptTTL()),
	}
	if err := tx.Create(&prompt).Error; err != nil {
		return nil, err
	}

	EmitPromptEvent(ctx, logger, prompt.PromptId, claim.ClaimId, claim.UserId, prompt.Question, prompt.ExpiresAt)
	invalidatePendingPromptsCache(claim.UserId)
	return &prompt, nil
}

func promptQuestion(claim models.ClaimCandidate, confidence float64) string {
	return fmt.Sprintf(
		"We found a possible %s worth %s %s, but the supporting evidence is inconclusive (%.0f%% match). Can you confirm this item was never reimbursed?",
		claim.AnomalyType, claim.EstimatedValue.StringFixed(2), claim.Currency, confidence*100)
}

// AnswerPrompt resolves a pending prompt with the user's answer, re-scores
// the claim's evidence with that answer as context, and routes the claim
// again. A second ambiguous score goes to manual review instead of another
// prompt; prompts never chain.
//
// The answer races the expiry sweep on the same row. Both sides move it off
// pending with a conditional update, so exactly one wins.
func AnswerPrompt(ctx context.Context, db *gorm.DB, logger *logrus.Logger, promptId, userId, answer string) (*models.SmartPrompt, error) {
	var prompt models.SmartPrompt
	err := db.WithContext(ctx).Where("prompt_id = ?", promptId).First(&prompt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}
	if userId != "" && prompt.UserId != userId {
		return nil, ErrPromptNotFound
	}

	switch prompt.Status {
	case models.PromptStatusPending:
	case models.PromptStatusExpired:
		return nil, ErrPromptExpired
	default:
		return nil, ErrPromptAlreadyResolved
	}
	if time.Now().UTC().After(prompt.ExpiresAt) {
		// Past TTL but the sweep has not run yet: the answer loses.
		return nil, ErrPromptExpired
	}

	var claim models.ClaimCandidate
	if err := db.WithContext(ctx).Where("claim_id = ?", prompt.ClaimId).First(&claim).Error; err != nil {
		return nil, err
	}

	revised, err := rescoreWithAnswer(ctx, db, claim, answer)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SmartPrompt{}).
			Where("prompt_id = ? AND status = ?", promptId, models.PromptStatusPending).
			Updates(map[string]interface{}{
				"status":             models.PromptStatusAnswered,
				"answer":             &answer,
				"revised_confidence": &revised,
				"answered_at":        &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race against the sweep (or a concurrent answer).
			return ErrPromptAlreadyResolved
		}

		if err := tx.Model(&models.ClaimCandidate{}).
			Where("claim_id = ?", claim.ClaimId).
			Update("confidence_score", revised).Error; err != nil {
			return err
		}
		return routeAnsweredClaim(ctx, tx, logger, claim, revised)
	})
	if err != nil {
		if errors.Is(err, ErrPromptAlreadyResolved) {
			// Re-read to report precisely which terminal state won.
			var latest models.SmartPrompt
			if e := db.WithContext(ctx).Where("prompt_id = ?", promptId).First(&latest).Error; e == nil &&
				latest.Status == models.PromptStatusExpired {
				return nil, ErrPromptExpired
			}
		}
		return nil, err
	}

	prompt.Status = models.PromptStatusAnswered
	prompt.Answer = &answer
	prompt.RevisedConfidence = &revised
	prompt.AnsweredAt = &now
	invalidatePendingPromptsCache(prompt.UserId)
	return &prompt, nil
}

// rescoreWithAnswer asks the matcher to re-score the claim with the user's
// answer as extra context.
func rescoreWithAnswer(ctx context.Context, db *gorm.DB, claim models.ClaimCandidate, answer string) (float64, error) {
	var link models.EvidenceLink
	err := db.WithContext(ctx).
		Where("claim_id = ? AND active = ?", claim.ClaimId, true).
		First(&link).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	result, err := marketplace.NewMatcherClient().
		Rescore(ctx, claim.ClaimId, models.DecodeDocumentIds(link.DocumentIdsJSON), answer)
	if err != nil {
		return 0, err
	}
	return result.MatchConfidence, nil
}

// routeAnsweredClaim applies the second routing pass. Auto-submit goes
// straight to the marketplace through the same path the submission phase
// uses; everything else lands in manual review.
func routeAnsweredClaim(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, claim models.ClaimCandidate, revised float64) error {
	if Route(revised, DefaultThresholds()) != RouteAutoSubmit {
		return setClaimStatus(tx, claim.ClaimId, models.ClaimStatusPrompted, models.ClaimStatusManualReview)
	}

	conn, err := findConnection(tx, claim.SellerId, models.MarketplaceProviderAmazon)
	if err != nil {
		return err
	}
	submitter, err := marketplace.NewSubmitter(conn.AuthSecretRef)
	if err != nil {
		return err
	}
	_, err = submitOne(ctx, tx, logger, submitter, claim, models.ClaimStatusPrompted)
	return err
}

// DismissPrompt lets the user decline a prompt; the claim goes to manual
// review.
func DismissPrompt(ctx context.Context, db *gorm.DB, promptId, userId string) error {
	var prompt models.SmartPrompt
	err := db.WithContext(ctx).Where("prompt_id = ?", promptId).First(&prompt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrPromptNotFound
	}
	if err != nil {
		return err
	}
	if userId != "" && prompt.UserId != userId {
		return ErrPromptNotFound
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SmartPrompt{}).
			Where("prompt_id = ? AND status = ?", promptId, models.PromptStatusPending).
			Update("status", models.PromptStatusDismissed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPromptAlreadyResolved
		}
		return setClaimStatus(tx, prompt.ClaimId, models.ClaimStatusPrompted, models.ClaimStatusManualReview)
	})
	if err == nil {
		invalidatePendingPromptsCache(prompt.UserId)
	}
	return err
}

// ListPendingPrompts returns the user's open prompts, soonest expiry first.
func ListPendingPrompts(ctx context.Context, db *gorm.DB, userId string) ([]models.SmartPrompt, error) {
	var prompts []models.SmartPrompt
	if found, err := config.GetRedisObject(pendingPromptsCacheKey(userId), &prompts); err == nil && found {
		return prompts, nil
	}

	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userId, models.PromptStatusPending).
		Order("expires_at ASC").
		Find(&prompts).Error
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(pendingPromptsCacheKey(userId), prompts, pendingPromptsCacheTTL)
	return prompts, nil
}

// SweepExpiredPrompts expires every pending prompt past its TTL and sends
// the affected claims to manual review. Returns how many prompts this sweep
// actually won.
func SweepExpiredPrompts(ctx context.Context, db *gorm.DB, logger *logrus.Logger) (int, error) {
	now := time.Now().UTC()
	var due []models.SmartPrompt
	if err := db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.PromptStatusPending, now).
		Limit(500).
		Find(&due).Error; err != nil {
		return 0, err
	}

	swept := 0
	for _, prompt := range due {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.SmartPrompt{}).
				Where("prompt_id = ? AND status = ?", prompt.PromptId, models.PromptStatusPending).
				Update("status", models.PromptStatusExpired)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// An answer slipped in first.
				return nil
			}
			swept++
			invalidatePendingPromptsCache(prompt.UserId)
			return setClaimStatus(tx, prompt.ClaimId, models.ClaimStatusPrompted, models.ClaimStatusManualReview)
		})
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":     "PromptSweep",
					"prompt_id": prompt.PromptId,
				}).Error("failed to expire prompt: " + err.Error())
			}
		}
	}
	return swept, nil
}

// RunPromptSweeper loops SweepExpiredPrompts on the configured interval
// until ctx is cancelled.
func RunPromptSweeper(ctx context.Context, logger *logrus.Logger) {
	ticker := time.NewTicker(config.PromptSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := SweepExpiredPrompts(ctx, config.GetDB(), logger)
			if err != nil && logger != nil {
				logger.WithField("field", "PromptSweep").Error("sweep failed: " + err.Error())
				continue
			}
			if swept > 0 && logger != nil {
				logger.WithFields(logrus.Fields{
					"field": "PromptSweep",
					"swept": swept,
				}).Info("expired prompts swept to manual review")
			}
		}
	}
}
