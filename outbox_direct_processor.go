package main

import (
	"context"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDirectProcessor processes unhandled outbox records without Pub/Sub.
// This is intended for local/dev environments where Pub/Sub is not configured.
type OutboxDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxDirectProcessor(db *gorm.DB, logger *logrus.Logger) *OutboxDirectProcessor {
	return &OutboxDirectProcessor{
		DB:        db,
		Logger:    logger,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.PhaseMessageRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("is_processed = 0").
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.PhaseMessageRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at": claimed[i].LockedAt,
					"locked_by": claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		msg := models.ConvertToPhaseMessage(rec)
		procCtx := utils.SetSellerIdInContext(ctx, rec.SellerId)
		procCtx = utils.SetUserIdInContext(procCtx, rec.UserId)
		procCtx = utils.SetUserNameInContext(procCtx, "System")
		procCtx = utils.SetSyncIdInContext(procCtx, rec.SyncId)
		procCtx = utils.SetCorrelationIdInContext(procCtx, rec.CorrelationId)

		if err := ProcessPhaseMessage(procCtx, p.Logger, msg); err != nil {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "OutboxDirectProcessor",
					"sync_id":   rec.SyncId,
					"phase":     rec.PhaseNumber,
					"record_id": rec.ID,
				}).Error("direct processing failed: " + err.Error())
			}
			continue
		}
	}
}

// shouldRunDirectOutboxProcessor defaults to true as a safety net: outbox
// rows stay PENDING forever if Pub/Sub delivery is misconfigured, and
// processing is idempotent either way. Disable in production with
// DIRECT_PHASE_PROCESSING=false.
func shouldRunDirectOutboxProcessor() bool {
	return config.DirectPhaseProcessing()
}
