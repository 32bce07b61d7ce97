package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/appctx"
	"bitbucket.org/sellerguard/recovery_backend/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PhaseMessageRecord is the transactional outbox row for a phase trigger.
// It is written inside the transaction that commits the triggering state
// change; publishing to Pub/Sub happens after commit via the dispatcher.
type PhaseMessageRecord struct {
	ID          int    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	SellerId    string `gorm:"size:64;not null;index" json:"seller_id"`
	UserId      string `gorm:"size:64;not null" json:"user_id"`
	SyncId      string `gorm:"size:64;not null;index" json:"sync_id"`
	PhaseNumber int    `gorm:"not null;index" json:"phase_number"`
	Payload     []byte `gorm:"type:blob" json:"payload"`
	IsProcessed bool   `gorm:"index;not null" json:"is_processed"`
	// Publish metadata (dispatcher side).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	// Processing metadata (consumer side).
	LastProcessError *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt      *time.Time `gorm:"index" json:"processed_at"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPhaseMessage(record PhaseMessageRecord) config.PhaseMessage {
	return config.PhaseMessage{
		ID:            record.ID,
		SellerId:      record.SellerId,
		UserId:        record.UserId,
		SyncId:        record.SyncId,
		PhaseNumber:   record.PhaseNumber,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}

// EnqueuePhaseTrigger writes the trigger record inside the caller's DB
// transaction but does NOT publish to Pub/Sub. Publishing is performed
// asynchronously by the outbox dispatcher after commit, so callers never
// block on downstream phase execution.
func EnqueuePhaseTrigger(ctx context.Context, tx *gorm.DB, sellerId, userId, syncId string, phaseNumber int, payload interface{}) error {
	var payloadInByte []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		payloadInByte = b
	}

	record := PhaseMessageRecord{
		SellerId:      sellerId,
		UserId:        userId,
		SyncId:        syncId,
		PhaseNumber:   phaseNumber,
		Payload:       payloadInByte,
		IsProcessed:   false,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
