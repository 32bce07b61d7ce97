package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"bitbucket.org/sellerguard/recovery_backend/workflow"
	"github.com/sirupsen/logrus"
)

var (
	syncMutexMap = make(map[string]*sync.Mutex)
	globalMutex  = &sync.Mutex{}
)

// RunPhaseWorker starts the Pub/Sub pull consumer for phase trigger
// messages. Within one instance a per-sync mutex keeps triggers for the same
// sync unit serial; across instances the MySQL advisory lock does.
func RunPhaseWorker() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = config.PhaseWorkerConcurrency()

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PhaseMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "phaseWorker.go", "RunPhaseWorker", "Unmarshaling pubsub message", msg.Data, err)
			// Malformed payload never parses: ack/drop.
			msg.Ack()
			return
		}
		if m.SyncId == "" || m.PhaseNumber <= 0 {
			config.LogError(logger, "phaseWorker.go", "RunPhaseWorker", "Invalid phase message", m, nil)
			msg.Ack()
			return
		}

		globalMutex.Lock()
		mutex, exists := syncMutexMap[m.SyncId]
		if !exists {
			mutex = &sync.Mutex{}
			syncMutexMap[m.SyncId] = mutex
		}
		globalMutex.Unlock()

		mutex.Lock()
		defer mutex.Unlock()

		procCtx := utils.SetSellerIdInContext(ctx, m.SellerId)
		procCtx = utils.SetUserIdInContext(procCtx, m.UserId)
		procCtx = utils.SetUserNameInContext(procCtx, "System")
		procCtx = utils.SetSyncIdInContext(procCtx, m.SyncId)
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.ID
		}
		procCtx = utils.SetCorrelationIdInContext(procCtx, correlationID)

		if err := ProcessPhaseMessage(procCtx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "PhaseWorker",
				"sync_id":        m.SyncId,
				"phase":          m.PhaseNumber,
				"message_id":     msg.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "phaseWorker.go", "RunPhaseWorker", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessPhaseMessage runs the orchestrator for one trigger and keeps the
// outbox row's consumer-side bookkeeping in step. A nil return means the
// message is done (successfully or terminally) and must be acked.
func ProcessPhaseMessage(ctx context.Context, logger *logrus.Logger, m config.PhaseMessage) error {
	if err := workflow.ProcessPhaseTrigger(ctx, logger, m); err != nil {
		markOutboxProcessError(ctx, m, err)
		return err
	}
	markOutboxProcessed(ctx, m)
	return nil
}

func markOutboxProcessed(ctx context.Context, m config.PhaseMessage) {
	if m.ID <= 0 {
		return
	}
	now := time.Now().UTC()
	db := config.GetDB()
	_ = db.WithContext(ctx).Model(&models.PhaseMessageRecord{}).
		Where("id = ?", m.ID).
		Updates(map[string]interface{}{
			"is_processed":       true,
			"processed_at":       &now,
			"last_process_error": nil,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

func markOutboxProcessError(ctx context.Context, m config.PhaseMessage, err error) {
	if m.ID <= 0 {
		return
	}
	msg := err.Error()
	db := config.GetDB()
	_ = db.WithContext(ctx).Model(&models.PhaseMessageRecord{}).
		Where("id = ?", m.ID).
		Updates(map[string]interface{}{
			"last_process_error": &msg,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}
