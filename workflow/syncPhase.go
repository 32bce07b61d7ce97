package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type onboardingPayload struct {
	Provider string `json:"provider"`
}

// runOnboardingPhase opens the sync unit. It verifies the seller has a live
// marketplace connection and creates the SyncUnit row that the sync gate
// checks for every later phase.
func runOnboardingPhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	payload := onboardingPayload{Provider: models.MarketplaceProviderAmazon}
	decodePayload(m.Payload, &payload)

	conn, err := findConnection(tx, m.SellerId, payload.Provider)
	if err != nil {
		return nil, err
	}
	if conn.Status != models.ConnectionStatusConnected {
		return nil, utils.Validation("onboarding",
			fmt.Errorf("seller %s connection status is %q, expected connected", m.SellerId, conn.Status))
	}

	unit := models.SyncUnit{
		SyncId:    m.SyncId,
		SellerId:  m.SellerId,
		UserId:    m.UserId,
		Status:    models.SyncStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&unit).Error; err != nil {
		return nil, err
	}

	out := &phaseOutcome{
		result: map[string]interface{}{
			"provider":  conn.Provider,
			"storeId":   conn.StoreId,
			"storeName": conn.StoreName,
		},
		message:   "marketplace connection verified",
		nextPhase: models.PhaseDataSync,
	}
	// Trigger options (data type overrides, retry lineage) ride through to
	// the sync phase untouched.
	if len(m.Payload) > 0 {
		out.nextPayload = json.RawMessage(m.Payload)
	}
	return out, nil
}

type dataSyncPayload struct {
	DataTypes   *marketplace.DataTypes `json:"dataTypes"`
	TriggeredBy string                 `json:"triggeredBy"`
	ParentRunId *uint                  `json:"parentRunId"`
}

// runDataSyncPhase pulls raw records from the marketplace API behind the
// cursor state, normalizes them into the canonical schema and upserts them.
// Per-record failures are recorded against the sync run and never fail the
// phase; only a wholesale fetch failure does.
func runDataSyncPhase(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, m config.PhaseMessage) (*phaseOutcome, error) {
	var payload dataSyncPayload
	decodePayload(m.Payload, &payload)

	conn, err := findConnection(tx, m.SellerId, models.MarketplaceProviderAmazon)
	if err != nil {
		return nil, err
	}

	dataTypes := marketplace.DecodeDataTypes(conn.SettingsJSON)
	if payload.DataTypes != nil {
		dataTypes = marketplace.NormalizeDataTypes(*payload.DataTypes)
	}
	triggeredBy := payload.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredSystem
	}

	startedAt := time.Now().UTC()
	run := models.MarketplaceSyncRun{
		SellerId:      m.SellerId,
		ConnectionId:  conn.ID,
		SyncId:        m.SyncId,
		Provider:      conn.Provider,
		Status:        models.SyncRunStatusRunning,
		TriggeredBy:   triggeredBy,
		DataTypesJSON: marketplace.EncodeDataTypes(dataTypes),
		ParentRunId:   payload.ParentRunId,
		StartedAt:     &startedAt,
	}
	if err := tx.Create(&run).Error; err != nil {
		return nil, err
	}

	client, err := marketplace.NewSyncClient(conn.AuthSecretRef)
	if err != nil {
		return nil, utils.UpstreamUnavailable("dataSync", err)
	}

	cursorState := marketplace.DecodeCursorState(conn.CursorStateJSON)
	raw, newCursor, fetchErrs := client.FetchAll(ctx, dataTypes, cursorState)

	normalized := NormalizeRecords(m.SyncId, m.SellerId, raw)
	allErrs := append(fetchErrs, normalized.Skipped...)

	if len(normalized.Records) > 0 {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "seller_id"}, {Name: "record_type"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"sync_id", "order_ref", "amount", "currency", "quantity", "occurred_at", "payload_json", "updated_at",
			}),
		}).CreateInBatches(normalized.Records, 200).Error; err != nil {
			return nil, err
		}
	}

	counts := models.DataCounts{}
	for _, rec := range normalized.Records {
		counts[rec.RecordType]++
	}
	if err := tx.Model(&models.SyncUnit{}).
		Where("sync_id = ?", m.SyncId).
		Update("data_counts_json", models.EncodeDataCounts(counts)).Error; err != nil {
		return nil, err
	}

	if err := finishSyncRun(tx, &run, conn, newCursor, len(normalized.Records), allErrs); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":          "DataSyncPhase",
			"sync_id":        m.SyncId,
			"seller_id":      m.SellerId,
			"records_synced": len(normalized.Records),
			"error_count":    len(allErrs),
		}).Info("data sync finished")
	}

	return &phaseOutcome{
		result: map[string]interface{}{
			"recordsSynced": len(normalized.Records),
			"errorCount":    len(allErrs),
			"dataCounts":    counts,
		},
		message:   fmt.Sprintf("synced %d records", len(normalized.Records)),
		nextPhase: models.PhaseDetection,
	}, nil
}

// finishSyncRun closes the bookkeeping row, persists the advanced cursor and
// writes one MarketplaceSyncError per skipped record. The run is failed only
// if nothing was ingested at all.
func finishSyncRun(tx *gorm.DB, run *models.MarketplaceSyncRun, conn *models.MarketplaceConnection, cursor marketplace.CursorState, synced int, errs []marketplace.FetchError) error {
	finishedAt := time.Now().UTC()
	status := models.SyncRunStatusSuccess
	if len(errs) > 0 {
		status = models.SyncRunStatusPartial
	}
	if synced == 0 && len(errs) > 0 {
		status = models.SyncRunStatusFailed
	}

	for _, fe := range errs {
		rowErr := tx.Create(&models.MarketplaceSyncError{
			SyncRunId:  run.ID,
			SellerId:   run.SellerId,
			EntityType: fe.EntityType,
			ExternalId: fe.ExternalId,
			Message:    fe.Message,
			Retryable:  fe.Retryable,
		}).Error
		if rowErr != nil {
			return rowErr
		}
	}

	var startedAt time.Time
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	if err := tx.Model(run).Updates(map[string]interface{}{
		"status":            status,
		"cursor_state_json": marketplace.EncodeCursorState(cursor),
		"records_synced":    synced,
		"error_count":       len(errs),
		"finished_at":       &finishedAt,
		"duration_ms":       finishedAt.Sub(startedAt).Milliseconds(),
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"cursor_state_json": marketplace.EncodeCursorState(cursor),
		"last_sync_at":      &finishedAt,
	}
	if status != models.SyncRunStatusFailed {
		connUpdates["last_success_sync_at"] = &finishedAt
	}
	if err := tx.Model(conn).Updates(connUpdates).Error; err != nil {
		return err
	}

	if status == models.SyncRunStatusFailed {
		return utils.UpstreamUnavailable("dataSync",
			fmt.Errorf("fetch produced no records and %d errors", len(errs)))
	}
	return nil
}

func findConnection(tx *gorm.DB, sellerId, provider string) (*models.MarketplaceConnection, error) {
	var conn models.MarketplaceConnection
	err := tx.Where("seller_id = ? AND provider = ?", sellerId, provider).
		Order("id DESC").
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.Validation("findConnection",
			fmt.Errorf("no %s connection for seller %s", provider, sellerId))
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}
