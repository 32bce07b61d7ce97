package marketplace

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handlers serves the marketplace connection management endpoints.
type Handlers struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewHandlers(db *gorm.DB, logger *logrus.Logger) *Handlers {
	return &Handlers{DB: db, Logger: logger}
}

// ResolveSellerId picks the seller scope for a request. Admin tooling may
// pass an explicit sellerId; normal sessions carry it in the header set by
// the gateway.
func ResolveSellerId(c *gin.Context) string {
	if v := c.Query("sellerId"); v != "" {
		return v
	}
	return c.GetHeader("X-Seller-Id")
}

func (h *Handlers) Connect(c *gin.Context) {
	sellerId := ResolveSellerId(c)
	if sellerId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
		return
	}
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	var conn models.MarketplaceConnection
	err := h.DB.WithContext(ctx).
		Where("seller_id = ? AND provider = ?", sellerId, models.MarketplaceProviderAmazon).
		Order("id DESC").
		First(&conn).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		conn = models.MarketplaceConnection{
			SellerId:      sellerId,
			Provider:      models.MarketplaceProviderAmazon,
			Status:        models.ConnectionStatusConnected,
			AuthSecretRef: req.APIKey,
			StoreId:       req.StoreId,
			StoreName:     req.StoreName,
			SettingsJSON:  EncodeDataTypes(DefaultDataTypes()),
		}
		if err := h.DB.WithContext(ctx).Create(&conn).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		// Re-connect refreshes credentials and store info in place.
		if err := h.DB.WithContext(ctx).Model(&conn).Updates(map[string]interface{}{
			"status":          models.ConnectionStatusConnected,
			"auth_secret_ref": req.APIKey,
			"store_id":        req.StoreId,
			"store_name":      req.StoreName,
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if h.Logger != nil {
		h.Logger.WithFields(logrus.Fields{
			"field":     "MarketplaceConnect",
			"seller_id": sellerId,
			"store_id":  req.StoreId,
		}).Info("marketplace connection established")
	}
	c.JSON(http.StatusOK, gin.H{"status": conn.Status, "storeId": conn.StoreId})
}

func (h *Handlers) Disconnect(c *gin.Context) {
	sellerId := ResolveSellerId(c)
	if sellerId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
		return
	}
	res := h.DB.WithContext(c.Request.Context()).
		Model(&models.MarketplaceConnection{}).
		Where("seller_id = ? AND provider = ? AND status = ?", sellerId, models.MarketplaceProviderAmazon, models.ConnectionStatusConnected).
		Updates(map[string]interface{}{
			"status":          models.ConnectionStatusDisconnected,
			"auth_secret_ref": "",
		})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no connected marketplace"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ConnectionStatusDisconnected})
}

func (h *Handlers) Status(c *gin.Context) {
	sellerId := ResolveSellerId(c)
	if sellerId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
		return
	}
	var conn models.MarketplaceConnection
	err := h.DB.WithContext(c.Request.Context()).
		Where("seller_id = ? AND provider = ?", sellerId, models.MarketplaceProviderAmazon).
		Order("id DESC").
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{Status: models.ConnectionStatusDisconnected},
			DataTypes:  DefaultDataTypes(),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Connection: ConnectionResponse{
			Status:    conn.Status,
			StoreId:   conn.StoreId,
			StoreName: conn.StoreName,
		},
		LastSyncAt:        formatTimePtr(conn.LastSyncAt),
		LastSuccessSyncAt: formatTimePtr(conn.LastSuccessSyncAt),
		DataTypes:         DecodeDataTypes(conn.SettingsJSON),
	})
}

func (h *Handlers) UpdateSettings(c *gin.Context) {
	sellerId := ResolveSellerId(c)
	if sellerId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
		return
	}
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	normalized := NormalizeDataTypes(req.DataTypes)
	res := h.DB.WithContext(c.Request.Context()).
		Model(&models.MarketplaceConnection{}).
		Where("seller_id = ? AND provider = ?", sellerId, models.MarketplaceProviderAmazon).
		Update("settings_json", EncodeDataTypes(normalized))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no marketplace connection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataTypes": normalized})
}

func (h *Handlers) History(c *gin.Context) {
	sellerId := ResolveSellerId(c)
	if sellerId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	var runs []models.MarketplaceSyncRun
	if err := h.DB.WithContext(c.Request.Context()).
		Where("seller_id = ?", sellerId).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := SyncHistoryResponse{Items: make([]SyncRunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Items = append(resp.Items, toSyncRunResponse(run))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) RunDetail(c *gin.Context) {
	sellerId := ResolveSellerId(c)
	runId, err := strconv.Atoi(c.Param("runId"))
	if sellerId == "" || err != nil || runId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller id and run id are required"})
		return
	}
	var run models.MarketplaceSyncRun
	dbErr := h.DB.WithContext(c.Request.Context()).
		Where("id = ? AND seller_id = ?", runId, sellerId).
		First(&run).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
		return
	}
	if dbErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": dbErr.Error()})
		return
	}
	var rows []models.MarketplaceSyncError
	if err := h.DB.WithContext(c.Request.Context()).
		Where("sync_run_id = ?", run.ID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	detail := SyncRunDetailResponse{SyncRunResponse: toSyncRunResponse(run)}
	for _, e := range rows {
		detail.Errors = append(detail.Errors, SyncErrorResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			ExternalId: e.ExternalId,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	c.JSON(http.StatusOK, detail)
}

func toSyncRunResponse(run models.MarketplaceSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		SyncId:        run.SyncId,
		Status:        run.Status,
		StartedAt:     formatTimePtr(run.StartedAt),
		FinishedAt:    formatTimePtr(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
