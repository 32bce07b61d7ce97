package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/middlewares"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"bitbucket.org/sellerguard/recovery_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("sellerguard-recovery")

var validate = validator.New()

// RateLimiter is a fixed-window limiter backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubPushMessage is the envelope of a Pub/Sub push delivery.
type PubSubPushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

// phasePubSubHandler consumes phase trigger messages delivered by Pub/Sub
// push subscriptions.
func phasePubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubPushMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization.
		// Reliability must not depend on Redis: the MySQL advisory lock in
		// ProcessPhaseTrigger() serializes per sync unit regardless.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "phasePubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "phasePubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PhaseMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "phasePubSubHandler", "Unmarshal phase message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.SyncId == "" || m.PhaseNumber < models.PhaseMin || m.PhaseNumber > models.PhaseMax {
			config.LogError(logger, "server.go", "phasePubSubHandler", "Invalid phase message (missing required fields)", m, fmt.Errorf("sync_id/phase_number required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		// Best-effort: try to obtain a lock for the sync to avoid long in-request blocking.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":      "phasePubSubHandler",
				"sync_id":    m.SyncId,
				"phase":      m.PhaseNumber,
				"message_id": msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.SyncId), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":      "phasePubSubHandler",
					"sync_id":    m.SyncId,
					"phase":      m.PhaseNumber,
					"message_id": msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "phasePubSubHandler",
					"sync_id":    m.SyncId,
					"phase":      m.PhaseNumber,
					"message_id": msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":      "phasePubSubHandler",
					"sync_id":    m.SyncId,
					"message_id": msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetSellerIdInContext(c.Request.Context(), m.SellerId)
		ctx = utils.SetUserIdInContext(ctx, m.UserId)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetSyncIdInContext(ctx, m.SyncId)
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		ctx, span := tracer.Start(ctx, "phase.process")
		span.SetAttributes(
			attribute.String("sync.id", m.SyncId),
			attribute.Int("phase.number", m.PhaseNumber),
		)
		err = ProcessPhaseMessage(ctx, logger, m)
		span.End()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "phasePubSubHandler",
				"sync_id":        m.SyncId,
				"phase":          m.PhaseNumber,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

type triggerPhaseRequest struct {
	SyncId  string          `json:"syncId" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// triggerPhaseHandler is the manual/system phase trigger endpoint. It
// responds with the idempotency verdict immediately; execution happens on
// the worker.
func triggerPhaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		phaseNumber, err := strconv.Atoi(c.Param("phaseNumber"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phase number"})
			return
		}
		var req triggerPhaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sellerId := marketplace.ResolveSellerId(c)
		if sellerId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
			return
		}
		userId := resolveUserId(c)

		ctx := c.Request.Context()
		var payload interface{}
		if len(req.Payload) > 0 {
			payload = req.Payload
		}
		outcome, err := workflow.TriggerPhaseAsync(ctx, config.GetDB(), sellerId, userId, req.SyncId, phaseNumber, payload)
		if err != nil {
			status := http.StatusInternalServerError
			if utils.KindOf(err) == utils.ErrKindValidation {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": outcome.Message})
			return
		}
		c.JSON(http.StatusAccepted, outcome)
	}
}

func phaseStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		syncId := c.Param("syncId")
		if syncId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sync id is required"})
			return
		}
		records, err := workflow.GetPhaseStatus(config.GetDB().WithContext(c.Request.Context()), syncId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(records) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no phase records for sync"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"syncId": syncId, "phases": records})
	}
}

type triggerSyncRequest struct {
	DataTypes *marketplace.DataTypes `json:"dataTypes"`
}

// triggerSyncHandler starts a fresh recovery workflow for the seller: new
// sync id, phase 1.
func triggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerId := marketplace.ResolveSellerId(c)
		if sellerId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seller id is required"})
			return
		}
		var req triggerSyncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
				return
			}
		}

		syncId := uuid.NewString()
		payload := map[string]interface{}{"triggeredBy": models.SyncTriggeredManual}
		if req.DataTypes != nil {
			payload["dataTypes"] = marketplace.NormalizeDataTypes(*req.DataTypes)
		}
		outcome, err := workflow.TriggerPhaseAsync(c.Request.Context(), config.GetDB(), sellerId, resolveUserId(c), syncId, models.PhaseOnboarding, payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": outcome.Message})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"syncId": syncId, "phase": outcome.Phase, "message": outcome.Message})
	}
}

// retrySyncRunHandler re-runs a failed ingestion as a new workflow linked to
// the original run.
func retrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerId := marketplace.ResolveSellerId(c)
		runId, err := strconv.Atoi(c.Param("runId"))
		if sellerId == "" || err != nil || runId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seller id and run id are required"})
			return
		}

		db := config.GetDB()
		var run models.MarketplaceSyncRun
		dbErr := db.WithContext(c.Request.Context()).
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
		if run.Status != models.SyncRunStatusFailed && run.Status != models.SyncRunStatusPartial {
			c.JSON(http.StatusConflict, gin.H{"error": "only failed or partial runs can be retried"})
			return
		}

		parentId := run.ID
		syncId := uuid.NewString()
		payload := map[string]interface{}{
			"triggeredBy": models.SyncTriggeredRetry,
			"parentRunId": parentId,
		}
		outcome, err := workflow.TriggerPhaseAsync(c.Request.Context(), db, sellerId, resolveUserId(c), syncId, models.PhaseOnboarding, payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": outcome.Message})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"syncId": syncId, "parentRunId": parentId, "message": outcome.Message})
	}
}

type rejectionWebhook struct {
	ClaimId string `json:"claimId"`
	CaseId  string `json:"caseId"`
	Reason  string `json:"reason" validate:"required"`
}

type payoutWebhook struct {
	ClaimId  string          `json:"claimId"`
	CaseId   string          `json:"caseId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required"`
}

// webhookSecretOK checks the shared-secret header marketplaces sign their
// callbacks with.
func webhookSecretOK(c *gin.Context) bool {
	secret := strings.TrimSpace(os.Getenv("WEBHOOK_SHARED_SECRET"))
	if secret == "" {
		return true
	}
	return c.GetHeader("X-Webhook-Secret") == secret
}

func rejectionWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !webhookSecretOK(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var body rejectionWebhook
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if err := validate.Struct(body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcome, err := workflow.HandleExternalSignal(c.Request.Context(), config.GetDB(), config.GetLogger(), models.SignalRejection, workflow.SignalPayload{
			ClaimId: body.ClaimId,
			CaseId:  body.CaseId,
			Reason:  body.Reason,
		})
		respondSignalOutcome(c, outcome, err)
	}
}

func payoutWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !webhookSecretOK(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var body payoutWebhook
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if err := validate.Struct(body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcome, err := workflow.HandleExternalSignal(c.Request.Context(), config.GetDB(), config.GetLogger(), models.SignalPayout, workflow.SignalPayload{
			ClaimId:  body.ClaimId,
			CaseId:   body.CaseId,
			Amount:   body.Amount,
			Currency: body.Currency,
		})
		respondSignalOutcome(c, outcome, err)
	}
}

func respondSignalOutcome(c *gin.Context, outcome workflow.TriggerOutcome, err error) {
	if err != nil {
		if utils.KindOf(err) == utils.ErrKindValidation {
			// Ack the webhook: a claim that can never match will never
			// match, retrying is pointless.
			c.JSON(http.StatusOK, gin.H{"accepted": false, "message": outcome.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": outcome.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true, "message": outcome.Message})
}

func resolveUserId(c *gin.Context) string {
	if claim := middlewares.CtxValue(c.Request.Context()); claim != nil && claim.UserId != "" {
		return claim.UserId
	}
	if v := c.GetHeader("X-User-Id"); v != "" {
		return v
	}
	return "system"
}

type answerPromptRequest struct {
	Answer string `json:"answer" validate:"required"`
}

func answerPromptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		promptId := c.Param("promptId")
		var req answerPromptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		prompt, err := workflow.AnswerPrompt(c.Request.Context(), config.GetDB(), config.GetLogger(), promptId, resolveUserId(c), req.Answer)
		switch {
		case errors.Is(err, workflow.ErrPromptNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found"})
		case errors.Is(err, workflow.ErrPromptExpired):
			c.JSON(http.StatusGone, gin.H{"error": "prompt expired; claim moved to manual review"})
		case errors.Is(err, workflow.ErrPromptAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "prompt already resolved"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, prompt)
		}
	}
}

func dismissPromptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		promptId := c.Param("promptId")
		err := workflow.DismissPrompt(c.Request.Context(), config.GetDB(), promptId, resolveUserId(c))
		switch {
		case errors.Is(err, workflow.ErrPromptNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found"})
		case errors.Is(err, workflow.ErrPromptAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "prompt already resolved"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"status": string(models.PromptStatusDismissed)})
		}
	}
}

func listPromptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		prompts, err := workflow.ListPendingPrompts(c.Request.Context(), config.GetDB(), resolveUserId(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": prompts})
	}
}

type outboxRequeueRequest struct {
	RecordId int `json:"recordId" validate:"required,gt=0"`
}

// outboxRequeueHandler reschedules a DEAD/FAILED outbox record for
// immediate publish. Admin ops tooling.
func outboxRequeueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxRequeueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		db := config.GetDB()
		now := time.Now().UTC()
		res := db.WithContext(c.Request.Context()).
			Model(&models.PhaseMessageRecord{}).
			Where("id = ? AND is_processed = 0", req.RecordId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			})
		if res.Error != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no unprocessed outbox record with that id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Seller-Id", "X-User-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Workflow surface.
	r.POST("/workflow/phase/:phaseNumber", triggerPhaseHandler())
	r.GET("/workflow/status/:syncId", phaseStatusHandler())
	r.POST("/pubsub", phasePubSubHandler())

	// Marketplace signals.
	r.POST("/webhooks/rejection", rejectionWebhookHandler())
	r.POST("/webhooks/payout", payoutWebhookHandler())

	// Smart prompts.
	r.GET("/prompts", listPromptsHandler())
	r.POST("/prompts/:promptId/answer", answerPromptHandler())
	r.POST("/prompts/:promptId/dismiss", dismissPromptHandler())

	// Marketplace connection management.
	mh := marketplace.NewHandlers(config.GetDB(), logger)
	// Handlers read the DB lazily through closures below because GetDB() is
	// nil until the retry loop connects.
	r.POST("/marketplace/connect", withDB(mh, (*marketplace.Handlers).Connect))
	r.POST("/marketplace/disconnect", withDB(mh, (*marketplace.Handlers).Disconnect))
	r.GET("/marketplace/status", withDB(mh, (*marketplace.Handlers).Status))
	r.PUT("/marketplace/settings", withDB(mh, (*marketplace.Handlers).UpdateSettings))
	r.POST("/marketplace/sync", triggerSyncHandler())
	r.GET("/marketplace/sync/history", withDB(mh, (*marketplace.Handlers).History))
	r.GET("/marketplace/sync/runs/:runId", withDB(mh, (*marketplace.Handlers).RunDetail))
	r.POST("/marketplace/sync/runs/:runId/retry", retrySyncRunHandler())

	// Ops tooling (admin only): requeue outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/requeue", middlewares.RequireAdmin(), outboxRequeueHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	mh.DB = db
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// Outbox dispatcher publishes phase triggers AFTER commit.
	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	// Expired prompts move to manual review on a timer.
	go workflow.RunPromptSweeper(workerCtx, logger)
	// Backup consumer for environments without Pub/Sub delivery.
	if shouldRunDirectOutboxProcessor() {
		go NewOutboxDirectProcessor(db, logger).Run(workerCtx)
	}
	// Pull consumer (in addition to the /pubsub push endpoint).
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PUBSUB_PULL_ENABLED")), "true") {
		if err := RunPhaseWorker(); err != nil {
			logger.WithFields(logrus.Fields{"field": "PhaseWorker"}).Error("failed to start pull worker: " + err.Error())
		}
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// withDB rebinds the handler set to the live DB on every request; GetDB()
// is nil until the startup retry loop connects.
func withDB(h *marketplace.Handlers, fn func(*marketplace.Handlers, *gin.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.DB = config.GetDB()
		fn(h, c)
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP()

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
