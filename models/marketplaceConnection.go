package models

import "time"

const (
	MarketplaceProviderAmazon = "amazon"
)

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// MarketplaceConnection is one seller's marketplace API connection.
// Credentials live in the secret manager; only the reference is stored here.
type MarketplaceConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	SellerId          string     `gorm:"index;not null" json:"seller_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	StoreId           string     `gorm:"size:100" json:"store_id"`
	StoreName         string     `gorm:"size:255" json:"store_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MarketplaceSyncRun records one ingestion run against the marketplace API.
// A retry creates a child run linked via ParentRunId.
type MarketplaceSyncRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	SellerId        string     `gorm:"index;not null" json:"seller_id"`
	ConnectionId    uint       `gorm:"index;not null" json:"connection_id"`
	SyncId          string     `gorm:"size:64;index" json:"sync_id"`
	Provider        string     `gorm:"index;size:50;not null" json:"provider"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	DataTypesJSON   []byte     `gorm:"type:json" json:"data_types"`
	StatsJSON       []byte     `gorm:"type:json" json:"stats"`
	CursorStateJSON []byte     `gorm:"type:json" json:"cursor_state"`
	RecordsSynced   int        `json:"records_synced"`
	ErrorCount      int        `json:"error_count"`
	ParentRunId     *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type MarketplaceSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	SellerId    string    `gorm:"index;not null" json:"seller_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
