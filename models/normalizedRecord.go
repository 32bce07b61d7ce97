package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NormalizedRecord is the canonical internal schema for heterogeneous
// marketplace data. Dedup key: (seller_id, record_type, external_id) —
// re-running a sync upserts instead of duplicating.
type NormalizedRecord struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	SyncId     string     `gorm:"size:64;not null;index" json:"sync_id"`
	SellerId   string     `gorm:"size:64;not null;uniqueIndex:uniq_record,priority:1" json:"seller_id"`
	RecordType RecordType `gorm:"size:20;not null;uniqueIndex:uniq_record,priority:2" json:"record_type"`
	ExternalId string     `gorm:"size:128;not null;uniqueIndex:uniq_record,priority:3" json:"external_id"`
	// OrderRef groups shipments/returns/settlements/fees under their order.
	OrderRef    string          `gorm:"size:128;index" json:"order_ref"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency    string          `gorm:"size:8" json:"currency"`
	Quantity    int             `gorm:"default:0" json:"quantity"`
	OccurredAt  time.Time       `gorm:"index" json:"occurred_at"`
	PayloadJSON []byte          `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
