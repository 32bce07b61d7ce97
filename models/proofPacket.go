package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProofPacket is the immutable audit bundle generated once per paid claim.
type ProofPacket struct {
	PacketId      string          `gorm:"primaryKey;size:64" json:"packet_id"`
	ClaimId       string          `gorm:"size:64;not null;uniqueIndex" json:"claim_id"`
	SellerId      string          `gorm:"size:64;not null;index" json:"seller_id"`
	DocumentCount int             `gorm:"not null" json:"document_count"`
	StorageUrl    string          `gorm:"size:512;not null" json:"storage_url"`
	PayoutAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"payout_amount"`
	Currency      string          `gorm:"size:8" json:"currency"`
	GeneratedAt   time.Time       `gorm:"not null" json:"generated_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
