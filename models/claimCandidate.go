package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimCandidate is a detected anomaly with an estimated recoverable value.
// ConfidenceScore is set once per detection pass; it is only replaced by a
// later evidence-matching re-score, never edited in place.
// Status transitions go through the orchestrator/router, never direct writes.
type ClaimCandidate struct {
	ClaimId         string          `gorm:"primaryKey;size:64" json:"claim_id"`
	SyncId          string          `gorm:"size:64;not null;index" json:"sync_id"`
	SellerId        string          `gorm:"size:64;not null;index" json:"seller_id"`
	UserId          string          `gorm:"size:64;not null;index" json:"user_id"`
	AnomalyType     string          `gorm:"size:50;not null;index" json:"anomaly_type"`
	EstimatedValue  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"estimated_value"`
	Currency        string          `gorm:"size:8;not null" json:"currency"`
	ConfidenceScore float64         `gorm:"not null" json:"confidence_score"`
	Status          ClaimStatus     `gorm:"size:20;not null;index" json:"status"`
	// Marketplace case id, set after submission is accepted.
	CaseId      *string    `gorm:"size:100;index" json:"case_id"`
	SubmittedAt *time.Time `json:"submitted_at"`
	ResolvedAt  *time.Time `json:"resolved_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
