package models

import "time"

// PhaseRecord is the idempotency and audit ledger for phase execution.
// Unique constraint: (sync_id, phase_number). For a given pair at most one
// record ever reaches completed; rows are never deleted.
type PhaseRecord struct {
	ID            int         `gorm:"primary_key" json:"id"`
	SyncId        string      `gorm:"size:64;not null;index:uniq_phase,unique" json:"sync_id"`
	PhaseNumber   int         `gorm:"not null;index:uniq_phase,unique" json:"phase_number"`
	SellerId      string      `gorm:"size:64;not null;index" json:"seller_id"`
	UserId        string      `gorm:"size:64;not null" json:"user_id"`
	Status        PhaseStatus `gorm:"size:20;not null;index" json:"status"`
	PreviousPhase *int        `json:"previous_phase"`
	Attempts      int         `gorm:"not null;default:0" json:"attempts"`
	StartedAt     *time.Time  `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at"`
	ErrorMessage  *string     `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
