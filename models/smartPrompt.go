package models

import "time"

// SmartPrompt is a time-bound question posed to the user when evidence
// matching lands in the ambiguous band. AnswerPrompt and the expiry sweep
// race on the same row; both use conditional updates on status = pending so
// exactly one terminal state wins.
type SmartPrompt struct {
	PromptId string       `gorm:"primaryKey;size:64" json:"prompt_id"`
	ClaimId  string       `gorm:"size:64;not null;index" json:"claim_id"`
	SellerId string       `gorm:"size:64;not null;index" json:"seller_id"`
	UserId   string       `gorm:"size:64;not null;index" json:"user_id"`
	Question string       `gorm:"type:text;not null" json:"question"`
	Status   PromptStatus `gorm:"size:20;not null;index" json:"status"`
	Answer   *string      `gorm:"type:text" json:"answer"`
	// Confidence derived from the answer, used to re-route the claim.
	RevisedConfidence *float64   `json:"revised_confidence"`
	ExpiresAt         time.Time  `gorm:"not null;index" json:"expires_at"`
	AnsweredAt        *time.Time `json:"answered_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
