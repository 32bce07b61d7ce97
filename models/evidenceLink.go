package models

import (
	"encoding/json"
	"time"
)

// EvidenceLink associates a claim candidate with supporting documents.
// At most one active link exists per claim; superseded links are kept for
// audit (deactivated, never deleted).
type EvidenceLink struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	ClaimId         string     `gorm:"size:64;not null;index:idx_evidence_claim_active,priority:1" json:"claim_id"`
	SellerId        string     `gorm:"size:64;not null;index" json:"seller_id"`
	DocumentIdsJSON []byte     `gorm:"type:json" json:"document_ids"`
	MatchConfidence float64    `gorm:"not null" json:"match_confidence"`
	Active          bool       `gorm:"not null;default:true;index:idx_evidence_claim_active,priority:2" json:"active"`
	SupersededAt    *time.Time `json:"superseded_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func DecodeDocumentIds(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func EncodeDocumentIds(ids []string) []byte {
	b, _ := json.Marshal(ids)
	return b
}
