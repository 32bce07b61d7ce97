package models

import (
	"encoding/json"
	"time"
)

// SyncUnit is one seller's data-ingestion run. Status writes are owned
// exclusively by the orchestrator.
type SyncUnit struct {
	SyncId         string     `gorm:"primaryKey;size:64" json:"sync_id"`
	SellerId       string     `gorm:"size:64;not null;index" json:"seller_id"`
	UserId         string     `gorm:"size:64;not null;index" json:"user_id"`
	Status         SyncStatus `gorm:"size:20;not null;index" json:"status"`
	DataCountsJSON []byte     `gorm:"type:json" json:"data_counts"`
	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	FailureReason  *string    `gorm:"type:text" json:"failure_reason"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DataCounts is the per-record-type tally of one ingestion run.
type DataCounts map[RecordType]int

func DecodeDataCounts(raw []byte) DataCounts {
	if len(raw) == 0 {
		return DataCounts{}
	}
	var counts DataCounts
	if err := json.Unmarshal(raw, &counts); err != nil {
		return DataCounts{}
	}
	return counts
}

func EncodeDataCounts(counts DataCounts) []byte {
	b, _ := json.Marshal(counts)
	return b
}

func (c DataCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}
