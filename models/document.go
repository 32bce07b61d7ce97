package models

import "time"

// Document is an ingested seller document (invoice, shipping label, POD)
// referenced by evidence links. Parsing/OCR happens upstream; this service
// only stores the pointer and extracted metadata.
type Document struct {
	DocumentId   string    `gorm:"primaryKey;size:64" json:"document_id"`
	SellerId     string    `gorm:"size:64;not null;index" json:"seller_id"`
	DocumentType string    `gorm:"size:50;index" json:"document_type"`
	FileName     string    `gorm:"size:255" json:"file_name"`
	StorageUrl   string    `gorm:"size:512;not null" json:"storage_url"`
	MetadataJSON []byte    `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
