package workflow

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// packetManifest is the machine-readable table of contents inside every
// proof packet archive.
type packetManifest struct {
	PacketId     string           `json:"packetId"`
	ClaimId      string           `json:"claimId"`
	SellerId     string           `json:"sellerId"`
	CaseId       string           `json:"caseId,omitempty"`
	AnomalyType  string           `json:"anomalyType"`
	PayoutAmount string           `json:"payoutAmount"`
	Currency     string           `json:"currency"`
	GeneratedAt  string           `json:"generatedAt"`
	Documents    []packetDocument `json:"documents"`
}

type packetDocument struct {
	DocumentId   string `json:"documentId"`
	DocumentType string `json:"documentType"`
	FileName     string `json:"fileName"`
	StorageUrl   string `json:"storageUrl"`
}

// GenerateProofPacket bundles the paid claim's audit trail into a zip in
// object storage and records the ProofPacket row. Exactly one packet exists
// per claim; a duplicate generation attempt is a silent no-op.
func GenerateProofPacket(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, claim models.ClaimCandidate, amount decimal.Decimal, currency string) error {
	var existing models.ProofPacket
	err := tx.Where("claim_id = ?", claim.ClaimId).First(&existing).Error
	if err == nil {
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}

	var link models.EvidenceLink
	if err := tx.Where("claim_id = ? AND active = ?", claim.ClaimId, true).
		First(&link).Error; err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	var documents []models.Document
	if ids := models.DecodeDocumentIds(link.DocumentIdsJSON); len(ids) > 0 {
		if err := tx.Where("document_id IN ?", ids).Find(&documents).Error; err != nil {
			return err
		}
	}

	if currency == "" {
		currency = claim.Currency
	}
	generatedAt := time.Now().UTC()
	packetId := uuid.New().String()

	archive, err := buildPacketArchive(packetId, claim, amount, currency, generatedAt, documents)
	if err != nil {
		return err
	}

	objectName := fmt.Sprintf("proof-packets/%s/%s.zip", claim.SellerId, packetId)
	storageUrl, err := utils.SaveObjectToGCS(ctx, objectName, "application/zip", bytes.NewReader(archive))
	if err != nil {
		return utils.UpstreamUnavailable("proofPacket", err)
	}

	packet := models.ProofPacket{
		PacketId:      packetId,
		ClaimId:       claim.ClaimId,
		SellerId:      claim.SellerId,
		DocumentCount: len(documents),
		StorageUrl:    storageUrl,
		PayoutAmount:  amount,
		Currency:      currency,
		GeneratedAt:   generatedAt,
	}
	if err := tx.Create(&packet).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil
		}
		return err
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":     "ProofPacket",
			"claim_id":  claim.ClaimId,
			"packet_id": packetId,
			"documents": len(documents),
		}).Info("proof packet generated")
	}
	return nil
}

func buildPacketArchive(packetId string, claim models.ClaimCandidate, amount decimal.Decimal, currency string, generatedAt time.Time, documents []models.Document) ([]byte, error) {
	manifest := packetManifest{
		PacketId:     packetId,
		ClaimId:      claim.ClaimId,
		SellerId:     claim.SellerId,
		AnomalyType:  claim.AnomalyType,
		PayoutAmount: amount.String(),
		Currency:     currency,
		GeneratedAt:  generatedAt.Format(time.RFC3339),
	}
	if claim.CaseId != nil {
		manifest.CaseId = *claim.CaseId
	}
	for _, d := range documents {
		manifest.Documents = append(manifest.Documents, packetDocument{
			DocumentId:   d.DocumentId,
			DocumentType: d.DocumentType,
			FileName:     d.FileName,
			StorageUrl:   d.StorageUrl,
		})
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	manifestFile, err := w.Create("manifest.json")
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(manifestFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return nil, err
	}

	claimFile, err := w.Create("claim.json")
	if err != nil {
		return nil, err
	}
	enc = json.NewEncoder(claimFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(claim); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
