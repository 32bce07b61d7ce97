package workflow

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/shopspring/decimal"
)

func readZipEntry(t *testing.T, zr *zip.Reader, name string) []byte {
	t.Helper()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return data
	}
	t.Fatalf("archive has no entry %q", name)
	return nil
}

func TestBuildPacketArchive_ManifestAndClaim(t *testing.T) {
	caseId := "CASE-9001"
	claim := models.ClaimCandidate{
		ClaimId:     "claim-1",
		SellerId:    "seller-1",
		AnomalyType: "lost_inbound",
		CaseId:      &caseId,
	}
	generatedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	docs := []models.Document{
		{DocumentId: "doc-1", DocumentType: "invoice", FileName: "inv-77.pdf", StorageUrl: "gs://docs/inv-77.pdf"},
		{DocumentId: "doc-2", DocumentType: "shipping_receipt", FileName: "ship-3.pdf", StorageUrl: "gs://docs/ship-3.pdf"},
	}

	archive, err := buildPacketArchive("packet-1", claim, decimal.RequireFromString("42.50"), "USD", generatedAt, docs)
	if err != nil {
		t.Fatalf("buildPacketArchive: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("not a valid zip: %v", err)
	}

	var manifest packetManifest
	if err := json.Unmarshal(readZipEntry(t, zr, "manifest.json"), &manifest); err != nil {
		t.Fatalf("manifest.json: %v", err)
	}
	if manifest.PacketId != "packet-1" || manifest.ClaimId != "claim-1" || manifest.CaseId != "CASE-9001" {
		t.Fatalf("unexpected manifest identifiers: %+v", manifest)
	}
	if manifest.PayoutAmount != "42.5" || manifest.Currency != "USD" {
		t.Fatalf("unexpected payout fields: %s %s", manifest.PayoutAmount, manifest.Currency)
	}
	if manifest.GeneratedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected generatedAt: %s", manifest.GeneratedAt)
	}
	if len(manifest.Documents) != 2 || manifest.Documents[0].DocumentId != "doc-1" || manifest.Documents[1].StorageUrl != "gs://docs/ship-3.pdf" {
		t.Fatalf("unexpected manifest documents: %+v", manifest.Documents)
	}

	var claimEntry map[string]interface{}
	if err := json.Unmarshal(readZipEntry(t, zr, "claim.json"), &claimEntry); err != nil {
		t.Fatalf("claim.json: %v", err)
	}
	if claimEntry["claim_id"] != "claim-1" {
		t.Fatalf("claim.json missing claim id: %+v", claimEntry)
	}
}

func TestBuildPacketArchive_NoCaseIdNoDocuments(t *testing.T) {
	claim := models.ClaimCandidate{
		ClaimId:     "claim-2",
		SellerId:    "seller-1",
		AnomalyType: "fee_overcharge",
	}
	archive, err := buildPacketArchive("packet-2", claim, decimal.Zero, "EUR", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("buildPacketArchive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("not a valid zip: %v", err)
	}

	var manifest packetManifest
	if err := json.Unmarshal(readZipEntry(t, zr, "manifest.json"), &manifest); err != nil {
		t.Fatalf("manifest.json: %v", err)
	}
	if manifest.CaseId != "" {
		t.Fatalf("expected empty case id, got %q", manifest.CaseId)
	}
	if len(manifest.Documents) != 0 {
		t.Fatalf("expected no documents, got %+v", manifest.Documents)
	}
}
