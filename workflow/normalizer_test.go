package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
)

func rawRecord(dataType, id, payload string) marketplace.RawRecord {
	return marketplace.RawRecord{
		DataType: dataType,
		ID:       id,
		OrderRef: "ord-1",
		Payload:  json.RawMessage(payload),
	}
}

func TestNormalizeRecords_ConvertsKnownTypes(t *testing.T) {
	raw := []marketplace.RawRecord{
		rawRecord("order", "o-1", `{"amount":"19.99","currency":"USD","quantity":2,"occurred_at":"2026-01-15T10:30:00Z"}`),
		rawRecord("return", "r-1", `{"amount":"5","currency":"EUR","occurred_at":"2026-01-16"}`),
	}
	result := NormalizeRecords("sync-1", "seller-1", raw)
	if len(result.Skipped) != 0 {
		t.Fatalf("expected no skips, got %d: %+v", len(result.Skipped), result.Skipped)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}

	first := result.Records[0]
	if first.RecordType != models.RecordTypeOrder || first.ExternalId != "o-1" {
		t.Fatalf("unexpected first record: type=%s id=%s", first.RecordType, first.ExternalId)
	}
	if first.Amount.String() != "19.99" || first.Currency != "USD" || first.Quantity != 2 {
		t.Fatalf("unexpected first record fields: %s %s %d", first.Amount, first.Currency, first.Quantity)
	}
	expected := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	if !first.OccurredAt.Equal(expected) {
		t.Fatalf("expected occurred_at %s, got %s", expected, first.OccurredAt)
	}

	second := result.Records[1]
	if second.RecordType != models.RecordTypeReturn {
		t.Fatalf("expected return record, got %s", second.RecordType)
	}
	if second.OccurredAt.Format("2006-01-02") != "2026-01-16" {
		t.Fatalf("date-only occurred_at not parsed: %s", second.OccurredAt)
	}
}

func TestNormalizeRecords_SkipsBadRecordsWithoutFailing(t *testing.T) {
	raw := []marketplace.RawRecord{
		rawRecord("carrier_scan", "x-1", `{}`),                  // unknown data type
		rawRecord("order", "", `{"amount":"1"}`),                // missing id
		rawRecord("order", "o-2", `{"amount":"not-a-number"}`),  // bad amount
		rawRecord("fee", "f-1", `{"amount":"0.30","currency":"USD"}`),
	}
	result := NormalizeRecords("sync-1", "seller-1", raw)
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 good record, got %d", len(result.Records))
	}
	if result.Records[0].ExternalId != "f-1" {
		t.Fatalf("wrong surviving record: %s", result.Records[0].ExternalId)
	}
	if len(result.Skipped) != 3 {
		t.Fatalf("expected 3 skips, got %d", len(result.Skipped))
	}
	for _, skip := range result.Skipped {
		if skip.Retryable {
			t.Fatalf("normalization skips must not be retryable: %+v", skip)
		}
	}
}

func TestNormalizeRecords_TimeFallbacks(t *testing.T) {
	// occurred_at missing, updated_at present.
	result := NormalizeRecords("s", "sel", []marketplace.RawRecord{
		rawRecord("order", "o-3", `{"amount":"1","updated_at":"2026-02-01 08:00:00"}`),
	})
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	if result.Records[0].OccurredAt.Format("2006-01-02") != "2026-02-01" {
		t.Fatalf("updated_at fallback not applied: %s", result.Records[0].OccurredAt)
	}

	// Neither timestamp: falls back to now, never zero.
	result = NormalizeRecords("s", "sel", []marketplace.RawRecord{
		rawRecord("order", "o-4", `{"amount":"1"}`),
	})
	if result.Records[0].OccurredAt.IsZero() {
		t.Fatal("occurred_at must never be zero")
	}
}

func TestNormalizeRecords_MissingAmountDefaultsToZero(t *testing.T) {
	result := NormalizeRecords("s", "sel", []marketplace.RawRecord{
		rawRecord("inventory", "i-1", `{"quantity":40}`),
	})
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d skips=%+v", len(result.Records), result.Skipped)
	}
	if !result.Records[0].Amount.IsZero() {
		t.Fatalf("expected zero amount, got %s", result.Records[0].Amount)
	}
	if result.Records[0].Quantity != 40 {
		t.Fatalf("expected quantity 40, got %d", result.Records[0].Quantity)
	}
}
