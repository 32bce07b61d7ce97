package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/marketplace"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/shopspring/decimal"
)

var recordTypeByDataType = map[string]models.RecordType{
	"order":      models.RecordTypeOrder,
	"shipment":   models.RecordTypeShipment,
	"return":     models.RecordTypeReturn,
	"settlement": models.RecordTypeSettlement,
	"fee":        models.RecordTypeFee,
	"inventory":  models.RecordTypeInventory,
}

// rawCommonFields is the subset of every marketplace payload the canonical
// schema cares about. Each provider nests the rest differently; the full
// payload is kept verbatim for the detector.
type rawCommonFields struct {
	Amount     json.Number `json:"amount"`
	Currency   string      `json:"currency"`
	Quantity   json.Number `json:"quantity"`
	OccurredAt string      `json:"occurred_at"`
	UpdatedAt  string      `json:"updated_at"`
}

// NormalizeResult is the normalizer's typed output: converted records plus
// per-record skips. A skip never fails the owning phase.
type NormalizeResult struct {
	Records []models.NormalizedRecord
	Skipped []marketplace.FetchError
}

// NormalizeRecords converts heterogeneous marketplace records into the
// uniform internal schema.
func NormalizeRecords(syncId, sellerId string, raw []marketplace.RawRecord) NormalizeResult {
	var result NormalizeResult
	for _, r := range raw {
		rec, err := normalizeOne(syncId, sellerId, r)
		if err != nil {
			result.Skipped = append(result.Skipped, marketplace.FetchError{
				EntityType: r.DataType,
				ExternalId: r.ID,
				Message:    err.Error(),
				Retryable:  false,
			})
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result
}

func normalizeOne(syncId, sellerId string, raw marketplace.RawRecord) (models.NormalizedRecord, error) {
	recordType, ok := recordTypeByDataType[raw.DataType]
	if !ok {
		return models.NormalizedRecord{}, utils.Validation("normalize", fmt.Errorf("unknown data type %q", raw.DataType))
	}
	if raw.ID == "" {
		return models.NormalizedRecord{}, utils.Validation("normalize", fmt.Errorf("record of type %q has no id", raw.DataType))
	}

	var fields rawCommonFields
	if err := json.Unmarshal(raw.Payload, &fields); err != nil {
		return models.NormalizedRecord{}, utils.Validation("normalize", err)
	}

	amount := decimal.Zero
	if fields.Amount != "" {
		parsed, err := decimal.NewFromString(fields.Amount.String())
		if err != nil {
			return models.NormalizedRecord{}, utils.Validation("normalize", fmt.Errorf("bad amount %q: %v", fields.Amount, err))
		}
		amount = parsed
	}

	quantity := 0
	if fields.Quantity != "" {
		if q, err := fields.Quantity.Int64(); err == nil {
			quantity = int(q)
		}
	}

	occurredAt := parseRecordTime(fields.OccurredAt)
	if occurredAt.IsZero() {
		occurredAt = parseRecordTime(fields.UpdatedAt)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return models.NormalizedRecord{
		SyncId:      syncId,
		SellerId:    sellerId,
		RecordType:  recordType,
		ExternalId:  raw.ID,
		OrderRef:    raw.OrderRef,
		Amount:      amount,
		Currency:    fields.Currency,
		Quantity:    quantity,
		OccurredAt:  occurredAt,
		PayloadJSON: raw.Payload,
	}, nil
}

func parseRecordTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
