package marketplace

import (
	"context"
	"time"
)

// FetchError is a per-entity failure during a sync run, recorded so a retry
// run can re-process only the retryable subset.
type FetchError struct {
	EntityType string
	ExternalId string
	Message    string
	Retryable  bool
}

// SyncClient pulls marketplace data sets through the rate-limited API client.
type SyncClient struct {
	api *apiClient
}

func NewSyncClient(apiKey string) (*SyncClient, error) {
	api, err := newAPIClient(apiKey)
	if err != nil {
		return nil, err
	}
	return &SyncClient{api: api}, nil
}

func enabledDataTypes(dt DataTypes) []string {
	var types []string
	if dt.Orders {
		types = append(types, "order")
	}
	if dt.Shipments {
		types = append(types, "shipment")
	}
	if dt.Returns {
		types = append(types, "return")
	}
	if dt.Settlements {
		types = append(types, "settlement")
	}
	if dt.Fees {
		types = append(types, "fee")
	}
	if dt.Inventory {
		types = append(types, "inventory")
	}
	return types
}

func cursorEntryFor(state CursorState, dataType string) CursorEntry {
	switch dataType {
	case "order":
		return state.Orders
	case "shipment":
		return state.Shipments
	case "return":
		return state.Returns
	case "settlement":
		return state.Settlements
	case "fee":
		return state.Fees
	case "inventory":
		return state.Inventory
	}
	return CursorEntry{}
}

func setCursorEntry(state *CursorState, dataType string, entry CursorEntry) {
	switch dataType {
	case "order":
		state.Orders = entry
	case "shipment":
		state.Shipments = entry
	case "return":
		state.Returns = entry
	case "settlement":
		state.Settlements = entry
	case "fee":
		state.Fees = entry
	case "inventory":
		state.Inventory = entry
	}
}

// FetchAll pulls every enabled data type incrementally from its cursor.
// A failed type yields a retryable FetchError and leaves its cursor
// untouched so the next run resumes from the same position; the other types
// still advance.
func (c *SyncClient) FetchAll(ctx context.Context, dt DataTypes, state CursorState) ([]RawRecord, CursorState, []FetchError) {
	var (
		all      []RawRecord
		fetchErrs []FetchError
	)
	syncStart := time.Now().UTC().Format(time.RFC3339)

	for _, dataType := range enabledDataTypes(dt) {
		entry := cursorEntryFor(state, dataType)
		for {
			records, next, hasMore, err := c.api.FetchRecords(ctx, dataType, entry)
			if err != nil {
				fetchErrs = append(fetchErrs, FetchError{
					EntityType: dataType,
					Message:    err.Error(),
					Retryable:  true,
				})
				break
			}
			all = append(all, records...)
			entry = next
			if !hasMore {
				// Page set drained: advance the incremental watermark.
				entry = CursorEntry{UpdatedSince: syncStart}
				setCursorEntry(&state, dataType, entry)
				break
			}
			setCursorEntry(&state, dataType, entry)
		}
	}

	return all, state, fetchErrs
}
