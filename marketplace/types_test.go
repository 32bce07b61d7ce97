package marketplace

import "testing"

func TestNormalizeDataTypes_ForcesCoreDataSets(t *testing.T) {
	dt := NormalizeDataTypes(DataTypes{Fees: true})
	if !dt.Orders || !dt.Shipments || !dt.Returns {
		t.Fatalf("orders/shipments/returns must always be on: %+v", dt)
	}
	if !dt.Fees || dt.Settlements || dt.Inventory {
		t.Fatalf("optional toggles must pass through unchanged: %+v", dt)
	}
}

func TestDecodeDataTypes_BadInputFallsBackToDefaults(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("not json")} {
		dt := DecodeDataTypes(raw)
		if dt != DefaultDataTypes() {
			t.Fatalf("DecodeDataTypes(%q) expected defaults, got %+v", raw, dt)
		}
	}
}

func TestDecodeDataTypes_StoredSettingsAreNormalized(t *testing.T) {
	// Settings persisted before the core-three rule still get it applied on read.
	dt := DecodeDataTypes([]byte(`{"orders":false,"inventory":true}`))
	if !dt.Orders || !dt.Inventory {
		t.Fatalf("stored settings not normalized: %+v", dt)
	}
}

func TestCursorState_RoundTripAndBadInput(t *testing.T) {
	state := CursorState{
		Orders:  CursorEntry{UpdatedSince: "2026-01-01T00:00:00Z", Cursor: "abc"},
		Returns: CursorEntry{Cursor: "xyz"},
	}
	decoded := DecodeCursorState(EncodeCursorState(state))
	if decoded != state {
		t.Fatalf("cursor state round trip mismatch: %+v vs %+v", decoded, state)
	}

	if got := DecodeCursorState([]byte("{broken")); got != (CursorState{}) {
		t.Fatalf("bad cursor json should decode to empty state, got %+v", got)
	}
}
