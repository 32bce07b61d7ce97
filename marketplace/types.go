package marketplace

import "encoding/json"

// DataTypes toggles which marketplace data sets a sync run ingests.
type DataTypes struct {
	Orders      bool `json:"orders"`
	Shipments   bool `json:"shipments"`
	Returns     bool `json:"returns"`
	Settlements bool `json:"settlements"`
	Fees        bool `json:"fees"`
	Inventory   bool `json:"inventory"`
}

func DefaultDataTypes() DataTypes {
	return DataTypes{
		Orders:      true,
		Shipments:   true,
		Returns:     true,
		Settlements: true,
		Fees:        false,
		Inventory:   false,
	}
}

func NormalizeDataTypes(dt DataTypes) DataTypes {
	// Anomaly detection is meaningless without the core three.
	dt.Orders = true
	dt.Shipments = true
	dt.Returns = true
	return dt
}

func DecodeDataTypes(raw []byte) DataTypes {
	if len(raw) == 0 {
		return DefaultDataTypes()
	}
	var dt DataTypes
	if err := json.Unmarshal(raw, &dt); err != nil {
		return DefaultDataTypes()
	}
	return NormalizeDataTypes(dt)
}

func EncodeDataTypes(dt DataTypes) []byte {
	b, _ := json.Marshal(NormalizeDataTypes(dt))
	return b
}

type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
}

type CursorState struct {
	Orders      CursorEntry `json:"orders"`
	Shipments   CursorEntry `json:"shipments"`
	Returns     CursorEntry `json:"returns"`
	Settlements CursorEntry `json:"settlements"`
	Fees        CursorEntry `json:"fees"`
	Inventory   CursorEntry `json:"inventory"`
}

func DecodeCursorState(raw []byte) CursorState {
	if len(raw) == 0 {
		return CursorState{}
	}
	var state CursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := json.Marshal(state)
	return b
}

// RawRecord is one marketplace record as fetched, before normalization.
type RawRecord struct {
	DataType string          `json:"data_type"`
	ID       string          `json:"id"`
	OrderRef string          `json:"order_ref"`
	Payload  json.RawMessage `json:"payload"`
}

type ConnectRequest struct {
	StoreId   string `json:"storeId" binding:"required"`
	StoreName string `json:"storeName"`
	APIKey    string `json:"apiKey" binding:"required"`
}

type UpdateSettingsRequest struct {
	DataTypes DataTypes `json:"dataTypes"`
}

type TriggerSyncRequest struct {
	DataTypes DataTypes `json:"dataTypes"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	DataTypes         DataTypes          `json:"dataTypes"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	SyncId        string  `json:"syncId"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}
