package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// apiClient is a rate-limited HTTP client against the marketplace seller API.
// The limiter respects the per-seller API quota; concurrency above the
// quota is absorbed by the limiter channel.
type apiClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newAPIClient(apiKey string) (*apiClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("MARKETPLACE_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://sellerapi.marketplace.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MARKETPLACE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("marketplace api key is empty")
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("MARKETPLACE_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &apiClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (c *apiClient) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return listResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return listResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return listResponse{}, fmt.Errorf("marketplace api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	<-c.limiter
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

var dataTypePaths = map[string]string{
	"order":      "/v1/orders",
	"shipment":   "/v1/shipments",
	"return":     "/v1/returns",
	"settlement": "/v1/settlements",
	"fee":        "/v1/fees",
	"inventory":  "/v1/inventory",
}

// FetchRecords pulls one page of records of the given type, resuming from
// cursor. Returns the page, the next cursor, and whether more pages remain.
func (c *apiClient) FetchRecords(ctx context.Context, dataType string, entry CursorEntry) ([]RawRecord, CursorEntry, bool, error) {
	path, ok := dataTypePaths[dataType]
	if !ok {
		return nil, entry, false, fmt.Errorf("unknown data type %q", dataType)
	}

	params := url.Values{}
	if entry.UpdatedSince != "" {
		params.Set("updated_since", entry.UpdatedSince)
	}
	if entry.Cursor != "" {
		params.Set("cursor", entry.Cursor)
	}
	params.Set("limit", "200")

	parsed, err := c.getList(ctx, path, params)
	if err != nil {
		return nil, entry, false, err
	}

	rawItems := parsed.Data
	if len(rawItems) == 0 {
		rawItems = parsed.Items
	}

	records := make([]RawRecord, 0, len(rawItems))
	for _, item := range rawItems {
		var head struct {
			ID       string `json:"id"`
			OrderRef string `json:"order_id"`
		}
		if err := json.Unmarshal(item, &head); err != nil || head.ID == "" {
			continue
		}
		records = append(records, RawRecord{
			DataType: dataType,
			ID:       head.ID,
			OrderRef: head.OrderRef,
			Payload:  item,
		})
	}

	next := CursorEntry{UpdatedSince: entry.UpdatedSince, Cursor: parsed.NextCursor}
	hasMore := parsed.NextCursor != ""
	if parsed.HasMore != nil {
		hasMore = *parsed.HasMore
	}
	return records, next, hasMore, nil
}
