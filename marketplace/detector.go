package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/utils"
)

// Prediction is the classifier's verdict for one normalized record.
// The model internals are a black box; this service only interprets the
// returned probability and confidence.
type Prediction struct {
	Claimable   bool    `json:"claimable"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	AnomalyType string  `json:"anomaly_type"`
}

type DetectorClient struct {
	baseURL string
	http    *http.Client
}

func NewDetectorClient() *DetectorClient {
	baseURL := strings.TrimSpace(os.Getenv("DETECTOR_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://detector:8090"
	}
	return &DetectorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Predict scores a batch of normalized records. The response slice is
// positionally aligned with the request.
func (c *DetectorClient) Predict(ctx context.Context, records []json.RawMessage) ([]Prediction, error) {
	body, err := json.Marshal(map[string]interface{}{"records": records})
	if err != nil {
		return nil, utils.Validation("detector.predict", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, utils.UpstreamUnavailable("detector.predict", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, utils.UpstreamUnavailable("detector.predict", fmt.Errorf("detector error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, utils.Transient("detector.predict", fmt.Errorf("detector error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var parsed struct {
		Predictions []Prediction `json:"predictions"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, utils.Transient("detector.predict", err)
	}
	if len(parsed.Predictions) != len(records) {
		return nil, utils.Transient("detector.predict", errors.New("prediction count mismatch"))
	}
	return parsed.Predictions, nil
}

// Feedback reports a rejected claim back to the classifier so the model can
// learn from the rejection. Fire-and-forget from the workflow's perspective.
func (c *DetectorClient) Feedback(ctx context.Context, claimId, anomalyType, rejectionReason string) error {
	body, _ := json.Marshal(map[string]string{
		"claim_id":         claimId,
		"anomaly_type":     anomalyType,
		"rejection_reason": rejectionReason,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/feedback", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return utils.UpstreamUnavailable("detector.feedback", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return utils.Transient("detector.feedback", fmt.Errorf("detector feedback error %d", resp.StatusCode))
	}
	return nil
}
