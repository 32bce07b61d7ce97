package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"bitbucket.org/sellerguard/recovery_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	SubmitStatusAccepted = "Accepted"
	SubmitStatusRejected = "Rejected"
)

// ClaimPacket is the submission payload sent to the marketplace case API.
type ClaimPacket struct {
	ClaimId        string          `json:"claim_id"`
	SellerId       string          `json:"seller_id"`
	AnomalyType    string          `json:"anomaly_type"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	Currency       string          `json:"currency"`
	DocumentIds    []string        `json:"document_ids"`
	OrderRef       string          `json:"order_ref,omitempty"`
}

type SubmitResult struct {
	CaseId string `json:"caseId"`
	Status string `json:"status"`
}

type Submitter struct {
	client *apiClient
}

func NewSubmitter(apiKey string) (*Submitter, error) {
	client, err := newAPIClient(apiKey)
	if err != nil {
		return nil, err
	}
	return &Submitter{client: client}, nil
}

// Submit files the claim with the marketplace.
// 429 maps to a transient error so the phase retries with backoff; an
// explicit rejection is a terminal result, not an error.
func (s *Submitter) Submit(ctx context.Context, packet ClaimPacket) (SubmitResult, error) {
	status, body, err := s.client.postJSON(ctx, "/v1/cases", packet)
	if err != nil {
		return SubmitResult{}, utils.UpstreamUnavailable("marketplace.submit", err)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return SubmitResult{}, utils.Transient("marketplace.submit", fmt.Errorf("rate limited: %s", strings.TrimSpace(string(body))))
	case status == http.StatusUnprocessableEntity:
		// The marketplace refused the claim outright.
		var result SubmitResult
		if err := json.Unmarshal(body, &result); err != nil || result.Status == "" {
			result = SubmitResult{Status: SubmitStatusRejected}
		}
		return result, nil
	case status >= 500:
		return SubmitResult{}, utils.UpstreamUnavailable("marketplace.submit", fmt.Errorf("case api error %d: %s", status, strings.TrimSpace(string(body))))
	case status < 200 || status >= 300:
		return SubmitResult{}, utils.Transient("marketplace.submit", fmt.Errorf("case api error %d: %s", status, strings.TrimSpace(string(body))))
	}

	var result SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SubmitResult{}, utils.Transient("marketplace.submit", err)
	}
	if result.CaseId == "" {
		return SubmitResult{}, utils.Transient("marketplace.submit", fmt.Errorf("case api returned no case id"))
	}
	if result.Status == "" {
		result.Status = SubmitStatusAccepted
	}
	return result, nil
}
