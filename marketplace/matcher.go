package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/utils"
)

// MatchResult is the evidence matching service's verdict for one claim.
type MatchResult struct {
	MatchConfidence float64 `json:"matchConfidence"`
}

type MatcherClient struct {
	baseURL string
	http    *http.Client
}

func NewMatcherClient() *MatcherClient {
	baseURL := strings.TrimSpace(os.Getenv("MATCHER_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://matcher:8091"
	}
	return &MatcherClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Match scores how well the given documents support the claim.
// Document content analysis (OCR/NER) happens inside the matching service;
// this client only exchanges ids and scores.
func (c *MatcherClient) Match(ctx context.Context, claimId string, documentIds []string) (MatchResult, error) {
	return c.score(ctx, "/match", map[string]interface{}{
		"claim_id":     claimId,
		"document_ids": documentIds,
	})
}

// Rescore re-runs the match with a user's prompt answer as extra context.
func (c *MatcherClient) Rescore(ctx context.Context, claimId string, documentIds []string, answer string) (MatchResult, error) {
	return c.score(ctx, "/match/rescore", map[string]interface{}{
		"claim_id":     claimId,
		"document_ids": documentIds,
		"answer":       answer,
	})
}

func (c *MatcherClient) score(ctx context.Context, path string, payload map[string]interface{}) (MatchResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return MatchResult{}, utils.Validation("matcher.match", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return MatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return MatchResult{}, utils.UpstreamUnavailable("matcher.match", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return MatchResult{}, utils.UpstreamUnavailable("matcher.match", fmt.Errorf("matcher error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	if resp.StatusCode != http.StatusOK {
		return MatchResult{}, utils.Transient("matcher.match", fmt.Errorf("matcher error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var result MatchResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return MatchResult{}, utils.Transient("matcher.match", err)
	}
	if result.MatchConfidence < 0 || result.MatchConfidence > 1 {
		return MatchResult{}, utils.Validation("matcher.match", fmt.Errorf("match confidence %f out of range", result.MatchConfidence))
	}
	return result, nil
}
