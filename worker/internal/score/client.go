package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lingopack/shared/config"

	"go.uber.org/zap"
)

// Result is the scorer's verdict on a recognition.
type Result struct {
	TotalScore float64
	Acceptable bool
	Comments   string
}

// Scorer grades recognized text against the original audio's reference.
type Scorer interface {
	Score(ctx context.Context, recognizedText, referenceText string) (*Result, error)
}

// Client calls the recognition scoring service.
type Client struct {
	url       string
	apiKey    string
	threshold float64
	client    *http.Client
	logger    *zap.Logger
}

var _ Scorer = (*Client)(nil)

// NewClient creates a new scoring client.
func NewClient(cfg config.ScorerConfig, logger *zap.Logger) *Client {
	return &Client{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		threshold: cfg.Threshold,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Score grades recognizedText. Acceptable means the score reached the
// configured threshold.
func (c *Client) Score(ctx context.Context, recognizedText, referenceText string) (*Result, error) {
	reqBody := map[string]interface{}{
		"recognized_text": recognizedText,
		"reference_text":  referenceText,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call scoring API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scoring API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			TotalScore float64 `json:"total_score"`
			Comments   string  `json:"comments"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.Code != 0 {
		return nil, fmt.Errorf("scoring API error: %s", apiResp.Message)
	}

	return &Result{
		TotalScore: apiResp.Data.TotalScore,
		Acceptable: apiResp.Data.TotalScore >= c.threshold,
		Comments:   apiResp.Data.Comments,
	}, nil
}
