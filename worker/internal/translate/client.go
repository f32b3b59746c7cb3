package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lingopack/shared/config"

	"go.uber.org/zap"
)

// languageNames maps target codes to the names used in the prompt. An
// unmapped code falls back to the raw code, which the model usually handles.
var languageNames = map[string]string{
	"zh-CN": "Simplified Chinese",
	"zh-TW": "Traditional Chinese",
	"en-US": "English",
	"ja-JP": "Japanese",
	"ko-KR": "Korean",
	"fr-FR": "French",
	"de-DE": "German",
	"es-ES": "Spanish",
	"ru-RU": "Russian",
	"vi-VN": "Vietnamese",
}

// Client handles translation via a chat-completions style LLM API.
type Client struct {
	apiKey  string
	apiURL  string
	model   string
	limiter *rateLimiter
	client  *http.Client
	logger  *zap.Logger
}

var _ Translator = (*Client)(nil)

// NewClient creates a new translation client.
func NewClient(cfg config.TranslateConfig, logger *zap.Logger) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		apiURL:  cfg.APIURL,
		model:   cfg.Model,
		limiter: newRateLimiter(cfg.RPS),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Translate renders text into targetLang through one chat completion.
func (c *Client) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	langName, ok := languageNames[targetLang]
	if !ok {
		langName = targetLang
	}

	reqBody := map[string]interface{}{
		"model": c.model,
		"messages": []chatMessage{
			{
				Role: "system",
				Content: fmt.Sprintf(
					"You are a professional translator. Translate the user's text into %s. "+
						"Output only the translation, with no explanations or quotes.",
					langName,
				),
			},
			{
				Role:    "user",
				Content: text,
			},
		},
		"temperature": 0.2,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call translation API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("translation API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("translation API error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("translation API returned no choices")
	}

	translated := strings.TrimSpace(apiResp.Choices[0].Message.Content)
	if translated == "" {
		return "", fmt.Errorf("translation API returned empty text")
	}
	return translated, nil
}
