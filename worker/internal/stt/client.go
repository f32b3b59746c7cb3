package stt

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lingopack/shared/config"

	"go.uber.org/zap"
)

// SpeechToText turns source audio into text.
type SpeechToText interface {
	Recognize(ctx context.Context, audio io.Reader, language, referenceText string) (string, error)
}

// Client calls the speech recognition service.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ SpeechToText = (*Client)(nil)

// NewClient creates a new speech-to-text client.
func NewClient(cfg config.STTConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Recognize transcribes the audio stream. The reference text, when present,
// is passed through as a recognition hint.
func (c *Client) Recognize(ctx context.Context, audio io.Reader, language, referenceText string) (string, error) {
	audioData, err := io.ReadAll(audio)
	if err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}

	reqBody := map[string]interface{}{
		"language":     language,
		"audio_format": "wav",
		"audio_data":   hex.EncodeToString(audioData),
	}
	if referenceText != "" {
		reqBody["reference_text"] = referenceText
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/stt", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call STT API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("STT API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.Code != 0 {
		return "", fmt.Errorf("STT API error: %s", apiResp.Message)
	}

	return apiResp.Data.Text, nil
}
