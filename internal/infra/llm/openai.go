package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "missionloop/internal/shared/errors"
	jsonx "missionloop/internal/shared/json"
	"missionloop/internal/shared/logging"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	maxResponseBytes     = 4 << 20
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Headers     map[string]string
}

// OpenAICompleter implements Completer against /chat/completions.
type OpenAICompleter struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAICompleter builds a completer. Retries are left to the loop.
func NewOpenAICompleter(cfg OpenAIConfig, logger logging.Logger) *OpenAICompleter {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("openai")
	}
	return &OpenAICompleter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []ChatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends messages and returns the first choice's content.
func (c *OpenAICompleter) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	body, err := jsonx.Marshal(chatCompletionRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("POST %s model=%s messages=%d", endpoint, c.cfg.Model, len(messages))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.NewTransientError(err, "chat completion request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", apperrors.NewTransientError(err, "read chat completion response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("chat completion failed: %d %s", resp.StatusCode, string(respBody))
		return "", mapHTTPError(resp.StatusCode, respBody)
	}

	var decoded chatCompletionResponse
	if err := jsonx.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", apperrors.NewPermanentError(fmt.Errorf("%s: %s", decoded.Error.Type, decoded.Error.Message), "model returned an error")
	}
	if len(decoded.Choices) == 0 {
		return "", apperrors.NewTransientError(fmt.Errorf("no choices in response"), "empty chat completion")
	}
	return decoded.Choices[0].Message.Content, nil
}

func mapHTTPError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	err := fmt.Errorf("chat completion returned %d: %s", status, snippet)
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return apperrors.NewTransientError(err, "model endpoint temporarily unavailable")
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperrors.NewPermanentError(err, "model endpoint rejected credentials")
	default:
		return apperrors.NewPermanentError(err, "model endpoint rejected the request")
	}
}
