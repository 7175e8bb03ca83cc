package aimapping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"skyplanner/internal/config"
)

type ColumnSample struct {
	Name    string   `json:"name"`
	Samples []string `json:"samples"`
}

type TargetField struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type Request struct {
	Columns      []ColumnSample
	TargetFields []TargetField
}

type Mapping struct {
	SourceColumn string  `json:"sourceColumn"`
	TargetField  string  `json:"targetField"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

type Client struct {
	cfg        config.Config
	httpClient *http.Client
	limiter    *RateLimiter
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type mappingPayload struct {
	Mappings []Mapping `json:"mappings"`
}

const systemPrompt = `Du kobler kolonner i et norsk kunderegister (Excel/CSV) til faste felt.
Svar kun med JSON på formen {"mappings":[{"sourceColumn":"...","targetField":"...","confidence":0.0,"reasoning":"..."}]}.
Bruk bare targetField-verdier fra listen du får, hvert felt høyst én gang. Utelat kolonner du er usikker på.`

func NewClient(cfg config.Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.AIMappingTimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.AIMappingRateLimitRPS),
	}
}

// SuggestMappings asks the model for column mappings. Anything that is not the expected JSON is an error.
func (c *Client) SuggestMappings(ctx context.Context, req Request) ([]Mapping, error) {
	if len(req.Columns) == 0 || len(req.TargetFields) == 0 {
		return nil, nil
	}
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.AIMappingModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, err
	}

	content, err := c.postChat(ctx, body)
	if err != nil {
		return nil, err
	}
	var payload mappingPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("ai mapping response is not json: %w", err)
	}
	if payload.Mappings == nil {
		return nil, errors.New("ai mapping response has no mappings array")
	}
	return payload.Mappings, nil
}

func buildPrompt(req Request) (string, error) {
	columns, err := json.Marshal(req.Columns)
	if err != nil {
		return "", err
	}
	targets, err := json.Marshal(req.TargetFields)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Kolonner med eksempelverdier:\n%s\n\nLedige felt:\n%s", columns, targets), nil
}

func (c *Client) postChat(ctx context.Context, body []byte) (string, error) {
	if strings.TrimSpace(c.cfg.AIMappingAPIKey) == "" {
		return "", errors.New("missing AI_MAPPING_API_KEY")
	}
	endpoint := strings.TrimRight(c.cfg.AIMappingBaseURL, "/") + "/chat/completions"

	attempts := c.cfg.AIMappingMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.AIMappingAPIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err := sleepBackoff(ctx, attempt, attempts); err != nil {
				return "", err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < attempts {
				lastErr = fmt.Errorf("ai mapping status %d", resp.StatusCode)
				if err := sleepBackoff(ctx, attempt, attempts); err != nil {
					return "", err
				}
				continue
			}
			return "", fmt.Errorf("ai mapping api error: status=%d body=%s", resp.StatusCode, truncate(string(respBody), 300))
		}

		var chat chatResponse
		if err := json.Unmarshal(respBody, &chat); err != nil {
			return "", err
		}
		if len(chat.Choices) == 0 {
			return "", errors.New("ai mapping response has no choices")
		}
		return chat.Choices[0].Message.Content, nil
	}

	if lastErr == nil {
		lastErr = errors.New("ai mapping request failed")
	}
	return "", lastErr
}

func sleepBackoff(ctx context.Context, attempt, attempts int) error {
	if attempt >= attempts {
		return nil
	}
	backoff := time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
