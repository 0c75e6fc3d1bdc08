package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

type openAIProvider struct {
	baseURL     string
	apiKey      string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func newOpenAIProvider(cfg Config, httpClient *http.Client) (*openAIProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	return &openAIProvider{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		client:      httpClient,
	}, nil
}

func (p *openAIProvider) Generate(ctx context.Context, model string, messages []Message) (string, error) {
	chat := make([]map[string]string, 0, len(messages))
	for _, msg := range messages {
		chat = append(chat, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	payload := map[string]any{
		"model":       model,
		"messages":    chat,
		"temperature": p.temperature,
	}
	if p.maxTokens > 0 {
		payload["max_tokens"] = p.maxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: errorBody(rawRespBody)}
	}
	if !gjson.ValidBytes(rawRespBody) {
		return "", fmt.Errorf("decode chat completion response: invalid json")
	}

	content := gjson.GetBytes(rawRespBody, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return content.String(), nil
}

// errorBody prefers the provider's error message over the raw envelope.
func errorBody(raw []byte) string {
	if gjson.ValidBytes(raw) {
		parsed := gjson.ParseBytes(raw)
		message := parsed.Get("error.message").String()
		status := parsed.Get("error.status").String()
		if message != "" && status != "" {
			return status + ": " + message
		}
		if message != "" {
			return message
		}
	}
	return strings.TrimSpace(string(raw))
}
