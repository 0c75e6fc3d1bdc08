package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// geminiProvider calls the Generative Language generateContent method.
type geminiProvider struct {
	baseURL     string
	apiKey      string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func newGeminiProvider(cfg Config, httpClient *http.Client) (*geminiProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &geminiProvider{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		client:      httpClient,
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (p *geminiProvider) Generate(ctx context.Context, model string, messages []Message) (string, error) {
	payload := map[string]any{}
	contents := make([]geminiContent, 0, len(messages))
	system := make([]geminiPart, 0, 1)
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: msg.Content})
		case RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	payload["contents"] = contents
	if len(system) > 0 {
		payload["systemInstruction"] = geminiContent{Parts: system}
	}
	generation := map[string]any{"temperature": p.temperature}
	if p.maxTokens > 0 {
		generation["maxOutputTokens"] = p.maxTokens
	}
	payload["generationConfig"] = generation

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal generate payload: %w", err)
	}

	target := p.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request generate content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read generate response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: errorBody(rawRespBody)}
	}
	if !gjson.ValidBytes(rawRespBody) {
		return "", fmt.Errorf("decode generate response: invalid json")
	}

	parsed := gjson.ParseBytes(rawRespBody)
	if reason := parsed.Get("promptFeedback.blockReason").String(); reason != "" {
		return "", fmt.Errorf("prompt blocked: %s", reason)
	}
	parts := parsed.Get("candidates.0.content.parts.#.text").Array()
	if len(parts) == 0 {
		return "", fmt.Errorf("empty generate candidates")
	}
	var text strings.Builder
	for _, part := range parts {
		text.WriteString(part.String())
	}
	return text.String(), nil
}
