// Package llm talks to the hosted language model. It walks an ordered list
// of model endpoints and moves to the next one when a model runs out of quota.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/observability"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	ErrNotConfigured  = errors.New("llm: api key is not configured")
	ErrQuotaExhausted = errors.New("llm: all model endpoints are rate limited")
)

// StatusError is a non-2xx reply from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model request failed status=%d body=%s", e.StatusCode, format.Clip(e.Body, 500))
}

type Message struct {
	Role    string
	Content string
}

// Request is one completion call. A non-empty Model pins the call to that
// model and skips failover.
type Request struct {
	Messages []Message
	Model    string
}

type Completion struct {
	Text  string
	Model string
}

// Provider performs a single call against one model.
type Provider interface {
	Generate(ctx context.Context, model string, messages []Message) (string, error)
}

type Config struct {
	Provider        string
	BaseURL         string
	APIKey          string
	Models          []string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
	// Cooldown is how long a rate limited endpoint stays open. Zero keeps it
	// open until Reset.
	Cooldown   time.Duration
	HTTPClient *http.Client
}

type endpoint struct {
	model string

	mu        sync.Mutex
	open      bool
	openUntil time.Time
}

func (e *endpoint) trip(now time.Time, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = true
	if cooldown > 0 {
		e.openUntil = now.Add(cooldown)
	}
}

func (e *endpoint) usable(now time.Time, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return true
	}
	if cooldown > 0 && !now.Before(e.openUntil) {
		e.open = false
		return true
	}
	return false
}

func (e *endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
	e.openUntil = time.Time{}
}

type Client struct {
	provider  Provider
	endpoints []*endpoint
	cooldown  time.Duration
	active    atomic.Int64
	now       func() time.Time
	logger    *slog.Logger
}

// NewClient builds a client for cfg. A missing API key is not an error here:
// Complete reports ErrNotConfigured so callers can answer with setup help.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	models := make([]string, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		if model = strings.TrimSpace(model); model != "" {
			models = append(models, model)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("at least one model is required")
	}

	client := &Client{
		cooldown: cfg.Cooldown,
		now:      time.Now,
		logger:   logger,
	}
	for _, model := range models {
		client.endpoints = append(client.endpoints, &endpoint{model: model})
	}

	if strings.TrimSpace(cfg.APIKey) != "" {
		provider, err := newProvider(cfg)
		if err != nil {
			return nil, err
		}
		client.provider = provider
	}
	return client, nil
}

func newProvider(cfg Config) (Provider, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderGemini:
		return newGeminiProvider(cfg, httpClient)
	case ProviderOpenAI:
		return newOpenAIProvider(cfg, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// NewClientWithProvider wires an already built provider.
func NewClientWithProvider(provider Provider, models []string, cooldown time.Duration, logger *slog.Logger) (*Client, error) {
	client, err := NewClient(Config{Models: models, Cooldown: cooldown}, logger)
	if err != nil {
		return nil, err
	}
	client.provider = provider
	return client, nil
}

func (c *Client) Configured() bool {
	return c != nil && c.provider != nil
}

// Active returns the model currently first in line, or "" when every
// endpoint is rate limited.
func (c *Client) Active() (string, int) {
	idx := c.current()
	if idx >= len(c.endpoints) {
		return "", idx
	}
	return c.endpoints[idx].model, idx
}

func (c *Client) Models() []string {
	out := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep.model)
	}
	return out
}

// Reset closes every breaker and returns to the first endpoint.
func (c *Client) Reset() {
	for _, ep := range c.endpoints {
		ep.close()
	}
	c.active.Store(0)
	observability.SetLLMActiveEndpoint(0)
	c.logger.Info("llm endpoints reset", "model", c.endpoints[0].model)
}

// current heals back to the earliest endpoint whose cooldown has elapsed.
func (c *Client) current() int {
	idx := int(c.active.Load())
	if c.cooldown <= 0 {
		return idx
	}
	now := c.now()
	for j := 0; j < idx && j < len(c.endpoints); j++ {
		if !c.endpoints[j].usable(now, c.cooldown) {
			continue
		}
		if c.active.CompareAndSwap(int64(idx), int64(j)) {
			observability.SetLLMActiveEndpoint(j)
			c.logger.Info("llm endpoint recovered", "model", c.endpoints[j].model)
		}
		return int(c.active.Load())
	}
	return idx
}

func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	if !c.Configured() {
		return Completion{}, ErrNotConfigured
	}
	if len(req.Messages) == 0 {
		return Completion{}, fmt.Errorf("at least one message is required")
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		return c.pinned(ctx, model, req.Messages)
	}

	for attempt := 0; attempt <= len(c.endpoints); attempt++ {
		idx := c.current()
		if idx >= len(c.endpoints) {
			break
		}
		ep := c.endpoints[idx]
		text, err := c.provider.Generate(ctx, ep.model, req.Messages)
		if err == nil {
			observability.ObserveLLMRequest(ep.model, "ok")
			return Completion{Text: text, Model: ep.model}, nil
		}
		if !IsQuota(err) {
			observability.ObserveLLMRequest(ep.model, "error")
			return Completion{}, fmt.Errorf("complete with %s: %w", ep.model, err)
		}

		observability.ObserveLLMRequest(ep.model, "quota")
		ep.trip(c.now(), c.cooldown)
		if c.active.CompareAndSwap(int64(idx), int64(idx+1)) {
			observability.ObserveLLMFailover(idx + 1)
			c.logger.WarnContext(ctx, "llm endpoint rate limited, failing over", "model", ep.model, "next_index", idx+1)
		}
	}
	c.logger.ErrorContext(ctx, "all llm endpoints rate limited", "models", len(c.endpoints))
	return Completion{}, ErrQuotaExhausted
}

func (c *Client) pinned(ctx context.Context, model string, messages []Message) (Completion, error) {
	text, err := c.provider.Generate(ctx, model, messages)
	if err != nil {
		result := "error"
		if IsQuota(err) {
			result = "quota"
		}
		observability.ObserveLLMRequest(model, result)
		return Completion{}, fmt.Errorf("complete with %s: %w", model, err)
	}
	observability.ObserveLLMRequest(model, "ok")
	return Completion{Text: text, Model: model}, nil
}

var quotaMarkers = []string{"429", "quota", "resourceexhausted", "resource_exhausted", "rate limit"}

// IsQuota reports whether err reads like a rate limit or quota signal.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) && status.StatusCode == http.StatusTooManyRequests {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
