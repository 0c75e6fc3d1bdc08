package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tidwall/gjson"
)

type fakeProvider struct {
	mu      sync.Mutex
	limited map[string]bool
	fail    map[string]error
	calls   []string
}

func (f *fakeProvider) Generate(_ context.Context, model string, _ []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	if err := f.fail[model]; err != nil {
		return "", err
	}
	if f.limited[model] {
		return "", &StatusError{StatusCode: http.StatusTooManyRequests, Body: "RESOURCE_EXHAUSTED: quota exceeded"}
	}
	return "reply from " + model, nil
}

var testModels = []string{"gemini-2.0-flash", "gemini-2.5-flash", "gemma-3-27b-it"}

func newFakeClient(t *testing.T, provider Provider, cooldown time.Duration) *Client {
	t.Helper()
	client, err := NewClientWithProvider(provider, testModels, cooldown, nil)
	if err != nil {
		t.Fatalf("NewClientWithProvider() error = %v", err)
	}
	return client
}

func ask(text string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: text}}}
}

func TestCompleteFailsOverOnQuota(t *testing.T) {
	provider := &fakeProvider{limited: map[string]bool{"gemini-2.0-flash": true}}
	client := newFakeClient(t, provider, 0)

	got, err := client.Complete(context.Background(), ask("hi"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Model != "gemini-2.5-flash" || got.Text != "reply from gemini-2.5-flash" {
		t.Fatalf("Complete() = %+v", got)
	}

	if _, err := client.Complete(context.Background(), ask("again")); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	want := []string{"gemini-2.0-flash", "gemini-2.5-flash", "gemini-2.5-flash"}
	if strings.Join(provider.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", provider.calls, want)
	}
	if model, idx := client.Active(); model != "gemini-2.5-flash" || idx != 1 {
		t.Fatalf("Active() = %q, %d", model, idx)
	}
}

func TestCompleteExhaustedAndReset(t *testing.T) {
	provider := &fakeProvider{limited: map[string]bool{}}
	for _, model := range testModels {
		provider.limited[model] = true
	}
	client := newFakeClient(t, provider, 0)

	_, err := client.Complete(context.Background(), ask("hi"))
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Complete() error = %v, want ErrQuotaExhausted", err)
	}
	if model, idx := client.Active(); model != "" || idx != len(testModels) {
		t.Fatalf("Active() = %q, %d", model, idx)
	}

	// Without a cooldown the exhausted state only ends on Reset.
	calls := len(provider.calls)
	if _, err := client.Complete(context.Background(), ask("hi")); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(provider.calls) != calls {
		t.Fatalf("exhausted client still called the provider")
	}

	provider.limited = map[string]bool{}
	client.Reset()
	got, err := client.Complete(context.Background(), ask("hi"))
	if err != nil {
		t.Fatalf("Complete() after Reset error = %v", err)
	}
	if got.Model != "gemini-2.0-flash" {
		t.Fatalf("model after Reset = %q", got.Model)
	}
}

func TestCooldownReturnsToFirstEndpoint(t *testing.T) {
	provider := &fakeProvider{limited: map[string]bool{}}
	for _, model := range testModels {
		provider.limited[model] = true
	}
	client := newFakeClient(t, provider, 10*time.Minute)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	if _, err := client.Complete(context.Background(), ask("hi")); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Complete() error = %v, want ErrQuotaExhausted", err)
	}

	now = now.Add(5 * time.Minute)
	if _, err := client.Complete(context.Background(), ask("hi")); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Complete() before cooldown error = %v", err)
	}

	provider.limited = map[string]bool{}
	now = now.Add(6 * time.Minute)
	got, err := client.Complete(context.Background(), ask("hi"))
	if err != nil {
		t.Fatalf("Complete() after cooldown error = %v", err)
	}
	if got.Model != "gemini-2.0-flash" {
		t.Fatalf("model after cooldown = %q, want first endpoint", got.Model)
	}
}

func TestCompleteDoesNotFailOverOnOtherErrors(t *testing.T) {
	provider := &fakeProvider{fail: map[string]error{
		"gemini-2.0-flash": &StatusError{StatusCode: http.StatusInternalServerError, Body: "backend error"},
	}}
	client := newFakeClient(t, provider, 0)

	_, err := client.Complete(context.Background(), ask("hi"))
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Complete() error = %v, want StatusError 500", err)
	}
	if _, idx := client.Active(); idx != 0 {
		t.Fatalf("active index = %d, want 0", idx)
	}
}

func TestCompletePinnedModel(t *testing.T) {
	provider := &fakeProvider{limited: map[string]bool{"gemini-2.5-flash": true}}
	client := newFakeClient(t, provider, 0)

	got, err := client.Complete(context.Background(), Request{Messages: ask("x").Messages, Model: "gemma-3-27b-it"})
	if err != nil || got.Model != "gemma-3-27b-it" {
		t.Fatalf("Complete() = %+v, %v", got, err)
	}
	_, err = client.Complete(context.Background(), Request{Messages: ask("x").Messages, Model: "gemini-2.5-flash"})
	if !IsQuota(err) {
		t.Fatalf("pinned quota error = %v", err)
	}
	if _, idx := client.Active(); idx != 0 {
		t.Fatalf("pinned call moved the pointer to %d", idx)
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	client, err := NewClient(Config{Provider: ProviderGemini, Models: testModels}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.Configured() {
		t.Fatalf("Configured() = true without key")
	}
	if _, err := client.Complete(context.Background(), ask("hi")); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Complete() error = %v, want ErrNotConfigured", err)
	}
	if _, err := NewClient(Config{APIKey: "k", Models: []string{" "}}, nil); err == nil {
		t.Fatalf("NewClient() without models succeeded")
	}
	if _, err := NewClient(Config{Provider: "palm", APIKey: "k", Models: testModels}, nil); err == nil {
		t.Fatalf("NewClient() with unknown provider succeeded")
	}
}

func TestIsQuota(t *testing.T) {
	cases := map[string]bool{
		"429 Too Many Requests":              true,
		"Quota exceeded for metric":          true,
		"google.api_core ResourceExhausted":  true,
		"status RESOURCE_EXHAUSTED":          true,
		"Rate limit reached for requests":    true,
		"connection reset by peer":           false,
		"model request failed status=500 xx": false,
	}
	for text, want := range cases {
		if got := IsQuota(errors.New(text)); got != want {
			t.Fatalf("IsQuota(%q) = %v, want %v", text, got, want)
		}
	}
	if IsQuota(nil) {
		t.Fatalf("IsQuota(nil) = true")
	}
}

func TestFailoverMonotonicProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("without cooldown the active index never moves backwards", prop.ForAll(
		func(limits []bool) bool {
			provider := &fakeProvider{limited: map[string]bool{}}
			client, err := NewClientWithProvider(provider, testModels, 0, nil)
			if err != nil {
				return false
			}
			last := 0
			for _, limited := range limits {
				model, _ := client.Active()
				if model != "" {
					provider.limited[model] = limited
				}
				_, _ = client.Complete(context.Background(), ask("q"))
				_, idx := client.Active()
				if idx < last || idx > len(testModels) {
					return false
				}
				last = idx
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestConcurrentFailoverSkipsAtMostOne(t *testing.T) {
	provider := &fakeProvider{limited: map[string]bool{"gemini-2.0-flash": true}}
	client := newFakeClient(t, provider, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Complete(context.Background(), ask("q"))
		}()
	}
	wg.Wait()
	if _, idx := client.Active(); idx != 1 {
		t.Fatalf("active index = %d, want 1", idx)
	}
}

func TestOpenAIProviderRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if model := gjson.GetBytes(body, "model").String(); model != "gpt-4o-mini" {
			t.Errorf("model = %q", model)
		}
		if content := gjson.GetBytes(body, "messages.0.content").String(); content != "hello" {
			t.Errorf("content = %q", content)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"explanation\":\"hi\"}"}}]}`)
	}))
	defer server.Close()

	client, err := NewClient(Config{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "sk-test", Models: []string{"gpt-4o-mini"}}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	got, err := client.Complete(context.Background(), ask("hello"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != `{"explanation":"hi"}` {
		t.Fatalf("Text = %q", got.Text)
	}
}

func TestGeminiProviderFailsOverOn429(t *testing.T) {
	var mu sync.Mutex
	paths := make([]string, 0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		if role := gjson.GetBytes(body, "contents.0.role").String(); role != "user" {
			t.Errorf("role = %q", role)
		}
		if temp := gjson.GetBytes(body, "generationConfig.temperature").Float(); temp != 0.1 {
			t.Errorf("temperature = %v", temp)
		}
		if strings.Contains(r.URL.Path, "gemini-2.0-flash:") {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"a\":"},{"text":"1}"}]}}]}`)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Provider:    ProviderGemini,
		BaseURL:     server.URL,
		APIKey:      "g-key",
		Models:      testModels,
		Temperature: 0.1,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	got, err := client.Complete(context.Background(), ask("hello"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != `{"a":1}` || got.Model != "gemini-2.5-flash" {
		t.Fatalf("Complete() = %+v", got)
	}
	want := []string{"/v1beta/models/gemini-2.0-flash:generateContent", "/v1beta/models/gemini-2.5-flash:generateContent"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("paths = %v", paths)
	}
}

func TestGeminiProviderBlockedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, APIKey: "g", Models: testModels}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Complete(context.Background(), ask("hello"))
	if err == nil || !strings.Contains(err.Error(), "prompt blocked: SAFETY") {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestStatusErrorUsesEnvelopeMessage(t *testing.T) {
	got := errorBody([]byte(`{"error":{"message":"bad key","status":"UNAUTHENTICATED"}}`))
	if got != "UNAUTHENTICATED: bad key" {
		t.Fatalf("errorBody() = %q", got)
	}
	if got := errorBody([]byte("upstream down")); got != "upstream down" {
		t.Fatalf("errorBody() = %q", got)
	}
}
