package edunexusctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tidwall/gjson"
)

type Options struct {
	BaseURL    string
	APIKey     string
	SessionID  string
	Role       string
	StudentID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   []byte
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("edunexusctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "EduNexus API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key or bearer token for authenticated requests")
	sessionID := fs.String("session-id", firstNonEmpty(defaults.SessionID, "edunexusctl"), "conversation session id")
	role := fs.String("role", defaults.Role, "X-Role header (honored only when the server trusts headers)")
	studentID := fs.String("student-id", defaults.StudentID, "X-Student-ID header (honored only when the server trusts headers)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	raw := fs.Bool("raw", false, "print the JSON response instead of rendering it")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	var req request
	switch command {
	case "health":
		req = request{method: http.MethodGet, path: "/v1/health"}
	case "ready":
		req = request{method: http.MethodGet, path: "/v1/ready"}
	case "ask":
		question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			return 2
		}
		body, _ := json.Marshal(map[string]string{"message": question})
		req = request{method: http.MethodPost, path: "/v1/chat", body: body}
	case "history":
		req = request{method: http.MethodGet, path: "/v1/chat/history"}
	case "clear":
		req = request{method: http.MethodPost, path: "/v1/chat/clear"}
	case "schema":
		req = request{method: http.MethodGet, path: "/v1/chat/schema"}
	case "reset-models":
		req = request{method: http.MethodPost, path: "/v1/chat/reset-models"}
	case "audit":
		path := "/v1/audit/batches"
		if day := strings.TrimSpace(fs.Arg(1)); day != "" {
			path += "?" + url.Values{"date": {day}}.Encode()
		}
		req = request{method: http.MethodGet, path: path}
	case "audit-turns":
		key := strings.TrimSpace(fs.Arg(1))
		if key == "" {
			_, _ = fmt.Fprintln(stderr, "audit-turns requires a batch key")
			return 2
		}
		req = request{method: http.MethodGet, path: "/v1/audit/turns?" + url.Values{"key": {key}}.Encode()}
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	headers := map[string]string{
		"X-Session-ID": *sessionID,
		"X-Role":       *role,
		"X-Student-ID": *studentID,
	}
	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey, headers)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if !*raw {
		switch command {
		case "ask":
			renderPayload(stdout, responseBody)
			return 0
		case "schema":
			_, _ = fmt.Fprintln(stdout, gjson.GetBytes(responseBody, "schema").String())
			return 0
		case "history":
			renderHistory(stdout, responseBody)
			return 0
		case "audit":
			renderAuditBatches(stdout, responseBody)
			return 0
		case "audit-turns":
			renderAuditTurns(stdout, responseBody)
			return 0
		}
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey string, headers map[string]string) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		if strings.Count(key, ".") == 2 {
			req.Header.Set("Authorization", "Bearer "+key)
		} else {
			req.Header.Set("X-API-Key", key)
		}
	}
	for name, value := range headers {
		if value = strings.TrimSpace(value); value != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// renderPayload prints a chat payload for a terminal.
func renderPayload(w io.Writer, raw []byte) {
	payload := gjson.ParseBytes(raw)
	if title := payload.Get("title").String(); title != "" {
		_, _ = fmt.Fprintf(w, "## %s\n\n", title)
	}

	switch payload.Get("type").String() {
	case "table", "stat":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, joinCells(payload.Get("columns").Array()))
		for _, row := range payload.Get("rows").Array() {
			_, _ = fmt.Fprintln(tw, joinCells(row.Array()))
		}
		_ = tw.Flush()
		_, _ = fmt.Fprintln(w)
	case "chart":
		_, _ = fmt.Fprintf(w, "[%s chart]\n", payload.Get("chart_type").String())
		labels := payload.Get("chart_data.labels").Array()
		values := payload.Get("chart_data.values").Array()
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for i, label := range labels {
			value := ""
			if i < len(values) {
				value = values[i].String()
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", label.String(), value)
		}
		_ = tw.Flush()
		_, _ = fmt.Fprintln(w)
	}

	if message := payload.Get("message").String(); message != "" {
		_, _ = fmt.Fprintln(w, message)
	}
	if query := payload.Get("_ai.query"); query.Exists() && query.Type != gjson.Null {
		_, _ = fmt.Fprintf(w, "\nquery: %s\n", query.String())
	}
	if suggestions := payload.Get("suggestions").Array(); len(suggestions) > 0 {
		_, _ = fmt.Fprintln(w, "\nsuggestions:")
		for _, suggestion := range suggestions {
			_, _ = fmt.Fprintf(w, "  - %s\n", suggestion.String())
		}
	}
}

func renderHistory(w io.Writer, raw []byte) {
	entries := gjson.GetBytes(raw, "history").Array()
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "(no history)")
		return
	}
	for _, entry := range entries {
		_, _ = fmt.Fprintf(w, "%s: %s\n", entry.Get("role").String(), entry.Get("content").String())
	}
}

func renderAuditBatches(w io.Writer, raw []byte) {
	batches := gjson.GetBytes(raw, "batches").Array()
	if len(batches) == 0 {
		_, _ = fmt.Fprintf(w, "(no audit batches on %s)\n", gjson.GetBytes(raw, "date").String())
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "flushed_at\tbytes\tkey")
	for _, batch := range batches {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", batch.Get("flushed_at").String(), batch.Get("size").Int(), batch.Get("key").String())
	}
	_ = tw.Flush()
}

func renderAuditTurns(w io.Writer, raw []byte) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "at\trole\toutcome\tms\tquestion")
	for _, turn := range gjson.GetBytes(raw, "turns").Array() {
		outcome := turn.Get("outcome").String()
		if kind := turn.Get("error_kind").String(); kind != "" {
			outcome += "/" + kind
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			turn.Get("at").String(), turn.Get("role").String(), outcome, turn.Get("duration_ms").Int(), turn.Get("question").String())
	}
	_ = tw.Flush()
}

func joinCells(cells []gjson.Result) string {
	parts := make([]string, 0, len(cells))
	for _, cell := range cells {
		if cell.Type == gjson.Null {
			parts = append(parts, "-")
			continue
		}
		parts = append(parts, cell.String())
	}
	return strings.Join(parts, "\t")
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: edunexusctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health             GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready              GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question>     POST /v1/chat")
	_, _ = fmt.Fprintln(w, "  history            GET /v1/chat/history")
	_, _ = fmt.Fprintln(w, "  clear              POST /v1/chat/clear")
	_, _ = fmt.Fprintln(w, "  schema             GET /v1/chat/schema")
	_, _ = fmt.Fprintln(w, "  reset-models       POST /v1/chat/reset-models")
	_, _ = fmt.Fprintln(w, "  audit [date]       GET /v1/audit/batches (YYYY-MM-DD, default today)")
	_, _ = fmt.Fprintln(w, "  audit-turns <key>  GET /v1/audit/turns")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
