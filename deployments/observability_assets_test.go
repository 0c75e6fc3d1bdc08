package deployments

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Record string            `yaml:"record"`
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

func loadRules(t *testing.T, name string) ruleFile {
	t.Helper()
	path := filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", name)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	var rules ruleFile
	if err := yaml.Unmarshal(content, &rules); err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	if len(rules.Groups) == 0 {
		t.Fatalf("%s has no rule groups", name)
	}
	return rules
}

func TestPrometheusRecordingRulesContainExpectedRecords(t *testing.T) {
	rules := loadRules(t, "edunexus_recording_rules.yaml")

	records := map[string]string{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			records[rule.Record] = rule.Expr
		}
	}
	required := map[string]string{
		"edunexus:slo_turn_latency_ms_p95":      "edunexus_assistant_turn_duration_ms_bucket",
		"edunexus:slo_rate_limited_ratio_15m":   "edunexus_assistant_turns_total",
		"edunexus:slo_query_error_ratio_15m":    "edunexus_assistant_turns_total",
		"edunexus:slo_sandbox_timeouts_15m":     "edunexus_sandbox_executions_total",
		"edunexus:slo_llm_failovers_1h":         "edunexus_llm_failovers_total",
		"edunexus:slo_audit_flush_failures_30m": "edunexus_audit_flushes_total",
		"edunexus:slo_http_error_rate_5m":       "edunexus_http_requests_total",
	}
	for record, metric := range required {
		expr, ok := records[record]
		if !ok {
			t.Fatalf("recording rules missing record %q", record)
		}
		if !strings.Contains(expr, metric) {
			t.Fatalf("record %q expr %q does not reference %s", record, expr, metric)
		}
	}
}

func TestPrometheusRulesReferenceRecordedSeries(t *testing.T) {
	recorded := map[string]bool{}
	for _, group := range loadRules(t, "edunexus_recording_rules.yaml").Groups {
		for _, rule := range group.Rules {
			recorded[rule.Record] = true
		}
	}

	alerts := 0
	for _, group := range loadRules(t, "edunexus_rules.yaml").Groups {
		for _, rule := range group.Rules {
			if rule.Alert == "" {
				continue
			}
			alerts++
			series := strings.Fields(rule.Expr)[0]
			if !recorded[series] {
				t.Fatalf("alert %q uses unrecorded series %q", rule.Alert, series)
			}
			switch rule.Labels["severity"] {
			case "warning", "critical":
			default:
				t.Fatalf("alert %q severity = %q", rule.Alert, rule.Labels["severity"])
			}
		}
	}
	if alerts == 0 {
		t.Fatal("expected at least one alert")
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	path := filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", "prometheus-scrape.example.yaml")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}
	text := string(content)

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"edunexus_rules.yaml",
		"edunexus_recording_rules.yaml",
		"job_name: edunexus-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
