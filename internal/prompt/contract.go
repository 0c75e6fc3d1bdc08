package prompt

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/edunexus/edunexus/internal/format"
)

const rawEchoLimit = 500

// ErrMalformedReply means the model's text was not the JSON contract.
var ErrMalformedReply = errors.New("prompt: model reply is not valid JSON")

var (
	leadingFence  = regexp.MustCompile("^```(?:json)?\\s*")
	trailingFence = regexp.MustCompile("\\s*```$")
	validate      = validator.New()
)

// Reply is the decoded model contract. QueryCode is empty for greetings.
type Reply struct {
	QueryCode   string
	Explanation string
	DisplayType string `validate:"oneof=text table stat chart"`
	Title       string
	Columns     []string
	FieldKeys   []string
	Suggestions []string
	ChartType   string
	Chart       *format.ChartSpec
}

type chartContract struct {
	ChartType string `validate:"omitempty,oneof=bar pie line"`
	LabelKey  string `validate:"required"`
	ValueKey  string `validate:"required"`
}

// StripFences removes a surrounding markdown code fence.
func StripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = leadingFence.ReplaceAllString(cleaned, "")
		cleaned = trailingFence.ReplaceAllString(cleaned, "")
	}
	return cleaned
}

// ParseReply decodes and normalizes a model reply. Unknown display types
// degrade to text and an unusable chart spec is dropped.
func ParseReply(raw string) (Reply, error) {
	cleaned := StripFences(raw)
	if !gjson.Valid(cleaned) {
		return Reply{}, ErrMalformedReply
	}
	doc := gjson.Parse(cleaned)
	if !doc.IsObject() {
		return Reply{}, ErrMalformedReply
	}

	reply := Reply{
		QueryCode:   strings.TrimSpace(stringField(doc, "query_code")),
		Explanation: stringField(doc, "explanation"),
		DisplayType: strings.ToLower(strings.TrimSpace(stringField(doc, "display_type"))),
		Title:       stringField(doc, "title"),
		Columns:     stringList(doc.Get("columns")),
		FieldKeys:   stringList(doc.Get("field_keys")),
		Suggestions: stringList(doc.Get("suggestions")),
		ChartType:   strings.ToLower(strings.TrimSpace(stringField(doc, "chart_type"))),
	}
	if reply.DisplayType == "" || validate.StructPartial(reply, "DisplayType") != nil {
		reply.DisplayType = format.TypeText
	}

	if data := doc.Get("chart_data"); data.IsObject() {
		chart := chartContract{
			ChartType: reply.ChartType,
			LabelKey:  data.Get("label_key").String(),
			ValueKey:  data.Get("value_key").String(),
		}
		if validate.Struct(chart) == nil {
			reply.Chart = &format.ChartSpec{LabelKey: chart.LabelKey, ValueKey: chart.ValueKey}
		}
	}
	if reply.Chart == nil && reply.DisplayType == format.TypeChart {
		reply.DisplayType = format.TypeText
	}
	return reply, nil
}

// Spec is the formatter metadata for the reply.
func (r Reply) Spec(code, model string) format.Spec {
	return format.Spec{
		DisplayType: r.DisplayType,
		Title:       r.Title,
		Columns:     r.Columns,
		FieldKeys:   r.FieldKeys,
		ChartType:   r.ChartType,
		Chart:       r.Chart,
		Explanation: r.Explanation,
		Suggestions: r.Suggestions,
		Query:       code,
		Model:       model,
	}
}

func stringField(doc gjson.Result, key string) string {
	value := doc.Get(key)
	if value.Type == gjson.Null || !value.Exists() {
		return ""
	}
	return value.String()
}

// stringList keeps the string elements of a JSON array. Anything else is
// treated as absent.
func stringList(value gjson.Result) []string {
	if !value.IsArray() {
		return nil
	}
	out := make([]string, 0)
	for _, item := range value.Array() {
		if item.Type == gjson.String || item.Type == gjson.Number {
			out = append(out, item.String())
		}
	}
	return out
}

// RepairPrompt asks the model to restate a reply as bare JSON.
func RepairPrompt(raw string) string {
	return "Your previous response was not valid JSON. " +
		"Respond ONLY with the JSON object, no markdown fencing. " +
		"Previous response:\n" + format.Clip(raw, rawEchoLimit)
}

// FixPrompt asks the model to correct code that failed to run.
func FixPrompt(system, question, code, failure string) string {
	return system + "\n\n" +
		"User asked: " + question + "\n" +
		"Generated code: " + code + "\n" +
		"Error: " + failure + "\n\n" +
		"Fix the code. Handle edge cases (empty queries, nil values)."
}

// RawEcho is the text shown when a reply stays unparseable after repair.
func RawEcho(raw string) string {
	return "AI returned an invalid response. Please rephrase your question.\n\nRaw:\n" + format.Clip(raw, rawEchoLimit)
}
