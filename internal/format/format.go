package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

const (
	TypeText  = "text"
	TypeTable = "table"
	TypeStat  = "stat"
	TypeChart = "chart"

	DefaultMaxRows = 50
)

type ChartSpec struct {
	LabelKey string `json:"label_key"`
	ValueKey string `json:"value_key"`
}

// Spec carries the display metadata the model declared for a query.
type Spec struct {
	DisplayType string
	Title       string
	Columns     []string
	FieldKeys   []string
	ChartType   string
	Chart       *ChartSpec
	Explanation string
	Suggestions []string
	Query       string
	Model       string
}

type ChartData struct {
	Labels []any `json:"labels"`
	Values []any `json:"values"`
}

type AIMeta struct {
	Query *string `json:"query"`
	Model string  `json:"model,omitempty"`
	Error string  `json:"error,omitempty"`
}

// Payload is the response returned to the chat client. Its JSON shape
// depends on Type.
type Payload struct {
	Type        string     `json:"type"`
	Title       string     `json:"title,omitempty"`
	ChartType   string     `json:"chart_type,omitempty"`
	ChartData   *ChartData `json:"chart_data,omitempty"`
	Columns     []string   `json:"columns,omitempty"`
	Rows        [][]any    `json:"rows,omitempty"`
	Message     string     `json:"message"`
	Suggestions []string   `json:"suggestions"`
	AI          *AIMeta    `json:"_ai,omitempty"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := NewRecord()
	out.Set("type", p.Type)
	switch p.Type {
	case TypeTable:
		out.Set("title", p.Title)
		out.Set("columns", nonNilStrings(p.Columns))
		out.Set("rows", nonNilRows(p.Rows))
	case TypeChart:
		out.Set("title", p.Title)
		out.Set("chart_type", p.ChartType)
		chart := p.ChartData
		if chart == nil {
			chart = &ChartData{}
		}
		out.Set("chart_data", map[string]any{
			"labels": nonNilAny(chart.Labels),
			"values": nonNilAny(chart.Values),
		})
		if p.Columns == nil {
			out.Set("columns", nil)
		} else {
			out.Set("columns", p.Columns)
		}
		out.Set("rows", nonNilRows(p.Rows))
	}
	out.Set("message", p.Message)
	out.Set("suggestions", nonNilStrings(p.Suggestions))
	if p.AI != nil {
		out.Set("_ai", p.AI)
	}
	return out.MarshalJSON()
}

// TextPayload builds a plain message payload.
func TextPayload(message string, suggestions ...string) Payload {
	return Payload{Type: TypeText, Message: message, Suggestions: suggestions}
}

type Formatter struct {
	MaxRows int
}

func New(maxRows int) *Formatter {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Formatter{MaxRows: maxRows}
}

// Format renders an execution value for display. It never fails: any value
// that does not fit the declared display type is rendered as text.
func (f *Formatter) Format(value any, spec Spec) Payload {
	limit := f.MaxRows
	if limit <= 0 {
		limit = DefaultMaxRows
	}
	serialized := serialize(value, limit)
	meta := &AIMeta{Model: spec.Model}
	if spec.Query != "" {
		query := spec.Query
		meta.Query = &query
	}

	switch spec.DisplayType {
	case TypeTable:
		if items, ok := serialized.([]any); ok && len(spec.Columns) > 0 {
			return f.table(items, spec, meta)
		}
	case TypeStat:
		if rec, ok := serialized.(*Record); ok {
			return stat(rec, spec, meta)
		}
	case TypeChart:
		if items, ok := serialized.([]any); ok {
			raw, _ := value.([]any)
			return chart(items, raw, spec, meta)
		}
	}
	return text(serialized, spec, meta)
}

func (f *Formatter) table(items []any, spec Spec, meta *AIMeta) Payload {
	rows := make([][]any, 0, len(items))
	for _, item := range items {
		rows = append(rows, rowOf(item, spec.FieldKeys))
	}
	message := spec.Explanation
	if len(rows) > 0 {
		message += fmt.Sprintf("\n\nShowing **%d** result(s).", len(rows))
	} else {
		message += "\n\nNo results found."
	}
	return Payload{
		Type:        TypeTable,
		Title:       orDefault(spec.Title, "Query Results"),
		Columns:     spec.Columns,
		Rows:        rows,
		Message:     message,
		Suggestions: spec.Suggestions,
		AI:          meta,
	}
}

func rowOf(item any, fieldKeys []string) []any {
	switch typed := item.(type) {
	case *Record:
		keys := fieldKeys
		if len(keys) == 0 {
			keys = typed.Keys()
		}
		row := make([]any, 0, len(keys))
		for _, key := range keys {
			cell, ok := typed.Get(key)
			if !ok {
				cell = Placeholder
			}
			row = append(row, Text(Value(cell)))
		}
		return row
	case []any:
		row := make([]any, 0, len(typed))
		for _, cell := range typed {
			row = append(row, Text(Value(cell)))
		}
		return row
	default:
		return []any{Text(Value(item))}
	}
}

func stat(rec *Record, spec Spec, meta *AIMeta) Payload {
	rows := make([][]any, 0, rec.Len())
	for _, key := range rec.Keys() {
		value, _ := rec.Get(key)
		rows = append(rows, []any{Titleize(key), Value(value)})
	}
	return Payload{
		Type:        TypeTable,
		Title:       orDefault(spec.Title, "Statistics"),
		Columns:     []string{"Metric", "Value"},
		Rows:        rows,
		Message:     spec.Explanation,
		Suggestions: spec.Suggestions,
		AI:          meta,
	}
}

func chart(items []any, raw []any, spec Spec, meta *AIMeta) Payload {
	rows := make([][]any, 0)
	if len(spec.Columns) > 0 && len(spec.FieldKeys) > 0 {
		for _, item := range items {
			if rec, ok := item.(*Record); ok {
				rows = append(rows, rowOf(rec, spec.FieldKeys))
			}
		}
	}

	data := &ChartData{Labels: []any{}, Values: []any{}}
	if spec.Chart != nil {
		for idx, item := range items {
			rec, ok := item.(*Record)
			if !ok {
				continue
			}
			label, ok := rec.Get(spec.Chart.LabelKey)
			if !ok {
				label = ""
			}
			data.Labels = append(data.Labels, Value(label))

			var value any
			if idx < len(raw) {
				if rawRec, ok := raw[idx].(*Record); ok {
					value, _ = rawRec.Get(spec.Chart.ValueKey)
				}
			}
			data.Values = append(data.Values, numeric(value))
		}
	}

	return Payload{
		Type:        TypeChart,
		Title:       orDefault(spec.Title, "Chart"),
		ChartType:   orDefault(spec.ChartType, "bar"),
		ChartData:   data,
		Columns:     spec.Columns,
		Rows:        rows,
		Message:     spec.Explanation,
		Suggestions: spec.Suggestions,
		AI:          meta,
	}
}

func text(serialized any, spec Spec, meta *AIMeta) Payload {
	message := spec.Explanation
	switch serialized.(type) {
	case []any, *Record:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(serialized); err != nil {
			message += "\n\n**Answer:** " + Text(serialized)
			break
		}
		message += "\n\n**Results:**\n" + strings.TrimRight(buf.String(), "\n")
	default:
		message += "\n\n**Answer:** " + Text(serialized)
	}
	return Payload{
		Type:        TypeText,
		Message:     message,
		Suggestions: spec.Suggestions,
		AI:          meta,
	}
}

// Titleize turns a snake_case key into a display label: underscores become
// spaces and every alphabetic run starts with a capital.
func Titleize(key string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range strings.ReplaceAll(key, "_", " ") {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		prevLetter = false
		b.WriteRune(r)
	}
	return b.String()
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilAny(values []any) []any {
	if values == nil {
		return []any{}
	}
	return values
}

func nonNilRows(rows [][]any) [][]any {
	if rows == nil {
		return [][]any{}
	}
	return rows
}
