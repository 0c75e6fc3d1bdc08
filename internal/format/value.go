package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const Placeholder = "—"

const (
	dateLayout     = "02 Jan 2006"
	dateTimeLayout = "02 Jan 2006 15:04"
)

// Date is a calendar date. The time of day is always midnight UTC.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func (d Date) Time() time.Time { return d.t }

func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

func (d Date) Before(other Date) bool { return d.t.Before(other.t) }

func (d Date) Equal(other Date) bool { return d.t.Equal(other.t) }

// DaysSince returns the number of days from other to d.
func (d Date) DaysSince(other Date) int {
	return int(d.t.Sub(other.t).Hours() / 24)
}

func (d Date) String() string { return d.t.Format(time.DateOnly) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Record is a mapping that keeps insertion order when serialized.
type Record struct {
	keys   []string
	values map[string]any
}

func NewRecord() *Record {
	return &Record{values: map[string]any{}}
}

func (r *Record) Set(key string, value any) {
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

func (r *Record) Get(key string) (any, bool) {
	value, ok := r.values[key]
	return value, ok
}

func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Record) Len() int { return len(r.keys) }

func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for idx, key := range r.keys {
		if idx > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := marshalNoEscape(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		encodedValue, err := marshalNoEscape(r.values[key])
		if err != nil {
			return nil, fmt.Errorf("encode record field %q: %w", key, err)
		}
		buf.Write(encodedValue)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Value converts a single materialized value into its display form.
func Value(v any) any {
	switch typed := v.(type) {
	case nil:
		return Placeholder
	case time.Time:
		return typed.Format(dateTimeLayout)
	case Date:
		return typed.t.Format(dateLayout)
	case decimal.Decimal:
		return typed.InexactFloat64()
	case bool:
		if typed {
			return "Yes"
		}
		return "No"
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, Text(Value(item)))
		}
		return strings.Join(parts, ", ")
	default:
		return Text(v)
	}
}

// Text is the plain string conversion used for cells and answers.
func Text(v any) string {
	switch typed := v.(type) {
	case nil:
		return Placeholder
	case string:
		return typed
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(typed)
	case decimal.Decimal:
		return typed.String()
	case Date:
		return typed.t.Format(dateLayout)
	case time.Time:
		return typed.Format(dateTimeLayout)
	case *Record:
		encoded, err := typed.MarshalJSON()
		if err != nil {
			return fmt.Sprint(typed.values)
		}
		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}

// serialize converts a raw execution value into display form, keeping the
// record and list structure and truncating lists to limit entries.
func serialize(v any, limit int) any {
	switch typed := v.(type) {
	case *Record:
		return serializeRecord(typed)
	case []any:
		n := len(typed)
		if limit > 0 && n > limit {
			n = limit
		}
		out := make([]any, 0, n)
		for _, item := range typed[:n] {
			switch inner := item.(type) {
			case *Record:
				out = append(out, serializeRecord(inner))
			case []any:
				cells := make([]any, 0, len(inner))
				for _, cell := range inner {
					cells = append(cells, Value(cell))
				}
				out = append(out, cells)
			default:
				out = append(out, Value(item))
			}
		}
		return out
	default:
		return Value(v)
	}
}

func serializeRecord(r *Record) *Record {
	out := NewRecord()
	for _, key := range r.keys {
		out.Set(key, Value(r.values[key]))
	}
	return out
}

// numeric keeps chart values as numbers when the raw value is numeric.
func numeric(v any) any {
	switch typed := v.(type) {
	case nil:
		return 0
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case int64:
		return typed
	case float32:
		return float64(typed)
	case float64:
		return typed
	case decimal.Decimal:
		return typed.InexactFloat64()
	default:
		return Value(v)
	}
}

// Clip cuts s to at most n runes.
func Clip(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
