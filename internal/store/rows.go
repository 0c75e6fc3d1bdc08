package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edunexus/edunexus/internal/format"
)

type columnKind int

const (
	kindAny columnKind = iota
	kindDate
	kindTimestamp
	kindTime
	kindDecimal
	kindBool
	kindText
)

func kindOf(databaseType string) columnKind {
	name := strings.ToUpper(strings.TrimSpace(databaseType))
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = strings.TrimSpace(name[:idx])
	}
	switch name {
	case "DATE":
		return kindDate
	case "TIMESTAMP", "TIMESTAMPTZ", "DATETIME", "TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return kindTimestamp
	case "TIME", "TIMETZ", "TIME WITHOUT TIME ZONE":
		return kindTime
	case "NUMERIC", "DECIMAL":
		return kindDecimal
	case "BOOL", "BOOLEAN":
		return kindBool
	case "TEXT", "VARCHAR", "CHAR", "BPCHAR", "CHARACTER VARYING", "UUID", "JSON", "JSONB":
		return kindText
	default:
		return kindAny
	}
}

// ValueConverter is implemented by dialects whose driver returns values
// outside the normalized set.
type ValueConverter interface {
	ConvertValue(value any) (any, bool)
}

func scanAll(rows *sql.Rows, converter ValueConverter) (Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}
	kinds := make([]columnKind, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, columnType := range types {
			if i < len(kinds) {
				kinds[i] = kindOf(columnType.DatabaseTypeName())
			}
		}
	}

	out := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		for i, value := range values {
			if converter != nil {
				if converted, ok := converter.ConvertValue(value); ok {
					value = converted
				}
			}
			values[i] = normalize(value, kinds[i])
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return Result{Columns: columns, Rows: out}, nil
}

// normalize maps driver values onto the value set understood by the sandbox
// and the formatter: nil, bool, int64, float64, string, decimal.Decimal,
// format.Date, time.Time and []any.
func normalize(value any, kind columnKind) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return normalize(string(typed), kind)
	case string:
		switch kind {
		case kindDecimal:
			if d, err := decimal.NewFromString(strings.TrimSpace(typed)); err == nil {
				return d
			}
		case kindDate:
			if t, err := time.Parse(time.DateOnly, strings.TrimSpace(typed)); err == nil {
				return format.DateOf(t)
			}
		case kindTimestamp:
			if t, ok := parseTimestamp(typed); ok {
				return t
			}
		case kindBool:
			if b, err := strconv.ParseBool(strings.TrimSpace(typed)); err == nil {
				return b
			}
		}
		return typed
	case time.Time:
		switch kind {
		case kindDate:
			return format.DateOf(typed)
		case kindTime:
			return typed.Format(time.TimeOnly)
		default:
			return typed
		}
	case bool:
		return typed
	case int:
		return normalizeInt(int64(typed), kind)
	case int8:
		return normalizeInt(int64(typed), kind)
	case int16:
		return normalizeInt(int64(typed), kind)
	case int32:
		return normalizeInt(int64(typed), kind)
	case int64:
		return normalizeInt(typed, kind)
	case uint8:
		return normalizeInt(int64(typed), kind)
	case uint16:
		return normalizeInt(int64(typed), kind)
	case uint32:
		return normalizeInt(int64(typed), kind)
	case uint64:
		return normalizeInt(int64(typed), kind)
	case float32:
		return normalizeFloat(float64(typed), kind)
	case float64:
		return normalizeFloat(typed, kind)
	case *big.Int:
		return decimal.NewFromBigInt(typed, 0)
	case decimal.Decimal:
		return typed
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalize(item, kindAny)
		}
		return out
	default:
		return fmt.Sprint(typed)
	}
}

func normalizeInt(value int64, kind columnKind) any {
	switch kind {
	case kindBool:
		return value != 0
	case kindDecimal:
		return decimal.NewFromInt(value)
	default:
		return value
	}
}

func normalizeFloat(value float64, kind columnKind) any {
	if kind == kindDecimal {
		return decimal.NewFromFloat(value)
	}
	return value
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateTime,
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
