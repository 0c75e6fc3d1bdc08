package duckdb

import (
	"strings"

	duckdb "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/edunexus/edunexus/internal/format"
)

type Dialect struct{}

func (Dialect) Name() string { return "duckdb" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) BindValue(value any) any {
	switch typed := value.(type) {
	case format.Date:
		return typed.Time()
	case decimal.Decimal:
		return typed.InexactFloat64()
	default:
		return value
	}
}

func (Dialect) DatePart(part, expr string) string {
	return "CAST(EXTRACT(" + strings.ToUpper(part) + " FROM " + expr + ") AS INTEGER)"
}

// ConvertValue maps the driver's DECIMAL representation.
func (Dialect) ConvertValue(value any) (any, bool) {
	switch typed := value.(type) {
	case duckdb.Decimal:
		if typed.Value == nil {
			return decimal.Zero, true
		}
		return decimal.NewFromBigInt(typed.Value, -int32(typed.Scale)), true
	default:
		return nil, false
	}
}
