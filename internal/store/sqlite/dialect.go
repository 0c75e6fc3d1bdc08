package sqlite

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edunexus/edunexus/internal/format"
)

// Dialect targets the text encodings Django uses for SQLite columns.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) BindValue(value any) any {
	switch typed := value.(type) {
	case format.Date:
		return typed.String()
	case time.Time:
		return typed.UTC().Format("2006-01-02 15:04:05")
	case decimal.Decimal:
		return typed.InexactFloat64()
	default:
		return value
	}
}

var dateFormats = map[string]string{
	"year":  "%Y",
	"month": "%m",
	"day":   "%d",
}

func (Dialect) DatePart(part, expr string) string {
	pattern, ok := dateFormats[strings.ToLower(part)]
	if !ok {
		pattern = "%Y"
	}
	return "CAST(strftime('" + pattern + "', " + expr + ") AS INTEGER)"
}
