package postgres

import (
	"strconv"
	"strings"

	"github.com/edunexus/edunexus/internal/format"
)

type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) BindValue(value any) any {
	if d, ok := value.(format.Date); ok {
		return d.Time()
	}
	return value
}

func (Dialect) DatePart(part, expr string) string {
	return "CAST(EXTRACT(" + strings.ToUpper(part) + " FROM " + expr + ") AS INTEGER)"
}
