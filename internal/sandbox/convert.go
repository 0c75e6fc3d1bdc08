package sandbox

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"

	"github.com/edunexus/edunexus/internal/format"
)

const maxExportDepth = 16

// toLua converts a normalized database value for script use. Decimals
// become plain numbers so arithmetic works without decimal().
func (x *execution) toLua(value any) lua.LValue {
	switch typed := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(typed)
	case int:
		return lua.LNumber(typed)
	case int32:
		return lua.LNumber(typed)
	case int64:
		return lua.LNumber(typed)
	case float32:
		return lua.LNumber(typed)
	case float64:
		return lua.LNumber(typed)
	case string:
		return lua.LString(typed)
	case decimal.Decimal:
		return lua.LNumber(typed.InexactFloat64())
	case format.Date:
		return x.dateValue(typed)
	case time.Time:
		return x.dateTimeValue(typed)
	case []any:
		tbl := x.L.CreateTable(len(typed), 0)
		for _, item := range typed {
			tbl.Append(x.toLua(item))
		}
		return tbl
	default:
		return lua.LString(format.Text(value))
	}
}

// recordTable builds a record whose key order is remembered for export.
func (x *execution) recordTable(columns []string, values []any) *lua.LTable {
	tbl := x.L.CreateTable(0, len(columns))
	for i, column := range columns {
		var value any
		if i < len(values) {
			value = values[i]
		}
		tbl.RawSetString(column, x.toLua(value))
	}
	x.records[tbl] = columns
	return tbl
}

// export converts a script value into the formatter's value set. Lazy
// queries are materialized and every list is cut to the result limit.
func (x *execution) export(value lua.LValue, depth int) any {
	if depth > maxExportDepth {
		x.raise(KindType, "result nests deeper than %d levels", maxExportDepth)
	}
	switch typed := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(typed)
	case lua.LNumber:
		return numberValue(typed)
	case lua.LString:
		return string(typed)
	case *lua.LTable:
		return x.exportTable(typed, depth)
	case *lua.LUserData:
		switch v := typed.Value.(type) {
		case *query:
			return x.exportTable(x.preview(v), depth)
		case format.Date, time.Time, decimal.Decimal:
			return v
		default:
			return displayString(typed)
		}
	default:
		return value.String()
	}
}

func (x *execution) exportTable(tbl *lua.LTable, depth int) any {
	if columns, ok := x.records[tbl]; ok {
		return x.exportRecord(tbl, columns, depth)
	}

	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n := tbl.Len(); n == count {
		limit := n
		if x.maxResults > 0 && limit > x.maxResults {
			limit = x.maxResults
		}
		items := make([]any, 0, limit)
		for i := 1; i <= limit; i++ {
			items = append(items, x.export(tbl.RawGetInt(i), depth+1))
		}
		return items
	}
	return x.exportRecord(tbl, nil, depth)
}

// exportRecord keeps remembered columns first, then any keys the script
// added in sorted order.
func (x *execution) exportRecord(tbl *lua.LTable, columns []string, depth int) *format.Record {
	rec := format.NewRecord()
	seen := make(map[string]bool, len(columns))
	for _, column := range columns {
		seen[column] = true
		rec.Set(column, x.export(tbl.RawGetString(column), depth+1))
	}

	extra := make([]string, 0)
	values := map[string]lua.LValue{}
	tbl.ForEach(func(key, value lua.LValue) {
		name := key.String()
		if seen[name] {
			return
		}
		extra = append(extra, name)
		values[name] = value
	})
	sort.Strings(extra)
	for _, name := range extra {
		rec.Set(name, x.export(values[name], depth+1))
	}
	return rec
}
