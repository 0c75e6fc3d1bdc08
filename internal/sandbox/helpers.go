package sandbox

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"

	"github.com/edunexus/edunexus/internal/format"
)

func (x *execution) registerHelpers() {
	L := x.L
	helpers := map[string]lua.LGFunction{
		"count":      x.helperCount,
		"len":        x.helperLen,
		"sum":        x.helperSum,
		"avg":        x.helperAvg,
		"min":        x.helperExtreme(-1),
		"max":        x.helperExtreme(1),
		"lower":      x.helperCase(strings.ToLower),
		"upper":      x.helperCase(strings.ToUpper),
		"concat":     x.helperConcat,
		"round":      x.helperRound,
		"record":     x.helperRecord,
		"sort_rows":  x.helperSortRows,
		"where_rows": x.helperWhereRows,
	}
	for name, fn := range helpers {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

// items lists the elements of a table or a materialized query.
func (x *execution) items(value lua.LValue) []lua.LValue {
	switch typed := value.(type) {
	case *lua.LTable:
		out := make([]lua.LValue, 0, typed.Len())
		for i := 1; i <= typed.Len(); i++ {
			out = append(out, typed.RawGetInt(i))
		}
		return out
	case *lua.LUserData:
		if q, ok := typed.Value.(*query); ok {
			return x.items(x.rows(q))
		}
	}
	x.raise(KindType, "expected a list or query, got %s", typeName(value))
	return nil
}

// column picks key out of every row, or returns the items themselves. Nil
// entries are skipped.
func (x *execution) column(value lua.LValue, key string) []lua.LValue {
	items := x.items(value)
	out := make([]lua.LValue, 0, len(items))
	for _, item := range items {
		if key != "" {
			row, ok := item.(*lua.LTable)
			if !ok {
				x.raise(KindType, "expected rows with field %q, got %s", key, typeName(item))
			}
			item = row.RawGetString(key)
		}
		if item != lua.LNil {
			out = append(out, item)
		}
	}
	return out
}

func (x *execution) helperCount(L *lua.LState) int {
	switch value := L.Get(1).(type) {
	case *lua.LNilType:
		L.Push(lua.LNumber(0))
	case *lua.LTable:
		L.Push(lua.LNumber(value.Len()))
	case *lua.LUserData:
		q, ok := value.Value.(*query)
		if !ok {
			x.raise(KindType, "count expects a list or query, got %s", typeName(value))
		}
		L.Push(lua.LNumber(x.count(q)))
	default:
		x.raise(KindType, "count expects a list or query, got %s", typeName(value))
	}
	return 1
}

func (x *execution) helperLen(L *lua.LState) int {
	if s, ok := L.Get(1).(lua.LString); ok {
		L.Push(lua.LNumber(utf8.RuneCountInString(string(s))))
		return 1
	}
	return x.helperCount(L)
}

func (x *execution) sum(values []lua.LValue) lua.LValue {
	useDecimal := false
	for _, value := range values {
		if _, ok := value.(*lua.LUserData); ok {
			useDecimal = true
			break
		}
	}
	if useDecimal {
		total := decimal.Zero
		for _, value := range values {
			d, ok := decimalOf(value)
			if !ok {
				x.raise(KindType, "cannot sum %s", typeName(value))
			}
			total = total.Add(d)
		}
		return x.decimalValue(total)
	}
	var total float64
	for _, value := range values {
		n, ok := value.(lua.LNumber)
		if !ok {
			x.raise(KindType, "cannot sum %s", typeName(value))
		}
		total += float64(n)
	}
	return lua.LNumber(total)
}

// aggregateQuery computes fn over the key argument in the database when the
// first argument is a plain query, so totals cover every matching row.
func (x *execution) aggregateQuery(L *lua.LState, fn string) (lua.LValue, bool) {
	if !isQuery(L.Get(1)) {
		return nil, false
	}
	q := L.Get(1).(*lua.LUserData).Value.(*query)
	key := L.OptString(2, "")
	if key == "" || len(q.annotations) > 0 || q.distinct || q.limit > 0 {
		return nil, false
	}
	c := x.compiler()
	sqlText, _, err := c.aggregateSQL(q, []annotation{{name: "value", agg: &aggregate{fn: fn, path: key}}})
	if err != nil {
		x.fail(err)
	}
	result := x.run(c, sqlText)
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return lua.LNil, true
	}
	return x.toLua(result.Rows[0][0]), true
}

func (x *execution) helperSum(L *lua.LState) int {
	if total, ok := x.aggregateQuery(L, "SUM"); ok {
		if total == lua.LNil {
			total = lua.LNumber(0)
		}
		L.Push(total)
		return 1
	}
	L.Push(x.sum(x.column(L.Get(1), L.OptString(2, ""))))
	return 1
}

func (x *execution) helperAvg(L *lua.LState) int {
	if mean, ok := x.aggregateQuery(L, "AVG"); ok {
		L.Push(mean)
		return 1
	}
	values := x.column(L.Get(1), L.OptString(2, ""))
	if len(values) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	switch total := x.sum(values).(type) {
	case lua.LNumber:
		L.Push(lua.LNumber(float64(total) / float64(len(values))))
	default:
		d, _ := decimalOf(total)
		L.Push(x.decimalValue(d.Div(decimal.NewFromInt(int64(len(values))))))
	}
	return 1
}

// helperExtreme is min (sign -1) or max (sign 1). It takes a list with an
// optional key, or plain arguments.
func (x *execution) helperExtreme(sign int) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := "MAX"
		if sign < 0 {
			fn = "MIN"
		}
		if best, ok := x.aggregateQuery(L, fn); ok {
			L.Push(best)
			return 1
		}
		var values []lua.LValue
		if _, isRows := L.Get(1).(*lua.LTable); isRows || isQuery(L.Get(1)) {
			values = x.column(L.Get(1), L.OptString(2, ""))
		} else {
			for i := 1; i <= L.GetTop(); i++ {
				if L.Get(i) != lua.LNil {
					values = append(values, L.Get(i))
				}
			}
		}
		if len(values) == 0 {
			L.Push(lua.LNil)
			return 1
		}
		best := values[0]
		for _, value := range values[1:] {
			cmp, ok := compareValues(value, best)
			if !ok {
				x.raise(KindType, "cannot compare %s with %s", typeName(value), typeName(best))
			}
			if cmp*sign > 0 {
				best = value
			}
		}
		L.Push(best)
		return 1
	}
}

func isQuery(value lua.LValue) bool {
	ud, ok := value.(*lua.LUserData)
	if !ok {
		return false
	}
	_, ok = ud.Value.(*query)
	return ok
}

// compareValues orders numbers, decimals, strings, booleans and temporal
// values of the same kind.
func compareValues(a, b lua.LValue) (int, bool) {
	switch left := a.(type) {
	case lua.LNumber:
		if right, ok := b.(lua.LNumber); ok {
			return compareFloat(float64(left), float64(right)), true
		}
	case lua.LString:
		if right, ok := b.(lua.LString); ok {
			return strings.Compare(string(left), string(right)), true
		}
	case lua.LBool:
		if right, ok := b.(lua.LBool); ok {
			switch {
			case left == right:
				return 0, true
			case !bool(left):
				return -1, true
			default:
				return 1, true
			}
		}
	}
	if lt, lk, ok := temporalOf(a); ok {
		if rt, rk, ok := temporalOf(b); ok && lk == rk {
			return lt.Compare(rt), true
		}
		return 0, false
	}
	if ld, ok := decimalOf(a); ok {
		if rd, ok := decimalOf(b); ok {
			return ld.Cmp(rd), true
		}
	}
	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (x *execution) helperCase(fn func(string) string) lua.LGFunction {
	return func(L *lua.LState) int {
		value := L.Get(1)
		if value == lua.LNil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(fn(displayString(value))))
		return 1
	}
}

func (x *execution) helperConcat(L *lua.LState) int {
	var sb strings.Builder
	for i := 1; i <= L.GetTop(); i++ {
		if value := L.Get(i); value != lua.LNil {
			sb.WriteString(displayString(value))
		}
	}
	L.Push(lua.LString(sb.String()))
	return 1
}

func (x *execution) helperRound(L *lua.LState) int {
	places := L.OptInt(2, 0)
	switch value := L.Get(1).(type) {
	case *lua.LNilType:
		L.Push(lua.LNil)
	case lua.LNumber:
		scale := math.Pow(10, float64(places))
		L.Push(lua.LNumber(math.Round(float64(value)*scale) / scale))
	default:
		d, ok := decimalOf(value)
		if !ok {
			x.raise(KindType, "cannot round %s", typeName(value))
		}
		L.Push(x.decimalValue(d.Round(int32(places))))
	}
	return 1
}

// helperRecord builds an ordered record from alternating keys and values.
func (x *execution) helperRecord(L *lua.LState) int {
	top := L.GetTop()
	if top%2 != 0 {
		x.raise(KindType, "record takes key, value pairs")
	}
	columns := make([]string, 0, top/2)
	tbl := L.CreateTable(0, top/2)
	for i := 1; i <= top; i += 2 {
		key, ok := L.Get(i).(lua.LString)
		if !ok {
			x.raise(KindType, "record keys must be strings, got %s", typeName(L.Get(i)))
		}
		columns = append(columns, string(key))
		tbl.RawSetString(string(key), L.Get(i+1))
	}
	x.records[tbl] = columns
	L.Push(tbl)
	return 1
}

// helperSortRows returns a sorted copy of rows. Keys prefixed with "-" sort
// descending and nil sorts first.
func (x *execution) helperSortRows(L *lua.LState) int {
	rows := x.items(L.Get(1))
	keys := make([]string, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		keys = append(keys, L.CheckString(i))
	}
	if len(keys) == 0 {
		x.raise(KindType, "sort_rows needs at least one key")
	}
	for _, row := range rows {
		if _, ok := row.(*lua.LTable); !ok {
			x.raise(KindType, "sort_rows expects rows, got %s", typeName(row))
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].(*lua.LTable), rows[j].(*lua.LTable)
		for _, key := range keys {
			name, desc := strings.CutPrefix(key, "-")
			cmp := compareNullable(a.RawGetString(name), b.RawGetString(name))
			if cmp == 0 {
				continue
			}
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	out := L.CreateTable(len(rows), 0)
	for _, row := range rows {
		out.Append(row)
	}
	L.Push(out)
	return 1
}

func compareNullable(a, b lua.LValue) int {
	switch {
	case a == lua.LNil && b == lua.LNil:
		return 0
	case a == lua.LNil:
		return -1
	case b == lua.LNil:
		return 1
	}
	cmp, ok := compareValues(a, b)
	if !ok {
		return strings.Compare(displayString(a), displayString(b))
	}
	return cmp
}

// helperWhereRows keeps the rows for which an expr-lang predicate holds.
// Row fields are the expression's variables.
func (x *execution) helperWhereRows(L *lua.LState) int {
	rows := x.items(L.Get(1))
	source := L.CheckString(2)
	program, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		x.raise(KindType, "where_rows: %v", err)
	}

	out := L.CreateTable(0, 0)
	for _, item := range rows {
		row, ok := item.(*lua.LTable)
		if !ok {
			x.raise(KindType, "where_rows expects rows, got %s", typeName(item))
		}
		env := x.rowEnv(row)
		matched, err := expr.Run(program, env)
		if err != nil {
			x.raise(KindType, "where_rows: %v", err)
		}
		if keep, _ := matched.(bool); keep {
			out.Append(row)
		}
	}
	L.Push(out)
	return 1
}

// rowEnv exposes a row to expr-lang. Dates become time values and decimals
// become floats so the expression language can compare them.
func (x *execution) rowEnv(row *lua.LTable) map[string]any {
	env := map[string]any{}
	for _, column := range x.records[row] {
		env[column] = nil
	}
	row.ForEach(func(key, value lua.LValue) {
		name, ok := key.(lua.LString)
		if !ok {
			return
		}
		switch v := x.export(value, 0).(type) {
		case format.Date:
			env[string(name)] = v.Time()
		case decimal.Decimal:
			env[string(name)] = v.InexactFloat64()
		default:
			env[string(name)] = v
		}
	})
	return env
}
