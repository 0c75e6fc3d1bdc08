package sandbox

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"

	"github.com/edunexus/edunexus/internal/format"
)

const (
	queryTypeName     = "query"
	predicateTypeName = "predicate"
	aggregateTypeName = "aggregate"
)

type queryMethod func(x *execution, L *lua.LState, q *query, args []lua.LValue) int

// queryMethods is the whole accessor surface. It has no write operations.
var queryMethods = map[string]queryMethod{
	"filter":    (*execution).filterMethod,
	"exclude":   (*execution).excludeMethod,
	"order_by":  (*execution).orderByMethod,
	"values":    (*execution).valuesMethod,
	"annotate":  (*execution).annotateMethod,
	"limit":     (*execution).limitMethod,
	"distinct":  (*execution).distinctMethod,
	"all":       (*execution).allMethod,
	"list":      (*execution).allMethod,
	"first":     (*execution).firstMethod,
	"get":       (*execution).getMethod,
	"count":     (*execution).countMethod,
	"exists":    (*execution).existsMethod,
	"aggregate": (*execution).aggregateMethod,
}

func (x *execution) registerEntities() {
	L := x.L

	queryMT := L.NewTypeMetatable(queryTypeName)
	L.SetField(queryMT, "__index", L.NewFunction(x.queryIndex))
	L.SetField(queryMT, "__newindex", L.NewFunction(func(L *lua.LState) int {
		x.raise(KindQuery, "entity accessors are read-only")
		return 0
	}))
	L.SetField(queryMT, "__len", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(x.count(x.checkQuery(1))))
		return 1
	}))
	L.SetField(queryMT, "__tostring", L.NewFunction(x.valueToString))
	L.SetField(queryMT, "__concat", L.NewFunction(x.valueConcat))

	L.SetField(L.NewTypeMetatable(predicateTypeName), "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("<predicate>"))
		return 1
	}))
	L.SetField(L.NewTypeMetatable(aggregateTypeName), "__tostring", L.NewFunction(func(L *lua.LState) int {
		agg := x.checkAggregate(1)
		L.Push(lua.LString(agg.fn + "(" + agg.path + ")"))
		return 1
	}))

	for _, entity := range x.entities.Entities {
		L.SetGlobal(entity.Name, x.queryValue(&query{entity: entity}))
	}

	L.SetGlobal("Q", L.NewFunction(func(L *lua.LState) int {
		L.Push(x.predicateValue(x.toPredicate(L.CheckAny(1))))
		return 1
	}))
	L.SetGlobal("And", L.NewFunction(x.combinator(predAnd)))
	L.SetGlobal("Or", L.NewFunction(x.combinator(predOr)))
	L.SetGlobal("Not", L.NewFunction(func(L *lua.LState) int {
		children := make([]*predicate, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			children = append(children, x.toPredicate(L.Get(i)))
		}
		L.Push(x.predicateValue(&predicate{kind: predNot, children: children}))
		return 1
	}))

	for name, fn := range map[string]string{"Count": "COUNT", "Sum": "SUM", "Avg": "AVG", "Min": "MIN", "Max": "MAX"} {
		L.SetGlobal(name, L.NewFunction(x.aggregateConstructor(fn)))
	}
}

func (x *execution) queryValue(q *query) *lua.LUserData {
	return x.newUserData(q, queryTypeName)
}

func (x *execution) predicateValue(p *predicate) *lua.LUserData {
	return x.newUserData(p, predicateTypeName)
}

func (x *execution) checkQuery(n int) *query {
	ud := x.L.CheckUserData(n)
	q, ok := ud.Value.(*query)
	if !ok {
		x.raise(KindType, "expected a query, got %s", typeName(ud))
	}
	return q
}

func (x *execution) checkAggregate(n int) *aggregate {
	ud := x.L.CheckUserData(n)
	agg, ok := ud.Value.(*aggregate)
	if !ok {
		x.raise(KindType, "expected an aggregate, got %s", typeName(ud))
	}
	return agg
}

// queryIndex resolves methods for both Student.filter{...} and
// Student:filter{...} call styles.
func (x *execution) queryIndex(L *lua.LState) int {
	self := L.CheckUserData(1)
	q, _ := self.Value.(*query)
	name := L.CheckString(2)
	if name == "objects" {
		L.Push(self)
		return 1
	}
	method, ok := queryMethods[name]
	if !ok {
		x.raise(KindQuery, "%s query has no method %q", q.entity.Name, name)
	}
	L.Push(L.NewFunction(func(L *lua.LState) int {
		first := 1
		if ud, ok := L.Get(1).(*lua.LUserData); ok && ud == self {
			first = 2
		}
		args := make([]lua.LValue, 0, L.GetTop())
		for i := first; i <= L.GetTop(); i++ {
			args = append(args, L.Get(i))
		}
		return method(x, L, q, args)
	}))
	return 1
}

func (x *execution) filterMethod(L *lua.LState, q *query, args []lua.LValue) int {
	next := q.clone()
	for _, arg := range args {
		next.where = append(next.where, x.toPredicate(arg))
	}
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) excludeMethod(L *lua.LState, q *query, args []lua.LValue) int {
	children := make([]*predicate, 0, len(args))
	for _, arg := range args {
		children = append(children, x.toPredicate(arg))
	}
	next := q.clone()
	next.where = append(next.where, &predicate{kind: predNot, children: children})
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) orderByMethod(L *lua.LState, q *query, args []lua.LValue) int {
	next := q.clone()
	next.order = x.stringArgs("order_by", args)
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) valuesMethod(L *lua.LState, q *query, args []lua.LValue) int {
	next := q.clone()
	next.fields = x.stringArgs("values", args)
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) annotateMethod(L *lua.LState, q *query, args []lua.LValue) int {
	if len(args) != 1 {
		x.raise(KindQuery, "annotate takes one table of name = aggregate")
	}
	next := q.clone()
	next.annotations = append(next.annotations, x.annotations("annotate", args[0])...)
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) limitMethod(L *lua.LState, q *query, args []lua.LValue) int {
	if len(args) != 1 {
		x.raise(KindQuery, "limit takes one number")
	}
	n, ok := args[0].(lua.LNumber)
	if !ok || n < 0 || float64(n) != math.Trunc(float64(n)) {
		x.raise(KindQuery, "limit needs a non-negative integer")
	}
	next := q.clone()
	next.limit = int(n)
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) distinctMethod(L *lua.LState, q *query, _ []lua.LValue) int {
	next := q.clone()
	next.distinct = true
	L.Push(x.queryValue(next))
	return 1
}

func (x *execution) allMethod(L *lua.LState, q *query, _ []lua.LValue) int {
	L.Push(x.rows(q))
	return 1
}

func (x *execution) firstMethod(L *lua.LState, q *query, _ []lua.LValue) int {
	c := x.compiler()
	sqlText, columns, err := c.selectSQL(q, selectOptions{limit: 1, defaultOrder: true})
	if err != nil {
		x.fail(err)
	}
	result := x.run(c, sqlText)
	if len(result.Rows) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(x.recordTable(columns, result.Rows[0]))
	return 1
}

func (x *execution) getMethod(L *lua.LState, q *query, args []lua.LValue) int {
	next := q.clone()
	for _, arg := range args {
		next.where = append(next.where, x.toPredicate(arg))
	}
	c := x.compiler()
	sqlText, columns, err := c.selectSQL(next, selectOptions{limit: 2})
	if err != nil {
		x.fail(err)
	}
	result := x.run(c, sqlText)
	switch len(result.Rows) {
	case 0:
		x.raise(KindNotFound, "%s matching query does not exist", q.entity.Name)
	case 1:
		L.Push(x.recordTable(columns, result.Rows[0]))
		return 1
	default:
		x.raise(KindMultiple, "get() returned more than one %s", q.entity.Name)
	}
	return 0
}

func (x *execution) countMethod(L *lua.LState, q *query, _ []lua.LValue) int {
	L.Push(lua.LNumber(x.count(q)))
	return 1
}

func (x *execution) existsMethod(L *lua.LState, q *query, _ []lua.LValue) int {
	c := x.compiler()
	sqlText, _, err := c.selectSQL(q, selectOptions{limit: 1, skipOrder: true})
	if err != nil {
		x.fail(err)
	}
	L.Push(lua.LBool(len(x.run(c, sqlText).Rows) > 0))
	return 1
}

func (x *execution) aggregateMethod(L *lua.LState, q *query, args []lua.LValue) int {
	if len(args) != 1 {
		x.raise(KindQuery, "aggregate takes one table of name = aggregate")
	}
	c := x.compiler()
	sqlText, columns, err := c.aggregateSQL(q, x.annotations("aggregate", args[0]))
	if err != nil {
		x.fail(err)
	}
	result := x.run(c, sqlText)
	var row []any
	if len(result.Rows) > 0 {
		row = result.Rows[0]
	}
	L.Push(x.recordTable(columns, row))
	return 1
}

// rows materializes q as a list of records. A query matching more rows than
// the fetch limit fails rather than being cut short.
func (x *execution) rows(q *query) *lua.LTable {
	return x.materialize(q, true)
}

// preview materializes at most the fetch limit for display.
func (x *execution) preview(q *query) *lua.LTable {
	return x.materialize(q, false)
}

func (x *execution) materialize(q *query, strict bool) *lua.LTable {
	limit := x.maxFetch
	if strict {
		limit++
	}
	c := x.compiler()
	sqlText, columns, err := c.selectSQL(q, selectOptions{limit: limit})
	if err != nil {
		x.fail(err)
	}
	result := x.run(c, sqlText)
	if strict && len(result.Rows) > x.maxFetch {
		x.raise(KindQuery, "%s query matches more than %d rows; narrow it with filter, use count() or aggregate{} for totals, or assign the query itself to result",
			q.entity.Name, x.maxFetch)
	}
	list := x.L.CreateTable(len(result.Rows), 0)
	for _, row := range result.Rows {
		list.Append(x.recordTable(columns, row))
	}
	return list
}

func (x *execution) count(q *query) int64 {
	c := x.compiler()
	sqlText, err := c.countSQL(q)
	if err != nil {
		x.fail(err)
	}
	result := x.run(c, sqlText)
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return 0
	}
	switch n := result.Rows[0][0].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case decimal.Decimal:
		return n.IntPart()
	default:
		x.raise(KindDatabase, "unexpected count value %v", n)
		return 0
	}
}

func (x *execution) stringArgs(method string, args []lua.LValue) []string {
	if len(args) == 1 {
		if tbl, ok := args[0].(*lua.LTable); ok {
			args = make([]lua.LValue, 0, tbl.Len())
			for i := 1; i <= tbl.Len(); i++ {
				args = append(args, tbl.RawGetInt(i))
			}
		}
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		name, ok := arg.(lua.LString)
		if !ok || name == "" {
			x.raise(KindQuery, "%s takes field names, got %s", method, typeName(arg))
		}
		out = append(out, string(name))
	}
	return out
}

// annotations reads a name = aggregate table in name order.
func (x *execution) annotations(method string, value lua.LValue) []annotation {
	tbl, ok := value.(*lua.LTable)
	if !ok {
		x.raise(KindQuery, "%s takes a table of name = aggregate", method)
	}
	out := make([]annotation, 0)
	tbl.ForEach(func(key, item lua.LValue) {
		name, ok := key.(lua.LString)
		if !ok {
			x.raise(KindQuery, "%s names must be strings", method)
		}
		ud, ok := item.(*lua.LUserData)
		agg, isAggregate := aggregateOf(ud, ok)
		if !isAggregate {
			x.raise(KindQuery, "%s value for %q must be Count, Sum, Avg, Min or Max", method, string(name))
		}
		out = append(out, annotation{name: string(name), agg: agg})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func aggregateOf(ud *lua.LUserData, ok bool) (*aggregate, bool) {
	if !ok || ud == nil {
		return nil, false
	}
	agg, ok := ud.Value.(*aggregate)
	return agg, ok
}

func (x *execution) aggregateConstructor(fn string) lua.LGFunction {
	return func(L *lua.LState) int {
		agg := &aggregate{fn: fn}
		if L.GetTop() >= 1 {
			if path := L.CheckString(1); path != "*" {
				agg.path = path
			}
		}
		switch option := L.Get(2).(type) {
		case lua.LBool:
			agg.distinct = bool(option)
		case *lua.LTable:
			agg.distinct = lua.LVAsBool(option.RawGetString("distinct"))
		}
		if agg.path == "" && fn != "COUNT" {
			x.raise(KindQuery, "%s needs a field", fn)
		}
		L.Push(x.newUserData(agg, aggregateTypeName))
		return 1
	}
}

func (x *execution) combinator(kind predicateKind) lua.LGFunction {
	return func(L *lua.LState) int {
		children := make([]*predicate, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			children = append(children, x.toPredicate(L.Get(i)))
		}
		L.Push(x.predicateValue(&predicate{kind: kind, children: children}))
		return 1
	}
}

// toPredicate accepts a predicate or a lookup table. Array entries of a
// lookup table are nested predicates.
func (x *execution) toPredicate(value lua.LValue) *predicate {
	switch typed := value.(type) {
	case *lua.LUserData:
		if p, ok := typed.Value.(*predicate); ok {
			return p
		}
	case *lua.LTable:
		leaf := &predicate{kind: predLeaf}
		nested := make([]*predicate, 0)
		typed.ForEach(func(key, item lua.LValue) {
			switch k := key.(type) {
			case lua.LString:
				leaf.lookups = append(leaf.lookups, lookup{key: string(k), value: x.operand(item)})
			case lua.LNumber:
				nested = append(nested, x.toPredicate(item))
			default:
				x.raise(KindQuery, "lookup keys must be strings")
			}
		})
		sort.Slice(leaf.lookups, func(i, j int) bool { return leaf.lookups[i].key < leaf.lookups[j].key })
		if len(nested) == 0 {
			return leaf
		}
		if len(leaf.lookups) > 0 {
			nested = append([]*predicate{leaf}, nested...)
		}
		return &predicate{kind: predAnd, children: nested}
	}
	x.raise(KindQuery, "expected a lookup table or predicate, got %s", typeName(value))
	return nil
}

// operand converts a lookup value into a bindable Go value.
func (x *execution) operand(value lua.LValue) any {
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
		items := make([]any, 0, typed.Len())
		for i := 1; i <= typed.Len(); i++ {
			item := typed.RawGetInt(i)
			if _, nestedTable := item.(*lua.LTable); nestedTable {
				x.raise(KindQuery, "lookup lists cannot nest")
			}
			items = append(items, x.operand(item))
		}
		return items
	case *lua.LUserData:
		switch v := typed.Value.(type) {
		case format.Date, time.Time, decimal.Decimal, *query:
			return v
		}
	}
	x.raise(KindQuery, "cannot use %s as a lookup value", typeName(value))
	return nil
}

// numberValue keeps integral numbers integral so they bind as integers.
func numberValue(n lua.LNumber) any {
	f := float64(n)
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
