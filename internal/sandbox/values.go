package sandbox

import (
	"time"

	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"

	"github.com/edunexus/edunexus/internal/format"
)

const (
	dateTypeName     = "date"
	dateTimeTypeName = "datetime"
	durationTypeName = "duration"
	decimalTypeName  = "decimal"
)

// duration is a whole number of days, the only interval scripts can build.
type duration struct {
	days int
}

func (x *execution) registerValueTypes() {
	L := x.L

	dateMT := L.NewTypeMetatable(dateTypeName)
	L.SetField(dateMT, "__index", L.NewFunction(x.dateIndex))
	L.SetField(dateMT, "__eq", L.NewFunction(x.temporalCompare(func(c int) bool { return c == 0 })))
	L.SetField(dateMT, "__lt", L.NewFunction(x.temporalCompare(func(c int) bool { return c < 0 })))
	L.SetField(dateMT, "__le", L.NewFunction(x.temporalCompare(func(c int) bool { return c <= 0 })))
	L.SetField(dateMT, "__add", L.NewFunction(x.temporalAdd))
	L.SetField(dateMT, "__sub", L.NewFunction(x.temporalSub))
	L.SetField(dateMT, "__tostring", L.NewFunction(x.valueToString))
	L.SetField(dateMT, "__concat", L.NewFunction(x.valueConcat))

	dateTimeMT := L.NewTypeMetatable(dateTimeTypeName)
	L.SetField(dateTimeMT, "__index", L.NewFunction(x.dateTimeIndex))
	L.SetField(dateTimeMT, "__eq", L.NewFunction(x.temporalCompare(func(c int) bool { return c == 0 })))
	L.SetField(dateTimeMT, "__lt", L.NewFunction(x.temporalCompare(func(c int) bool { return c < 0 })))
	L.SetField(dateTimeMT, "__le", L.NewFunction(x.temporalCompare(func(c int) bool { return c <= 0 })))
	L.SetField(dateTimeMT, "__add", L.NewFunction(x.temporalAdd))
	L.SetField(dateTimeMT, "__sub", L.NewFunction(x.temporalSub))
	L.SetField(dateTimeMT, "__tostring", L.NewFunction(x.valueToString))
	L.SetField(dateTimeMT, "__concat", L.NewFunction(x.valueConcat))

	durationMT := L.NewTypeMetatable(durationTypeName)
	L.SetField(durationMT, "__index", L.NewFunction(func(L *lua.LState) int {
		d := x.checkDuration(1)
		if L.CheckString(2) == "days" {
			L.Push(lua.LNumber(d.days))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))
	L.SetField(durationMT, "__add", L.NewFunction(x.temporalAdd))
	L.SetField(durationMT, "__sub", L.NewFunction(x.temporalSub))
	L.SetField(durationMT, "__unm", L.NewFunction(func(L *lua.LState) int {
		d := x.checkDuration(1)
		L.Push(x.durationValue(duration{days: -d.days}))
		return 1
	}))
	L.SetField(durationMT, "__eq", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(x.checkDuration(1).days == x.checkDuration(2).days))
		return 1
	}))
	L.SetField(durationMT, "__tostring", L.NewFunction(x.valueToString))
	L.SetField(durationMT, "__concat", L.NewFunction(x.valueConcat))

	decimalMT := L.NewTypeMetatable(decimalTypeName)
	L.SetField(decimalMT, "__index", L.NewFunction(func(L *lua.LState) int {
		d := x.checkDecimal(1)
		if L.CheckString(2) == "number" {
			L.Push(L.NewFunction(func(L *lua.LState) int {
				L.Push(lua.LNumber(d.InexactFloat64()))
				return 1
			}))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))
	L.SetField(decimalMT, "__add", L.NewFunction(x.decimalArith(decimal.Decimal.Add)))
	L.SetField(decimalMT, "__sub", L.NewFunction(x.decimalArith(decimal.Decimal.Sub)))
	L.SetField(decimalMT, "__mul", L.NewFunction(x.decimalArith(decimal.Decimal.Mul)))
	L.SetField(decimalMT, "__div", L.NewFunction(x.decimalArith(func(a, b decimal.Decimal) decimal.Decimal {
		if b.IsZero() {
			x.raise(KindType, "decimal division by zero")
		}
		return a.Div(b)
	})))
	L.SetField(decimalMT, "__unm", L.NewFunction(func(L *lua.LState) int {
		L.Push(x.decimalValue(x.checkDecimal(1).Neg()))
		return 1
	}))
	L.SetField(decimalMT, "__eq", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(x.checkDecimal(1).Equal(x.checkDecimal(2))))
		return 1
	}))
	L.SetField(decimalMT, "__lt", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(x.checkDecimal(1).LessThan(x.checkDecimal(2))))
		return 1
	}))
	L.SetField(decimalMT, "__le", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(x.checkDecimal(1).LessThanOrEqual(x.checkDecimal(2))))
		return 1
	}))
	L.SetField(decimalMT, "__tostring", L.NewFunction(x.valueToString))
	L.SetField(decimalMT, "__concat", L.NewFunction(x.valueConcat))
}

func (x *execution) registerConstructors() {
	L := x.L
	L.SetGlobal("date", L.NewFunction(func(L *lua.LState) int {
		year, month, day := L.CheckInt(1), L.CheckInt(2), L.CheckInt(3)
		if month < 1 || month > 12 || day < 1 || day > 31 {
			x.raise(KindType, "invalid date %04d-%02d-%02d", year, month, day)
		}
		d := format.NewDate(year, time.Month(month), day)
		if d.Time().Day() != day {
			x.raise(KindType, "invalid date %04d-%02d-%02d", year, month, day)
		}
		L.Push(x.dateValue(d))
		return 1
	}))
	L.SetGlobal("datetime", L.NewFunction(func(L *lua.LState) int {
		t := time.Date(L.CheckInt(1), time.Month(L.CheckInt(2)), L.CheckInt(3),
			L.OptInt(4, 0), L.OptInt(5, 0), L.OptInt(6, 0), 0, time.UTC)
		L.Push(x.dateTimeValue(t))
		return 1
	}))
	L.SetGlobal("today", L.NewFunction(func(L *lua.LState) int {
		L.Push(x.dateValue(format.DateOf(x.now)))
		return 1
	}))
	L.SetGlobal("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(x.dateTimeValue(x.now))
		return 1
	}))
	L.SetGlobal("days", L.NewFunction(func(L *lua.LState) int {
		L.Push(x.durationValue(duration{days: L.CheckInt(1)}))
		return 1
	}))
	L.SetGlobal("decimal", L.NewFunction(func(L *lua.LState) int {
		var (
			d   decimal.Decimal
			err error
		)
		switch arg := L.CheckAny(1).(type) {
		case lua.LNumber:
			d = decimal.NewFromFloat(float64(arg))
		case lua.LString:
			d, err = decimal.NewFromString(string(arg))
		default:
			x.raise(KindType, "decimal expects a string or number, got %s", typeName(arg))
		}
		if err != nil {
			x.raise(KindType, "invalid decimal %s", L.Get(1).String())
		}
		L.Push(x.decimalValue(d))
		return 1
	}))
}

func (x *execution) newUserData(value any, typeName string) *lua.LUserData {
	ud := x.L.NewUserData()
	ud.Value = value
	x.L.SetMetatable(ud, x.L.GetTypeMetatable(typeName))
	return ud
}

func (x *execution) dateValue(d format.Date) lua.LValue {
	return x.newUserData(d, dateTypeName)
}

func (x *execution) dateTimeValue(t time.Time) lua.LValue {
	return x.newUserData(t, dateTimeTypeName)
}

func (x *execution) durationValue(d duration) lua.LValue {
	return x.newUserData(d, durationTypeName)
}

func (x *execution) decimalValue(d decimal.Decimal) lua.LValue {
	return x.newUserData(d, decimalTypeName)
}

func (x *execution) checkDuration(n int) duration {
	ud := x.L.CheckUserData(n)
	d, ok := ud.Value.(duration)
	if !ok {
		x.raise(KindType, "expected days value, got %s", typeName(ud))
	}
	return d
}

func (x *execution) checkDecimal(n int) decimal.Decimal {
	d, ok := decimalOf(x.L.Get(n))
	if !ok {
		x.raise(KindType, "expected decimal, got %s", typeName(x.L.Get(n)))
	}
	return d
}

// decimalOf accepts decimals and plain numbers.
func decimalOf(value lua.LValue) (decimal.Decimal, bool) {
	switch typed := value.(type) {
	case lua.LNumber:
		return decimal.NewFromFloat(float64(typed)), true
	case *lua.LUserData:
		d, ok := typed.Value.(decimal.Decimal)
		return d, ok
	default:
		return decimal.Decimal{}, false
	}
}

func (x *execution) decimalArith(op func(a, b decimal.Decimal) decimal.Decimal) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(x.decimalValue(op(x.checkDecimal(1), x.checkDecimal(2))))
		return 1
	}
}

// temporalOf extracts a date or timestamp for comparison. Dates compare as
// midnight UTC.
func temporalOf(value lua.LValue) (time.Time, string, bool) {
	ud, ok := value.(*lua.LUserData)
	if !ok {
		return time.Time{}, "", false
	}
	switch typed := ud.Value.(type) {
	case format.Date:
		return typed.Time(), dateTypeName, true
	case time.Time:
		return typed, dateTimeTypeName, true
	default:
		return time.Time{}, "", false
	}
}

func (x *execution) temporalCompare(accept func(int) bool) lua.LGFunction {
	return func(L *lua.LState) int {
		left, leftKind, okLeft := temporalOf(L.Get(1))
		right, rightKind, okRight := temporalOf(L.Get(2))
		if !okLeft || !okRight || leftKind != rightKind {
			x.raise(KindType, "cannot compare %s with %s", typeName(L.Get(1)), typeName(L.Get(2)))
		}
		L.Push(lua.LBool(accept(left.Compare(right))))
		return 1
	}
}

func (x *execution) temporalAdd(L *lua.LState) int {
	a, b := L.Get(1), L.Get(2)
	if isDuration(a) {
		a, b = b, a
	}
	d, ok := durationOf(b)
	if !ok {
		x.raise(KindType, "cannot add %s to %s", typeName(b), typeName(a))
	}
	L.Push(x.shift(a, d.days))
	return 1
}

func (x *execution) temporalSub(L *lua.LState) int {
	a, b := L.Get(1), L.Get(2)
	if d, ok := durationOf(b); ok {
		L.Push(x.shift(a, -d.days))
		return 1
	}
	left, leftKind, okLeft := temporalOf(a)
	right, rightKind, okRight := temporalOf(b)
	if !okLeft || !okRight || leftKind != rightKind {
		x.raise(KindType, "cannot subtract %s from %s", typeName(b), typeName(a))
	}
	if leftKind == dateTypeName {
		L.Push(lua.LNumber(format.DateOf(left).DaysSince(format.DateOf(right))))
		return 1
	}
	L.Push(lua.LNumber(left.Sub(right).Hours() / 24))
	return 1
}

func (x *execution) shift(value lua.LValue, days int) lua.LValue {
	if d, ok := durationOf(value); ok {
		return x.durationValue(duration{days: d.days + days})
	}
	ud, _ := value.(*lua.LUserData)
	if ud != nil {
		switch typed := ud.Value.(type) {
		case format.Date:
			return x.dateValue(typed.AddDays(days))
		case time.Time:
			return x.dateTimeValue(typed.AddDate(0, 0, days))
		}
	}
	x.raise(KindType, "cannot shift %s by days", typeName(value))
	return lua.LNil
}

func isDuration(value lua.LValue) bool {
	_, ok := durationOf(value)
	return ok
}

func durationOf(value lua.LValue) (duration, bool) {
	ud, ok := value.(*lua.LUserData)
	if !ok {
		return duration{}, false
	}
	d, ok := ud.Value.(duration)
	return d, ok
}

func (x *execution) dateIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	d, _ := ud.Value.(format.Date)
	switch L.CheckString(2) {
	case "year":
		L.Push(lua.LNumber(d.Time().Year()))
	case "month":
		L.Push(lua.LNumber(d.Time().Month()))
	case "day":
		L.Push(lua.LNumber(d.Time().Day()))
	case "weekday":
		L.Push(lua.LNumber(d.Time().Weekday()))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func (x *execution) dateTimeIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	t, _ := ud.Value.(time.Time)
	switch L.CheckString(2) {
	case "year":
		L.Push(lua.LNumber(t.Year()))
	case "month":
		L.Push(lua.LNumber(t.Month()))
	case "day":
		L.Push(lua.LNumber(t.Day()))
	case "hour":
		L.Push(lua.LNumber(t.Hour()))
	case "minute":
		L.Push(lua.LNumber(t.Minute()))
	case "second":
		L.Push(lua.LNumber(t.Second()))
	case "date":
		L.Push(x.dateValue(format.DateOf(t)))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func (x *execution) valueToString(L *lua.LState) int {
	L.Push(lua.LString(displayString(L.Get(1))))
	return 1
}

func (x *execution) valueConcat(L *lua.LState) int {
	L.Push(lua.LString(displayString(L.Get(1)) + displayString(L.Get(2))))
	return 1
}

// displayString is tostring for sandbox values.
func displayString(value lua.LValue) string {
	ud, ok := value.(*lua.LUserData)
	if !ok {
		return value.String()
	}
	switch typed := ud.Value.(type) {
	case format.Date:
		return typed.String()
	case time.Time:
		return typed.Format(time.DateTime)
	case duration:
		if typed.days == 1 || typed.days == -1 {
			return lua.LNumber(typed.days).String() + " day"
		}
		return lua.LNumber(typed.days).String() + " days"
	case decimal.Decimal:
		return typed.String()
	case *query:
		return "<" + typed.entity.Name + " query>"
	default:
		return value.String()
	}
}

func typeName(value lua.LValue) string {
	ud, ok := value.(*lua.LUserData)
	if !ok {
		return value.Type().String()
	}
	switch ud.Value.(type) {
	case format.Date:
		return dateTypeName
	case time.Time:
		return dateTimeTypeName
	case duration:
		return durationTypeName
	case decimal.Decimal:
		return decimalTypeName
	case *query:
		return "query"
	case *predicate:
		return "predicate"
	case *aggregate:
		return "aggregate"
	default:
		return "userdata"
	}
}
