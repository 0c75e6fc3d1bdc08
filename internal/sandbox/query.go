package sandbox

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/edunexus/edunexus/internal/catalog"
	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/store"
)

type predicateKind int

const (
	predLeaf predicateKind = iota
	predAnd
	predOr
	predNot
)

type lookup struct {
	key   string
	value any
}

// predicate is a boolean tree over field lookups. Leaf lookups are ANDed.
type predicate struct {
	kind     predicateKind
	lookups  []lookup
	children []*predicate
}

// aggregate is Count, Sum, Avg, Min or Max over a lookup path. An empty path
// counts rows.
type aggregate struct {
	fn       string
	path     string
	distinct bool
}

type annotation struct {
	name string
	agg  *aggregate
}

// query is an immutable description of a read over one entity. Every
// builder method returns a modified copy.
type query struct {
	entity      *catalog.Entity
	where       []*predicate
	order       []string
	fields      []string
	annotations []annotation
	limit       int
	distinct    bool
}

func (q *query) clone() *query {
	out := *q
	out.where = slices.Clone(q.where)
	out.order = slices.Clone(q.order)
	out.fields = slices.Clone(q.fields)
	out.annotations = slices.Clone(q.annotations)
	return &out
}

var lookupOperators = map[string]bool{
	"exact": true, "iexact": true, "ne": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "contains": true, "icontains": true,
	"startswith": true, "istartswith": true, "endswith": true, "iendswith": true,
	"isnull": true, "range": true,
}

var dateTransforms = map[string]bool{"year": true, "month": true, "day": true}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// splitLookup separates a trailing operator from the field path.
func splitLookup(key string) ([]string, string) {
	parts := strings.Split(key, "__")
	if len(parts) > 1 && lookupOperators[parts[len(parts)-1]] {
		return parts[:len(parts)-1], parts[len(parts)-1]
	}
	return parts, "exact"
}

type selectOptions struct {
	limit        int
	skipOrder    bool
	defaultOrder bool
}

// compiler turns queries into a single parameterized statement. Arguments
// are bound in textual order so positional placeholders line up.
type compiler struct {
	dialect store.Dialect
	scope   Scope
	args    []any
	aliases int
}

func newCompiler(dialect store.Dialect, scope Scope) *compiler {
	return &compiler{dialect: dialect, scope: scope}
}

func (c *compiler) alias() string {
	alias := "t" + strconv.Itoa(c.aliases)
	c.aliases++
	return alias
}

func (c *compiler) bind(value any) string {
	c.args = append(c.args, value)
	return c.dialect.Placeholder(len(c.args))
}

func (c *compiler) quote(name string) string {
	return c.dialect.QuoteIdent(name)
}

func (c *compiler) col(alias, name string) string {
	return alias + "." + c.quote(name)
}

func (c *compiler) from(entity *catalog.Entity, alias string) string {
	return c.quote(entity.Table) + " " + alias
}

func (c *compiler) allow(entity *catalog.Entity, field catalog.Field) error {
	if field.Allows(c.scope.Role) {
		return nil
	}
	return &RuntimeError{
		Kind:    KindPermission,
		Message: fmt.Sprintf("field %s.%s is not available to the %s role", entity.Name, field.Name, c.scope.roleName()),
	}
}

func unknownField(entity *catalog.Entity, name string) error {
	return &RuntimeError{Kind: KindField, Message: fmt.Sprintf("cannot resolve keyword %q into a field of %s", name, entity.Name)}
}

func queryError(format string, args ...any) error {
	return &RuntimeError{Kind: KindQuery, Message: fmt.Sprintf(format, args...)}
}

// scopeCondition is the mandatory ownership predicate for student callers.
func (c *compiler) scopeCondition(entity *catalog.Entity, alias string) (string, error) {
	if !c.scope.student() || !entity.Scoped() {
		return "", nil
	}
	if c.scope.StudentID <= 0 {
		return "1 = 0", nil
	}
	parts := strings.Split(entity.Scope, "__")
	return c.condition(entity, alias, parts, "exact", c.scope.StudentID, true)
}

func (c *compiler) withScope(entity *catalog.Entity, alias, cond string) (string, error) {
	scope, err := c.scopeCondition(entity, alias)
	if err != nil {
		return "", err
	}
	switch {
	case scope == "":
		return cond, nil
	case cond == "":
		return scope, nil
	default:
		return cond + " AND " + scope, nil
	}
}

func (c *compiler) whereClause(entity *catalog.Entity, alias string, where []*predicate) (string, error) {
	parts := make([]string, 0, len(where)+1)
	for _, p := range where {
		cond, err := c.predicate(entity, alias, p)
		if err != nil {
			return "", err
		}
		parts = append(parts, cond)
	}
	cond, err := c.withScope(entity, alias, strings.Join(parts, " AND "))
	if err != nil {
		return "", err
	}
	if cond == "" {
		return "", nil
	}
	return " WHERE " + cond, nil
}

func (c *compiler) predicate(entity *catalog.Entity, alias string, p *predicate) (string, error) {
	switch p.kind {
	case predLeaf:
		if len(p.lookups) == 0 {
			return "1 = 1", nil
		}
		parts := make([]string, 0, len(p.lookups))
		for _, l := range p.lookups {
			path, op := splitLookup(l.key)
			cond, err := c.condition(entity, alias, path, op, l.value, false)
			if err != nil {
				return "", err
			}
			parts = append(parts, cond)
		}
		if len(parts) == 1 {
			return parts[0], nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case predAnd, predOr:
		if len(p.children) == 0 {
			if p.kind == predOr {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		joiner := " AND "
		if p.kind == predOr {
			joiner = " OR "
		}
		parts := make([]string, 0, len(p.children))
		for _, child := range p.children {
			cond, err := c.predicate(entity, alias, child)
			if err != nil {
				return "", err
			}
			parts = append(parts, cond)
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	case predNot:
		inner, err := c.predicate(entity, alias, &predicate{kind: predAnd, children: p.children})
		if err != nil {
			return "", err
		}
		return "NOT " + inner, nil
	default:
		return "", queryError("unknown predicate")
	}
}

// condition compiles one lookup. Forward and reverse relations become IN
// subqueries, each carrying the scope of the entity it reads.
func (c *compiler) condition(entity *catalog.Entity, alias string, parts []string, op string, value any, internal bool) (string, error) {
	name, rest := parts[0], parts[1:]

	if field, ok := entity.Field(name); ok {
		if !internal {
			if err := c.allow(entity, field); err != nil {
				return "", err
			}
		}
		expr, fieldType, err := c.transform(entity, alias, field, rest)
		if err != nil {
			return "", err
		}
		return c.operator(expr, fieldType, op, value)
	}

	if rel, ok := entity.Relation(name); ok {
		if len(rest) == 0 {
			field, _ := entity.Field(rel.Column)
			if !internal {
				if err := c.allow(entity, field); err != nil {
					return "", err
				}
			}
			return c.operator(c.col(alias, rel.Column), field.Type, op, value)
		}
		sub := c.alias()
		inner, err := c.condition(rel.Target, sub, rest, op, value, internal)
		if err != nil {
			return "", err
		}
		// An ownership path already pins the student, so it skips the
		// target's own scope.
		where := inner
		if !internal {
			if where, err = c.withScope(rel.Target, sub, inner); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
			c.col(alias, rel.Column), c.col(sub, "id"), c.from(rel.Target, sub), where), nil
	}

	if rev, ok := entity.Reverse(name); ok {
		if len(rest) == 0 {
			return "", queryError("filter on %s.%s needs a field, e.g. %s__id", entity.Name, name, name)
		}
		sub := c.alias()
		inner, err := c.condition(rev.Source, sub, rest, op, value, internal)
		if err != nil {
			return "", err
		}
		where, err := c.withScope(rev.Source, sub, inner)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
			c.col(alias, "id"), c.col(sub, rev.Column), c.from(rev.Source, sub), where), nil
	}

	return "", unknownField(entity, name)
}

// transform applies an optional __year, __month or __day suffix.
func (c *compiler) transform(entity *catalog.Entity, alias string, field catalog.Field, rest []string) (string, catalog.FieldType, error) {
	expr := c.col(alias, field.Name)
	if len(rest) == 0 {
		return expr, field.Type, nil
	}
	if len(rest) > 1 || !dateTransforms[rest[0]] {
		return "", "", &RuntimeError{Kind: KindField, Message: fmt.Sprintf("unsupported lookup %q on %s.%s", strings.Join(rest, "__"), entity.Name, field.Name)}
	}
	if field.Type != catalog.TypeDate && field.Type != catalog.TypeDateTime {
		return "", "", &RuntimeError{Kind: KindField, Message: fmt.Sprintf("%s.%s is not a date field", entity.Name, field.Name)}
	}
	return c.dialect.DatePart(rest[0], expr), catalog.TypeInteger, nil
}

func (c *compiler) operator(expr string, fieldType catalog.FieldType, op string, value any) (string, error) {
	value = coerce(fieldType, value)
	if _, ok := value.(*query); ok && op != "in" {
		return "", queryError("a query can only be compared with __in")
	}

	switch op {
	case "exact":
		if value == nil {
			return expr + " IS NULL", nil
		}
		if _, ok := value.([]any); ok {
			return "", queryError("use __in to compare with a list")
		}
		return expr + " = " + c.bind(value), nil
	case "ne":
		if value == nil {
			return expr + " IS NOT NULL", nil
		}
		return expr + " <> " + c.bind(value), nil
	case "iexact":
		return "LOWER(" + c.textExpr(expr, fieldType) + ") = LOWER(" + c.bind(format.Text(value)) + ")", nil
	case "gt", "gte", "lt", "lte":
		if value == nil {
			return "", queryError("cannot compare with nil using __%s", op)
		}
		symbol := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
		return expr + " " + symbol + " " + c.bind(value), nil
	case "in":
		switch typed := value.(type) {
		case *query:
			sub, err := c.subselect(typed)
			if err != nil {
				return "", err
			}
			return expr + " IN (" + sub + ")", nil
		case []any:
			if len(typed) == 0 {
				return "1 = 0", nil
			}
			marks := make([]string, 0, len(typed))
			for _, item := range typed {
				marks = append(marks, c.bind(item))
			}
			return expr + " IN (" + strings.Join(marks, ", ") + ")", nil
		default:
			return "", queryError("__in needs a list or a query")
		}
	case "contains", "icontains", "startswith", "istartswith", "endswith", "iendswith":
		if value == nil {
			return "", queryError("cannot match nil using __%s", op)
		}
		pattern := likeEscaper.Replace(format.Text(value))
		switch strings.TrimPrefix(op, "i") {
		case "contains":
			pattern = "%" + pattern + "%"
		case "startswith":
			pattern += "%"
		case "endswith":
			pattern = "%" + pattern
		}
		text := c.textExpr(expr, fieldType)
		if strings.HasPrefix(op, "i") {
			return "LOWER(" + text + ") LIKE LOWER(" + c.bind(pattern) + `) ESCAPE '\'`, nil
		}
		return text + " LIKE " + c.bind(pattern) + ` ESCAPE '\'`, nil
	case "isnull":
		isNull, ok := value.(bool)
		if !ok {
			return "", queryError("__isnull needs true or false")
		}
		if isNull {
			return expr + " IS NULL", nil
		}
		return expr + " IS NOT NULL", nil
	case "range":
		bounds, ok := value.([]any)
		if !ok || len(bounds) != 2 || bounds[0] == nil || bounds[1] == nil {
			return "", queryError("__range needs a list of two values")
		}
		low := c.bind(bounds[0])
		high := c.bind(bounds[1])
		return expr + " BETWEEN " + low + " AND " + high, nil
	default:
		return "", queryError("unsupported lookup operator %q", op)
	}
}

func (c *compiler) textExpr(expr string, fieldType catalog.FieldType) string {
	if fieldType == catalog.TypeText {
		return expr
	}
	return "CAST(" + expr + " AS TEXT)"
}

// coerce converts literal strings to the field's temporal type so that every
// engine compares typed values.
func coerce(fieldType catalog.FieldType, value any) any {
	switch typed := value.(type) {
	case string:
		switch fieldType {
		case catalog.TypeDate:
			if t, err := time.Parse(time.DateOnly, typed); err == nil {
				return format.DateOf(t)
			}
		case catalog.TypeDateTime:
			for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
				if t, err := time.Parse(layout, typed); err == nil {
					return t
				}
			}
		}
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = coerce(fieldType, item)
		}
		return out
	}
	return value
}

// column compiles a lookup path into a scalar expression. Forward relations
// become correlated subqueries.
func (c *compiler) column(entity *catalog.Entity, alias string, parts []string) (string, error) {
	name, rest := parts[0], parts[1:]

	if field, ok := entity.Field(name); ok {
		if err := c.allow(entity, field); err != nil {
			return "", err
		}
		expr, _, err := c.transform(entity, alias, field, rest)
		return expr, err
	}

	if rel, ok := entity.Relation(name); ok {
		field, _ := entity.Field(rel.Column)
		if err := c.allow(entity, field); err != nil {
			return "", err
		}
		if len(rest) == 0 {
			return c.col(alias, rel.Column), nil
		}
		sub := c.alias()
		inner, err := c.column(rel.Target, sub, rest)
		if err != nil {
			return "", err
		}
		where, err := c.withScope(rel.Target, sub, c.col(sub, "id")+" = "+c.col(alias, rel.Column))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(SELECT %s FROM %s WHERE %s)", inner, c.from(rel.Target, sub), where), nil
	}

	if _, ok := entity.Reverse(name); ok {
		return "", queryError("%s.%s holds many rows; use annotate{n = Count(%q)} instead", entity.Name, name, name)
	}
	return "", unknownField(entity, name)
}

func aggregateExpr(fn, target string, distinct bool) string {
	if distinct {
		return fn + "(DISTINCT " + target + ")"
	}
	return fn + "(" + target + ")"
}

// related reports whether the aggregate reads a reverse relation of entity.
func related(entity *catalog.Entity, agg *aggregate) (catalog.Reverse, []string, bool) {
	if agg.path == "" {
		return catalog.Reverse{}, nil, false
	}
	parts := strings.Split(agg.path, "__")
	rev, ok := entity.Reverse(parts[0])
	return rev, parts[1:], ok
}

// relatedAggregate is a per-row correlated aggregate over a reverse relation.
func (c *compiler) relatedAggregate(entity *catalog.Entity, alias string, rev catalog.Reverse, rest []string, agg *aggregate) (string, error) {
	sub := c.alias()
	target := "*"
	switch {
	case len(rest) > 0:
		expr, err := c.column(rev.Source, sub, rest)
		if err != nil {
			return "", err
		}
		target = expr
	case agg.fn != "COUNT":
		return "", queryError("%s(%q) needs a field of %s", agg.fn, agg.path, rev.Source.Name)
	case agg.distinct:
		target = c.col(sub, "id")
	}
	expr := aggregateExpr(agg.fn, target, agg.distinct && target != "*")
	where, err := c.withScope(rev.Source, sub, c.col(sub, rev.Column)+" = "+c.col(alias, "id"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(SELECT %s FROM %s WHERE %s)", expr, c.from(rev.Source, sub), where), nil
}

func (c *compiler) visibleFields(entity *catalog.Entity) []string {
	fields := entity.VisibleFields(c.scope.Role)
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		out = append(out, field.Name)
	}
	return out
}

// selectSQL compiles the row-returning form of q and reports the output
// keys in order.
func (c *compiler) selectSQL(q *query, opts selectOptions) (string, []string, error) {
	grouped := false
	perRow := false
	for _, ann := range q.annotations {
		if _, _, ok := related(q.entity, ann.agg); ok {
			perRow = true
		} else {
			grouped = true
		}
	}
	if grouped && perRow {
		return "", nil, queryError("annotate cannot mix aggregates over %s fields with aggregates over related rows", q.entity.Name)
	}
	if grouped {
		if len(q.fields) == 0 {
			return "", nil, queryError("annotate over %s fields needs values(...) to group by", q.entity.Name)
		}
		return c.groupedSQL(q, opts)
	}

	alias := c.alias()
	keys := q.fields
	if len(keys) == 0 {
		keys = c.visibleFields(q.entity)
	}

	columns := make([]string, 0, len(keys)+len(q.annotations))
	items := make([]string, 0, len(keys)+len(q.annotations))
	for _, key := range keys {
		expr, err := c.column(q.entity, alias, strings.Split(key, "__"))
		if err != nil {
			return "", nil, err
		}
		items = append(items, expr+" AS "+c.quote(key))
		columns = append(columns, key)
	}
	for _, ann := range q.annotations {
		if slices.Contains(columns, ann.name) {
			return "", nil, queryError("annotation %q conflicts with a field", ann.name)
		}
		rev, rest, _ := related(q.entity, ann.agg)
		expr, err := c.relatedAggregate(q.entity, alias, rev, rest, ann.agg)
		if err != nil {
			return "", nil, err
		}
		items = append(items, expr+" AS "+c.quote(ann.name))
		columns = append(columns, ann.name)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.distinct {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(strings.Join(items, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(c.from(q.entity, alias))

	where, err := c.whereClause(q.entity, alias, q.where)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(where)

	if !opts.skipOrder {
		order, err := c.orderClause(q, alias, columns, opts.defaultOrder)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(order)
	}
	sb.WriteString(limitClause(q.limit, opts.limit))
	return sb.String(), columns, nil
}

func (c *compiler) orderClause(q *query, alias string, columns []string, defaultOrder bool) (string, error) {
	if len(q.order) == 0 {
		if defaultOrder {
			return " ORDER BY " + c.col(alias, "id"), nil
		}
		return "", nil
	}
	parts := make([]string, 0, len(q.order))
	for _, key := range q.order {
		name, desc := strings.CutPrefix(key, "-")
		var expr string
		if slices.Contains(columns, name) {
			expr = c.quote(name)
		} else {
			compiled, err := c.column(q.entity, alias, strings.Split(name, "__"))
			if err != nil {
				return "", err
			}
			expr = compiled
		}
		if desc {
			expr += " DESC"
		}
		parts = append(parts, expr)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func limitClause(limit, ceiling int) string {
	effective := limit
	if ceiling > 0 && (effective <= 0 || ceiling < effective) {
		effective = ceiling
	}
	if effective <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(effective)
}

// groupedSQL compiles values(...):annotate{...} over the entity's own fields.
// The grouping keys are computed in a derived table so related values group
// like plain columns.
func (c *compiler) groupedSQL(q *query, opts selectOptions) (string, []string, error) {
	alias := c.alias()
	inner := make([]string, 0, len(q.fields)+len(q.annotations))
	for i, key := range q.fields {
		expr, err := c.column(q.entity, alias, strings.Split(key, "__"))
		if err != nil {
			return "", nil, err
		}
		inner = append(inner, expr+" AS "+c.quote("g"+strconv.Itoa(i)))
	}
	for j, ann := range q.annotations {
		if ann.agg.path == "" {
			continue
		}
		expr, err := c.column(q.entity, alias, strings.Split(ann.agg.path, "__"))
		if err != nil {
			return "", nil, err
		}
		inner = append(inner, expr+" AS "+c.quote("a"+strconv.Itoa(j)))
	}
	where, err := c.whereClause(q.entity, alias, q.where)
	if err != nil {
		return "", nil, err
	}

	columns := make([]string, 0, len(q.fields)+len(q.annotations))
	outer := make([]string, 0, cap(columns))
	groups := make([]string, 0, len(q.fields))
	for i, key := range q.fields {
		ref := "g." + c.quote("g"+strconv.Itoa(i))
		outer = append(outer, ref+" AS "+c.quote(key))
		groups = append(groups, ref)
		columns = append(columns, key)
	}
	for j, ann := range q.annotations {
		if slices.Contains(columns, ann.name) {
			return "", nil, queryError("annotation %q conflicts with a field", ann.name)
		}
		target := "*"
		if ann.agg.path != "" {
			target = "g." + c.quote("a"+strconv.Itoa(j))
		}
		outer = append(outer, aggregateExpr(ann.agg.fn, target, ann.agg.distinct && target != "*")+" AS "+c.quote(ann.name))
		columns = append(columns, ann.name)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(outer, ", "))
	sb.WriteString(" FROM (SELECT ")
	sb.WriteString(strings.Join(inner, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(c.from(q.entity, alias))
	sb.WriteString(where)
	sb.WriteString(") g GROUP BY ")
	sb.WriteString(strings.Join(groups, ", "))

	if !opts.skipOrder && len(q.order) > 0 {
		parts := make([]string, 0, len(q.order))
		for _, key := range q.order {
			name, desc := strings.CutPrefix(key, "-")
			if !slices.Contains(columns, name) {
				return "", nil, queryError("order_by(%q) must name a values field or an annotation when grouping", key)
			}
			expr := c.quote(name)
			if desc {
				expr += " DESC"
			}
			parts = append(parts, expr)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	sb.WriteString(limitClause(q.limit, opts.limit))
	return sb.String(), columns, nil
}

// subselect compiles a nested query used on the right side of __in.
func (c *compiler) subselect(q *query) (string, error) {
	if len(q.annotations) > 0 {
		return "", queryError("a query used with __in cannot annotate")
	}
	sub := q.clone()
	if len(sub.fields) == 0 {
		sub.fields = []string{"id"}
	}
	if len(sub.fields) != 1 {
		return "", queryError("a query used with __in must select exactly one field with values(...)")
	}
	sql, _, err := c.selectSQL(sub, selectOptions{skipOrder: sub.limit == 0})
	return sql, err
}

// countSQL counts the rows q would return.
func (c *compiler) countSQL(q *query) (string, error) {
	inner := q
	if !q.distinct && len(q.fields) == 0 && len(q.annotations) == 0 {
		inner = q.clone()
		inner.fields = []string{"id"}
	}
	sql, _, err := c.selectSQL(inner, selectOptions{skipOrder: q.limit == 0})
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) FROM (" + sql + ") q", nil
}

// aggregateSQL computes whole-query aggregates in one row.
func (c *compiler) aggregateSQL(q *query, aggs []annotation) (string, []string, error) {
	if len(aggs) == 0 {
		return "", nil, queryError("aggregate needs at least one aggregate")
	}
	if len(q.annotations) > 0 {
		return "", nil, queryError("aggregate cannot follow annotate")
	}
	alias := c.alias()
	inner := make([]string, 0, len(aggs))
	for j, ann := range aggs {
		if _, _, ok := related(q.entity, ann.agg); ok {
			return "", nil, queryError("aggregate over related rows %q; query %s directly instead", ann.agg.path, ann.agg.path)
		}
		if ann.agg.path == "" {
			continue
		}
		expr, err := c.column(q.entity, alias, strings.Split(ann.agg.path, "__"))
		if err != nil {
			return "", nil, err
		}
		inner = append(inner, expr+" AS "+c.quote("a"+strconv.Itoa(j)))
	}
	if len(inner) == 0 {
		inner = append(inner, c.col(alias, "id"))
	}
	where, err := c.whereClause(q.entity, alias, q.where)
	if err != nil {
		return "", nil, err
	}

	columns := make([]string, 0, len(aggs))
	outer := make([]string, 0, len(aggs))
	for j, ann := range aggs {
		target := "*"
		if ann.agg.path != "" {
			target = "g." + c.quote("a"+strconv.Itoa(j))
		}
		outer = append(outer, aggregateExpr(ann.agg.fn, target, ann.agg.distinct && target != "*")+" AS "+c.quote(ann.name))
		columns = append(columns, ann.name)
	}

	sql := "SELECT " + strings.Join(outer, ", ") +
		" FROM (SELECT " + strings.Join(inner, ", ") + " FROM " + c.from(q.entity, alias) + where +
		limitClause(q.limit, 0) + ") g"
	return sql, columns, nil
}
