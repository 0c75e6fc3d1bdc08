package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edunexus/edunexus/internal/catalog"
	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/store"
)

var DefaultExcludedPrefixes = []string{"sqlite_", "django_", "auth_", "assistant_", "edunexus_"}

const (
	DefaultSampleRows = 5
	headerRule        = "======================================================================"
)

// Querier runs the row-count and sample statements.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (store.Result, error)
	Dialect() store.Dialect
}

type IntrospectorConfig struct {
	ExcludedPrefixes []string
	SampleRows       int
	TTL              time.Duration
}

type Introspector struct {
	source  Source
	db      Querier
	catalog *catalog.Catalog
	cfg     IntrospectorConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewIntrospector(source Source, db Querier, entities *catalog.Catalog, cfg IntrospectorConfig, logger *slog.Logger) *Introspector {
	if cfg.ExcludedPrefixes == nil {
		cfg.ExcludedPrefixes = DefaultExcludedPrefixes
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{
		source:  source,
		db:      db,
		catalog: entities,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Introspect captures a fresh snapshot. Metadata failures are fatal; a failed
// row count or sample query only drops that piece.
func (i *Introspector) Introspect(ctx context.Context) (*Snapshot, error) {
	names, err := i.source.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	columns, err := i.source.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	foreignKeys, err := i.source.ForeignKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		if i.excluded(name) {
			continue
		}
		table := Table{
			Name:        name,
			Columns:     columns[name],
			ForeignKeys: foreignKeys[name],
		}
		table.RowCount = i.countRows(ctx, name)
		tables = append(tables, table)
	}

	snapshot := &Snapshot{
		CapturedAt: i.now(),
		TTL:        i.cfg.TTL,
		Engine:     i.source.Engine(),
		Tables:     tables,
		Samples:    i.samples(ctx),
	}
	snapshot.Text = Render(snapshot)
	return snapshot, nil
}

func (i *Introspector) excluded(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range i.cfg.ExcludedPrefixes {
		if prefix != "" && strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func (i *Introspector) countRows(ctx context.Context, table string) *int64 {
	query := "SELECT COUNT(*) FROM " + i.db.Dialect().QuoteIdent(table)
	result, err := i.db.Query(ctx, query)
	if err != nil {
		i.logger.Debug("row count failed", slog.String("table", table), slog.Any("error", err))
		return nil
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return nil
	}
	switch typed := result.Rows[0][0].(type) {
	case int64:
		return &typed
	case float64:
		n := int64(typed)
		return &n
	default:
		return nil
	}
}

func (i *Introspector) samples(ctx context.Context) []Sample {
	if i.catalog == nil {
		return nil
	}
	quote := i.db.Dialect().QuoteIdent
	specs := i.catalog.Samples()
	out := make([]Sample, 0, len(specs))
	for _, spec := range specs {
		quoted := make([]string, 0, len(spec.Columns))
		for _, column := range spec.Columns {
			quoted = append(quoted, quote(column))
		}
		query := fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(quoted, ", "), quote(spec.Table), i.cfg.SampleRows)

		sample := Sample{Key: spec.Key}
		result, err := i.db.Query(ctx, query)
		if err != nil {
			i.logger.Debug("sample query failed", slog.String("table", spec.Table), slog.Any("error", err))
			out = append(out, sample)
			continue
		}
		sample.Columns = result.Columns
		for _, row := range result.Rows {
			rec := format.NewRecord()
			for idx, column := range result.Columns {
				if idx < len(row) {
					rec.Set(column, row[idx])
				}
			}
			sample.Rows = append(sample.Rows, rec)
		}
		out = append(out, sample)
	}
	return out
}

// Render flattens a snapshot into the text block handed to the model.
func Render(snapshot *Snapshot) string {
	lines := []string{
		headerRule,
		"EduNexus University Management System — Live Database Schema",
		"Database: " + snapshot.Engine + " | Accessors: Lua query builders",
		headerRule,
	}
	for _, table := range snapshot.Tables {
		lines = append(lines, "\nTABLE: "+table.Name)
		for _, column := range table.Columns {
			lines = append(lines, renderColumn(column))
		}
		for _, fk := range table.ForeignKeys {
			lines = append(lines, fmt.Sprintf("  -> FK: %s -> %s.%s", fk.Column, fk.RefTable, fk.RefColumn))
		}
		if table.RowCount != nil {
			lines = append(lines, fmt.Sprintf("  Rows: %d", *table.RowCount))
		}
	}
	return strings.Join(lines, "\n")
}

func renderColumn(column Column) string {
	columnType := column.Type
	if strings.TrimSpace(columnType) == "" {
		columnType = "TEXT"
	}
	var b strings.Builder
	b.WriteString("  - ")
	b.WriteString(column.Name)
	b.WriteString(" (")
	b.WriteString(columnType)
	if column.PrimaryKey {
		b.WriteString(", PRIMARY KEY")
	}
	if column.NotNull {
		b.WriteString(", NOT NULL")
	}
	if column.Default != nil {
		b.WriteString(", DEFAULT=")
		b.WriteString(*column.Default)
	}
	b.WriteString(")")
	return b.String()
}

// RenderSamples formats at most shown rows per sample for the prompt.
func RenderSamples(samples []Sample, shown int) string {
	var b strings.Builder
	b.WriteString("\nSAMPLE DATA (for understanding data patterns):\n")
	for _, sample := range samples {
		if len(sample.Rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", sample.Key)
		for idx, row := range sample.Rows {
			if shown > 0 && idx >= shown {
				break
			}
			b.WriteString("  ")
			b.WriteString(renderSampleRow(row))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderSampleRow(row *format.Record) string {
	parts := make([]string, 0, row.Len())
	for _, key := range row.Keys() {
		value, _ := row.Get(key)
		parts = append(parts, fmt.Sprintf("%q: %s", key, sampleLiteral(value)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sampleLiteral(value any) string {
	switch typed := value.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", typed)
	case format.Date:
		return fmt.Sprintf("%q", typed.String())
	case time.Time:
		return fmt.Sprintf("%q", typed.Format(time.DateTime))
	default:
		return format.Text(value)
	}
}
