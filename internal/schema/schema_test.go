package schema

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edunexus/edunexus/internal/catalog"
	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/store"
)

type fakeSource struct {
	tables  []string
	columns map[string][]Column
	fks     map[string][]ForeignKey
	calls   atomic.Int64
}

func (f *fakeSource) Engine() string { return "SQLite" }

func (f *fakeSource) Tables(context.Context) ([]string, error) {
	f.calls.Add(1)
	return f.tables, nil
}

func (f *fakeSource) Columns(context.Context) (map[string][]Column, error) {
	return f.columns, nil
}

func (f *fakeSource) ForeignKeys(context.Context) (map[string][]ForeignKey, error) {
	return f.fks, nil
}

type fakeDialect struct{}

func (fakeDialect) Name() string                  { return "fake" }
func (fakeDialect) Placeholder(n int) string      { return "$" + strconv.Itoa(n) }
func (fakeDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (fakeDialect) BindValue(value any) any       { return value }
func (fakeDialect) DatePart(part, expr string) string {
	return part + "(" + expr + ")"
}

type fakeQuerier struct {
	results map[string]store.Result
	errs    map[string]error
	queries []string
}

func (f *fakeQuerier) Dialect() store.Dialect { return fakeDialect{} }

func (f *fakeQuerier) Query(_ context.Context, query string, _ ...any) (store.Result, error) {
	f.queries = append(f.queries, query)
	if err, ok := f.errs[query]; ok {
		return store.Result{}, err
	}
	if result, ok := f.results[query]; ok {
		return result, nil
	}
	return store.Result{}, errors.New("no such table")
}

func universitySource() *fakeSource {
	dflt := "1"
	return &fakeSource{
		tables: []string{"admin_app_department", "admin_app_student", "auth_user", "django_session", "assistant_conversation_turn"},
		columns: map[string][]Column{
			"admin_app_department": {
				{Name: "id", Type: "INTEGER", NotNull: true, PrimaryKey: true},
				{Name: "name", Type: "varchar(200)", NotNull: true},
				{Name: "code", Type: "varchar(10)", NotNull: true},
			},
			"admin_app_student": {
				{Name: "id", Type: "INTEGER", NotNull: true, PrimaryKey: true},
				{Name: "semester", Type: "integer", NotNull: true, Default: &dflt},
				{Name: "notes"},
				{Name: "department_id", Type: "bigint"},
			},
		},
		fks: map[string][]ForeignKey{
			"admin_app_student": {{Column: "department_id", RefTable: "admin_app_department", RefColumn: "id"}},
		},
	}
}

func TestIntrospectRendersSchemaText(t *testing.T) {
	source := universitySource()
	querier := &fakeQuerier{
		results: map[string]store.Result{
			`SELECT COUNT(*) FROM "admin_app_department"`: {Columns: []string{"count"}, Rows: [][]any{{int64(3)}}},
			`SELECT "id", "name", "code" FROM "admin_app_department" LIMIT 5`: {
				Columns: []string{"id", "name", "code"},
				Rows:    [][]any{{int64(1), "Faculty of Technology", "FoT"}},
			},
		},
		errs: map[string]error{
			`SELECT COUNT(*) FROM "admin_app_student"`: errors.New("permission denied"),
		},
	}
	entities, err := catalog.Embedded()
	if err != nil {
		t.Fatalf("catalog.Embedded() error = %v", err)
	}
	introspector := NewIntrospector(source, querier, entities, IntrospectorConfig{}, nil)

	snapshot, err := introspector.Introspect(context.Background())
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if len(snapshot.Tables) != 2 {
		t.Fatalf("len(Tables) = %d, want 2 (internal tables excluded)", len(snapshot.Tables))
	}
	if snapshot.Tables[1].RowCount != nil {
		t.Fatalf("failed row count should be omitted")
	}

	for _, want := range []string{
		"EduNexus University Management System — Live Database Schema",
		"Database: SQLite",
		"\nTABLE: admin_app_department\n  - id (INTEGER, PRIMARY KEY, NOT NULL)",
		"  - name (varchar(200), NOT NULL)",
		"  Rows: 3",
		"  - semester (integer, NOT NULL, DEFAULT=1)",
		"  - notes (TEXT)",
		"  -> FK: department_id -> admin_app_department.id",
	} {
		if !strings.Contains(snapshot.Text, want) {
			t.Fatalf("schema text missing %q:\n%s", want, snapshot.Text)
		}
	}
	if strings.Contains(snapshot.Text, "auth_user") || strings.Contains(snapshot.Text, "assistant_conversation_turn") {
		t.Fatalf("schema text includes excluded tables")
	}
	if strings.Count(snapshot.Text, "Rows:") != 1 {
		t.Fatalf("expected exactly one row count line")
	}

	if len(snapshot.Samples) != 5 {
		t.Fatalf("len(Samples) = %d, want 5", len(snapshot.Samples))
	}
	if snapshot.Samples[0].Key != "departments" || len(snapshot.Samples[0].Rows) != 1 {
		t.Fatalf("departments sample = %+v", snapshot.Samples[0])
	}
	if len(snapshot.Samples[1].Rows) != 0 {
		t.Fatalf("failing sample should be empty")
	}
}

func TestRenderSamplesShowsAtMostThreeRows(t *testing.T) {
	rows := make([]*format.Record, 0, 5)
	for i := 1; i <= 5; i++ {
		rec := format.NewRecord()
		rec.Set("id", int64(i))
		rec.Set("name", "Dept "+strconv.Itoa(i))
		rows = append(rows, rec)
	}
	text := RenderSamples([]Sample{{Key: "departments", Rows: rows}, {Key: "subjects"}}, 3)
	if strings.Count(text, "\n  {") != 3 {
		t.Fatalf("RenderSamples() rows:\n%s", text)
	}
	if !strings.Contains(text, `  {"id": 1, "name": "Dept 1"}`) {
		t.Fatalf("RenderSamples() = %s", text)
	}
	if strings.Contains(text, "subjects:") {
		t.Fatalf("empty sample should be skipped")
	}
}

type countingLoader struct {
	calls atomic.Int64
	now   func() time.Time
	delay time.Duration
}

func (l *countingLoader) Introspect(context.Context) (*Snapshot, error) {
	n := l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return &Snapshot{CapturedAt: l.now(), TTL: DefaultTTL, Text: "epoch " + strconv.FormatInt(n, 10)}, nil
}

func TestCacheServesWithinTTLAndRefreshesOnce(t *testing.T) {
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	loader := &countingLoader{now: now}
	cache := NewCache(loader)
	cache.now = now

	first, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	clock = clock.Add(299 * time.Second)
	second, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first.Text != second.Text || loader.calls.Load() != 1 {
		t.Fatalf("within TTL: calls = %d, texts %q/%q", loader.calls.Load(), first.Text, second.Text)
	}

	clock = clock.Add(2 * time.Second)
	third, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loader.calls.Load() != 2 || third.Text != "epoch 2" {
		t.Fatalf("after TTL: calls = %d, text %q", loader.calls.Load(), third.Text)
	}

	cache.Invalidate()
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loader.calls.Load() != 3 {
		t.Fatalf("after Invalidate: calls = %d, want 3", loader.calls.Load())
	}
}

func TestCacheCollapsesConcurrentRefreshes(t *testing.T) {
	loader := &countingLoader{now: time.Now, delay: 20 * time.Millisecond}
	cache := NewCache(loader)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background()); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
}

type failingLoader struct{}

func (failingLoader) Introspect(context.Context) (*Snapshot, error) {
	return nil, errors.New("database locked")
}

func TestCacheReturnsLoaderError(t *testing.T) {
	cache := NewCache(failingLoader{})
	if _, err := cache.Get(context.Background()); err == nil || !strings.Contains(err.Error(), "database locked") {
		t.Fatalf("Get() error = %v", err)
	}
}
