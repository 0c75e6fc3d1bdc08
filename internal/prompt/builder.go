// Package prompt assembles the model prompt and parses the model's reply.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"github.com/edunexus/edunexus/internal/catalog"
	"github.com/edunexus/edunexus/internal/conversation"
	"github.com/edunexus/edunexus/internal/observability"
	"github.com/edunexus/edunexus/internal/sandbox"
	"github.com/edunexus/edunexus/internal/schema"
	"github.com/edunexus/edunexus/internal/store"
)

// SchemaSource returns the current live schema snapshot.
type SchemaSource interface {
	Get(ctx context.Context) (*schema.Snapshot, error)
}

// Principal is who the prompt is written for. Student is nil unless the
// caller is a student whose record was resolved.
type Principal struct {
	Role    string
	Student *store.StudentProfile
}

type Prompt struct {
	// System is everything before the history block. The fix prompt reuses it.
	System string
	Text   string
	Tokens int
}

type Config struct {
	SampleRowsShown int
	HistoryTurns    int
}

type Builder struct {
	schema   SchemaSource
	entities string
	cfg      Config
	codec    tokenizer.Codec
	logger   *slog.Logger
}

func NewBuilder(source SchemaSource, entities *catalog.Catalog, cfg Config, logger *slog.Logger) *Builder {
	if cfg.SampleRowsShown <= 0 {
		cfg.SampleRowsShown = 3
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = conversation.DefaultPromptTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		schema:   source,
		entities: catalog.Describe(entities),
		cfg:      cfg,
		logger:   logger,
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		logger.Warn("prompt token counting disabled", "error", err)
	} else {
		b.codec = codec
	}
	return b
}

// Build composes the full prompt for one question. It reads the schema
// snapshot and nothing else.
func (b *Builder) Build(ctx context.Context, principal Principal, history []conversation.Entry, question string) (Prompt, error) {
	snapshot, err := b.schema.Get(ctx)
	if err != nil {
		return Prompt{}, fmt.Errorf("load schema snapshot: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(preamble(snapshot.Engine))
	sb.WriteString("LIVE DATABASE SCHEMA (auto-introspected):\n")
	sb.WriteString(snapshot.Text)
	sb.WriteString("\n\n")
	sb.WriteString(b.entities)
	sb.WriteString(schema.RenderSamples(snapshot.Samples, b.cfg.SampleRowsShown))
	sb.WriteString(roleClause(principal))
	sb.WriteString(outputContract)
	system := sb.String()

	text := system + conversation.FormatHistory(history, b.cfg.HistoryTurns) + "\n\nUSER QUESTION: " + question
	tokens := b.count(text)
	observability.ObservePromptTokens(tokens)
	b.logger.DebugContext(ctx, "prompt built", "role", principal.Role, "tokens", tokens, "history", len(history))
	return Prompt{System: system, Text: text, Tokens: tokens}, nil
}

func (b *Builder) count(text string) int {
	if b.codec == nil {
		return 0
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

func preamble(engine string) string {
	if engine == "" {
		engine = "SQL"
	}
	return "You are an expert AI database assistant for the EduNexus University Management System.\n" +
		"You have read-only access to a " + engine + " database through Lua query builders.\n\n" +
		"YOUR CAPABILITIES:\n" +
		"1. UNDERSTAND user questions about the university database\n" +
		"2. GENERATE Lua query code to answer the question\n" +
		"3. EXPLAIN results in clear, human-friendly language\n" +
		"4. Handle FOLLOW-UP questions using conversation context\n" +
		"5. Suggest related queries the user might want to ask\n\n"
}

func roleClause(principal Principal) string {
	switch principal.Role {
	case sandbox.RoleStudent:
		if principal.Student == nil {
			return "\n\nROLE-BASED ACCESS RESTRICTION:\n" +
				"Current user is a STUDENT whose student record could not be found.\n" +
				"Student-specific data (attendance, marks, results, fees, leave) returns no rows.\n" +
				"Answer general questions only.\n"
		}
		s := principal.Student
		return fmt.Sprintf("\n\nROLE-BASED ACCESS RESTRICTION:\n"+
			"Current user is a STUDENT:\n"+
			"  - Student ID: %d\n"+
			"  - Roll Number: %s\n"+
			"  - Name: %s\n"+
			"\nALWAYS filter to show ONLY their own records.\n"+
			"Add :filter{student_id=%d} to student-specific queries; on Student itself use :filter{id=%d}.\n"+
			"Students CAN see: own attendance, marks, results, fees, leave, timetable, plus general info.\n"+
			"Students CANNOT see: other students' data, faculty salaries, all fee records.\n"+
			"Queries are also restricted to this student's rows when they run.\n",
			s.ID, s.RollNumber, s.Name, s.ID, s.ID)
	case sandbox.RoleFaculty:
		return "\n\nROLE NOTE: Current user is FACULTY. They can see teaching data " +
			"and student data for subjects they teach. No salary data of others.\n"
	default:
		return ""
	}
}

const outputContract = `

CODE GENERATION RULES:
- Respond ONLY in the EXACT JSON format specified below
- The 'query_code' must be valid Lua using the entity accessors listed above
- Every entity is a global: Student.objects:filter{...} and Student:filter{...} are the same
- Query methods: filter, exclude, order_by, values, annotate, limit, distinct, all, first, get, count, exists, aggregate
- Lookups are table keys field__op with op one of exact, iexact, ne, gt, gte, lt, lte, in, contains, icontains, startswith, istartswith, endswith, iendswith, isnull, range
- Follow relations with double underscores (exam_schedule__subject__code) and use __year, __month, __day on dates
- Q, And, Or, Not combine lookups; Count, Sum, Avg, Min, Max build aggregates
- date(y, m, d), datetime(...), today(), now(), days(n) and decimal("1.50") build values
- Helpers: count, len, sum, avg, min, max, round, lower, upper, concat, record, sort_rows, where_rows
- all(), loops and row helpers load at most 1000 rows; compute totals with count(), aggregate{} or sum/avg/min/max(query, "field")
- Lua tables cannot hold nil: use field__isnull=true instead of field=nil
- Code MUST assign the final result to a global variable called 'result'
- 'result' should be a list of rows, a single row, a number, or a string
- A query assigned to 'result' is fetched automatically; values(...) selects the row keys
- Use record("key", value, ...) when the key order of a single row matters
- LIMIT results to 50 rows max using :limit(50)
- NEVER modify data: there are no save, create, update or delete methods
- NEVER use require, load, io, os or debug
- For greetings/help, set query_code to null
- For date comparisons use today() or now()

RESPONSE FORMAT (strict JSON only, no markdown fencing):
{
  "query_code": "result = Student.objects:filter{semester=6}:values(\"roll_number\", \"name\"):limit(50)",
  "explanation": "Here are the students in semester 6.",
  "display_type": "table",
  "title": "Students in Semester 6",
  "columns": ["Roll No", "Name"],
  "field_keys": ["roll_number", "name"],
  "suggestions": ["Show attendance", "Count by division"]
}

display_type options:
- "table": for lists -> provide columns, field_keys
- "text": for explanations -> put answer in explanation
- "stat": for aggregates -> result = a row of metric = value
- "chart": for charts -> add chart_type (bar/pie/line) and chart_data {label_key, value_key}

For greetings:
{"query_code": null, "explanation": "Hello! ...", "display_type": "text", "title": null, "columns": null, "field_keys": null, "suggestions": ["Show students", "Stats"]}

For stats:
{"query_code": "result = {Total = Student:count()}", "explanation": "Count.", "display_type": "stat", "title": "Stats", "columns": null, "field_keys": null, "suggestions": ["By dept"]}

For charts:
{"query_code": "result = Student:values(\"semester\"):annotate{count = Count(\"id\")}:order_by(\"semester\")", "explanation": "Distribution.", "display_type": "chart", "title": "Per Semester", "chart_type": "bar", "chart_data": {"label_key": "semester", "value_key": "count"}, "columns": ["Semester", "Count"], "field_keys": ["semester", "count"], "suggestions": ["By dept"]}
`
