package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/edunexus/edunexus/internal/format"
)

type testDialect struct{}

func (testDialect) Name() string { return "test" }

func (testDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (testDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (testDialect) BindValue(value any) any {
	if d, ok := value.(format.Date); ok {
		return d.Time()
	}
	return value
}

func (testDialect) DatePart(part, expr string) string {
	return "EXTRACT(" + part + " FROM " + expr + ")"
}

func TestQueryNormalizesByDatabaseType(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db, testDialect{})
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	rows := mock.NewRowsWithColumnDefinition(
		mock.NewColumn("graduation_date").OfType("DATE", time.Time{}),
		mock.NewColumn("salary").OfType("NUMERIC", ""),
		mock.NewColumn("is_elective").OfType("BOOL", int64(0)),
		mock.NewColumn("name").OfType("VARCHAR", []byte{}),
		mock.NewColumn("semester").OfType("INTEGER", int64(0)),
	).AddRow(day, "52000.50", int64(1), []byte("Asha"), int64(6))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT graduation_date, salary, is_elective, name, semester FROM admin_app_student WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(rows)

	result, err := store.Query(context.Background(), `SELECT graduation_date, salary, is_elective, name, semester FROM admin_app_student WHERE id = $1`, int64(7))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("len(Rows) = %d", len(result.Rows))
	}
	row := result.Rows[0]
	if got, ok := row[0].(format.Date); !ok || got.String() != "2025-01-15" {
		t.Fatalf("date = %#v", row[0])
	}
	if got, ok := row[1].(decimal.Decimal); !ok || !got.Equal(decimal.RequireFromString("52000.5")) {
		t.Fatalf("decimal = %#v", row[1])
	}
	if row[2] != true {
		t.Fatalf("bool = %#v", row[2])
	}
	if row[3] != "Asha" {
		t.Fatalf("text = %#v", row[3])
	}
	if row[4] != int64(6) {
		t.Fatalf("integer = %#v", row[4])
	}
	assertSQLMock(t, mock)
}

func TestQueryBindsDomainValues(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db, testDialect{})
	day := format.NewDate(2025, time.March, 1)

	mock.ExpectQuery(`SELECT 1`).
		WithArgs(day.Time()).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))

	if _, err := store.Query(context.Background(), "SELECT 1 WHERE x > $1", day); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestStudentProfile(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db, testDialect{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "roll_number", "name", "semester", "division" FROM "admin_app_student" WHERE "id" = $1`)).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "roll_number", "name", "semester", "division"}).
			AddRow(int64(12), "CE012", "Asha Rao", int64(6), "A"))

	profile, err := store.StudentProfile(context.Background(), 12)
	if err != nil {
		t.Fatalf("StudentProfile() error = %v", err)
	}
	if profile.RollNumber != "CE012" || profile.Name != "Asha Rao" || profile.Semester != 6 || profile.Division != "A" {
		t.Fatalf("profile = %+v", profile)
	}
	assertSQLMock(t, mock)
}

func TestStudentProfileNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db, testDialect{})

	mock.ExpectQuery(`FROM "admin_app_student"`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "roll_number", "name", "semester", "division"}))

	_, err := store.StudentProfile(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("StudentProfile() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestQueryWrapsDriverErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db, testDialect{})
	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("boom"))

	_, err := store.Query(context.Background(), "SELECT 1")
	if err == nil || !strings.Contains(err.Error(), "execute query: boom") {
		t.Fatalf("Query() error = %v", err)
	}
}

func TestKindOfStripsPrecision(t *testing.T) {
	if kindOf("DECIMAL(10,2)") != kindDecimal {
		t.Fatalf("DECIMAL(10,2) not recognized")
	}
	if kindOf("datetime") != kindTimestamp {
		t.Fatalf("datetime not recognized")
	}
	if kindOf("") != kindAny {
		t.Fatalf("empty type should be kindAny")
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
