package sqlite

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/edunexus/edunexus/internal/format"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), DBConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestDialectBindsDjangoEncodings(t *testing.T) {
	d := Dialect{}
	if got := d.BindValue(format.NewDate(2025, time.July, 4)); got != "2025-07-04" {
		t.Fatalf("BindValue(date) = %#v", got)
	}
	if got := d.BindValue(time.Date(2025, 7, 4, 9, 30, 0, 0, time.UTC)); got != "2025-07-04 09:30:00" {
		t.Fatalf("BindValue(time) = %#v", got)
	}
	if got := d.BindValue(decimal.RequireFromString("99.95")); got != 99.95 {
		t.Fatalf("BindValue(decimal) = %#v", got)
	}
	if got := d.DatePart("month", `t0."date"`); got != `CAST(strftime('%m', t0."date") AS INTEGER)` {
		t.Fatalf("DatePart() = %q", got)
	}
}

func TestSourceReadsPragmas(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	source := NewSource(db)

	mock.ExpectQuery(`FROM sqlite_master`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("admin_app_faculty").AddRow("django_session"))
	mock.ExpectQuery(`pragma_table_info`).
		WillReturnRows(sqlmock.NewRows([]string{"table", "name", "type", "notnull", "dflt_value", "pk"}).
			AddRow("admin_app_faculty", "id", "integer", int64(1), nil, int64(1)).
			AddRow("admin_app_faculty", "status", "varchar(20)", int64(1), "'active'", int64(0)))
	mock.ExpectQuery(`pragma_foreign_key_list`).
		WillReturnRows(sqlmock.NewRows([]string{"table", "from", "ref", "to"}).
			AddRow("admin_app_faculty", "department_id", "admin_app_department", "id"))

	tables, err := source.Tables(context.Background())
	if err != nil || len(tables) != 2 {
		t.Fatalf("Tables() = %v, %v", tables, err)
	}
	columns, err := source.Columns(context.Background())
	if err != nil {
		t.Fatalf("Columns() error = %v", err)
	}
	faculty := columns["admin_app_faculty"]
	if !faculty[0].PrimaryKey || !faculty[0].NotNull {
		t.Fatalf("id column = %+v", faculty[0])
	}
	if faculty[1].Default == nil || *faculty[1].Default != "'active'" {
		t.Fatalf("status column = %+v", faculty[1])
	}
	fks, err := source.ForeignKeys(context.Background())
	if err != nil {
		t.Fatalf("ForeignKeys() error = %v", err)
	}
	if fk := fks["admin_app_faculty"][0]; fk.Column != "department_id" || fk.RefTable != "admin_app_department" {
		t.Fatalf("fk = %+v", fk)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
