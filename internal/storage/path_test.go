package storage

import (
	"testing"
	"time"
)

func TestBuildAuditPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 4, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildAuditPath("audit", ts, "3f0c9a52")
	if err != nil {
		t.Fatalf("BuildAuditPath() error = %v", err)
	}
	want := "audit/date=2026-02-19/hour=09/turns-1771491900-3f0c9a52.parquet"
	if key != want {
		t.Fatalf("BuildAuditPath() = %q, want %q", key, want)
	}
}

func TestBuildAuditPathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildAuditPath("../oops", time.Now(), "b1"); err == nil {
		t.Fatal("expected invalid prefix error")
	}
	if _, err := BuildAuditPath("audit", time.Now(), "a/b"); err == nil {
		t.Fatal("expected invalid batch id error")
	}
}

func TestAuditDayPrefix(t *testing.T) {
	got, err := AuditDayPrefix("audit", time.Date(2026, time.February, 19, 23, 30, 0, 0, time.FixedZone("x", -5*3600)))
	if err != nil {
		t.Fatalf("AuditDayPrefix() error = %v", err)
	}
	if got != "audit/date=2026-02-20/" {
		t.Fatalf("AuditDayPrefix() = %q", got)
	}
}

func TestParseAuditPathRoundTripsBuiltKeys(t *testing.T) {
	flushedAt := time.Date(2026, time.February, 19, 9, 5, 0, 0, time.UTC)
	key, err := BuildAuditPath("audit", flushedAt, "3f0c9a52")
	if err != nil {
		t.Fatalf("BuildAuditPath() error = %v", err)
	}
	batch, err := ParseAuditPath("audit", key)
	if err != nil {
		t.Fatalf("ParseAuditPath() error = %v", err)
	}
	if batch.Key != key || batch.BatchID != "3f0c9a52" || !batch.FlushedAt.Equal(flushedAt) {
		t.Fatalf("ParseAuditPath() = %+v", batch)
	}
}

func TestParseAuditPathRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"other/date=2026-02-19/hour=09/turns-1771491900-3f0c9a52.parquet",
		"audit/date=2026-02-19/hour=09/turns-1771491900-3f0c9a52.csv",
		"audit/date=2026-02-19/hour=09/../../secrets.parquet",
		"audit/date=2026-02-18/hour=09/turns-1771491900-3f0c9a52.parquet",
		"audit/",
	} {
		if _, err := ParseAuditPath("audit", key); err == nil {
			t.Fatalf("ParseAuditPath(%q) error = nil", key)
		}
	}
}
