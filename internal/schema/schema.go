package schema

import (
	"context"
	"time"

	"github.com/edunexus/edunexus/internal/format"
)

const DefaultTTL = 300 * time.Second

type Column struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
	Default    *string
}

type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
	// RowCount is nil when counting the table failed.
	RowCount *int64
}

type Sample struct {
	Key     string
	Columns []string
	Rows    []*format.Record
}

// Snapshot is the structure of the live database captured at one instant,
// together with its rendered text and the sample rows read in the same pass.
type Snapshot struct {
	CapturedAt time.Time
	TTL        time.Duration
	Engine     string
	Tables     []Table
	Samples    []Sample
	Text       string
}

func (s *Snapshot) Stale(now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.CapturedAt) >= s.TTL
}

// Source reads structural metadata from one database engine.
type Source interface {
	Engine() string
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context) (map[string][]Column, error)
	ForeignKeys(ctx context.Context) (map[string][]ForeignKey, error)
}
