package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
)

type DBConfig struct {
	// Path is the database file; an empty path opens an in-memory database.
	Path         string
	MaxOpenConns int
}

// Open opens the DuckDB file read-only.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn != "" && !strings.Contains(dsn, "access_mode=") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "access_mode=READ_ONLY"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}
