// Package migrations manages the Postgres schema of the conversation store.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const historyTable = "edunexus_schema_migrations"

// lockKey is the advisory lock every migrating transaction takes, so two
// api replicas starting together cannot apply the same script twice.
const lockKey int64 = 0x6564756e657875

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

// Status describes one embedded migration as seen by the database.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Drifted means the applied script differs from the embedded one.
	Drifted bool
}

type appliedRow struct {
	checksum  string
	appliedAt time.Time
}

// Up applies pending migrations in version order. steps <= 0 applies all.
// A migration whose script changed after it was applied stops the run.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureHistoryTable(ctx, db); err != nil {
		return 0, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, item := range items {
		if row, ok := applied[item.Version]; ok {
			if row.checksum != item.Checksum {
				return count, fmt.Errorf("migration %d_%s changed after it was applied", item.Version, item.Name)
			}
			continue
		}
		if steps > 0 && count >= steps {
			break
		}
		mark := `INSERT INTO ` + historyTable + ` (version, name, checksum) VALUES ($1, $2, $3)`
		if err := runLocked(ctx, db, "apply", item, item.UpSQL, mark, item.Version, item.Name, item.Checksum); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureHistoryTable(ctx, db); err != nil {
		return 0, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return 0, err
	}

	lookup := make(map[int64]migration, len(items))
	for _, item := range items {
		lookup[item.Version] = item
	}
	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	count := 0
	for _, version := range versions {
		if count >= steps {
			break
		}
		item, ok := lookup[version]
		if !ok {
			return count, fmt.Errorf("applied migration %d is not embedded in this build", version)
		}
		unmark := `DELETE FROM ` + historyTable + ` WHERE version = $1`
		if err := runLocked(ctx, db, "roll back", item, item.DownSQL, unmark, item.Version); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Status lists every embedded migration. It never creates the history
// table, so readiness checks can call it.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, historyTable).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check migration history: %w", err)
	}
	applied := map[int64]appliedRow{}
	if exists {
		if applied, err = appliedMigrations(ctx, db); err != nil {
			return nil, err
		}
	}

	out := make([]Status, 0, len(items))
	for _, item := range items {
		status := Status{Version: item.Version, Name: item.Name}
		if row, ok := applied[item.Version]; ok {
			status.Applied = true
			status.AppliedAt = row.appliedAt
			status.Drifted = row.checksum != item.Checksum
		}
		out = append(out, status)
	}
	return out, nil
}

// Pending counts embedded migrations the database has not applied.
func (r *Runner) Pending(ctx context.Context, db *sql.DB) (int, error) {
	statuses, err := r.Status(ctx, db)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, status := range statuses {
		if !status.Applied {
			pending++
		}
	}
	return pending, nil
}

func ensureHistoryTable(ctx context.Context, db *sql.DB) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + historyTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration history: %w", err)
	}
	return nil
}

// runLocked runs script and its bookkeeping statement in one transaction
// holding the migration advisory lock.
func runLocked(ctx context.Context, db *sql.DB, verb string, item migration, script, bookkeeping string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s migration %d_%s: %w", verb, item.Version, item.Name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record migration %d: %w", item.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", item.Version, err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[int64]appliedRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+historyTable+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]appliedRow{}
	for rows.Next() {
		var version int64
		var row appliedRow
		if err := rows.Scan(&version, &row.checksum, &row.appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := fileNamePattern.FindStringSubmatch(base)
		if matches == nil {
			return nil, fmt.Errorf("unexpected file %q in migration dir", base)
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", base, err)
		}

		item := items[version]
		if item.Name != "" && item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has two names: %q and %q", version, item.Name, matches[2])
		}
		item.Version, item.Name = version, matches[2]
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
		items[version] = item
	}

	out := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		sum := sha256.Sum256([]byte(item.UpSQL))
		item.Checksum = hex.EncodeToString(sum[:])
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
