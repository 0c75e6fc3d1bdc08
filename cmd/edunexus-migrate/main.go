package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/edunexus/edunexus/internal/config"
	"github.com/edunexus/edunexus/internal/migrations"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	dsn := flag.String("dsn", "", "postgres DSN; defaults to EDUNEXUS_STORE_DSN")
	flag.Parse()

	cfg, err := config.LoadFromEnv("edunexus-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dsn != "" {
		cfg.Store.Driver = config.StoreDriverPostgres
		cfg.Store.DSN = *dsn
	}
	if cfg.Store.Driver != config.StoreDriverPostgres {
		fmt.Fprintf(os.Stderr, "migrations manage the postgres conversation store; EDUNEXUS_STORE_DRIVER is %q\n", cfg.Store.Driver)
		os.Exit(1)
	}
	if cfg.Store.DSN == "" {
		fmt.Fprintln(os.Stderr, "EDUNEXUS_STORE_DSN is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database ping error: %v\n", err)
		os.Exit(1)
	}

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		drifted := false
		for _, status := range statuses {
			state := "pending"
			switch {
			case status.Drifted:
				state, drifted = "changed since applied", true
			case status.Applied:
				state = "applied " + status.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%06d_%s\t%s\n", status.Version, status.Name, state)
		}
		if drifted {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
