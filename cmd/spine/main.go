// Command spine is the CLI front-end over the Command Layer (spec.md §4.8):
// every subcommand instantiates the Command Layer's transport-neutral
// request/response types directly, grounded on the teacher's cmd/appserver
// bootstrap (flag-driven DSN/config, signal-driven shutdown) and cmd/slctl's
// subcommand-switch shape (root flag.FlagSet, "help"/"-h"/"--help", per-
// subcommand handlers returning an error the caller maps to an exit code).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spine-run/spine/internal/app"
	"github.com/spine-run/spine/internal/config"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/platform/database"
	"github.com/spine-run/spine/internal/platform/migrations"
	"github.com/spine-run/spine/internal/storage/postgres"
)

func main() {
	err := run(context.Background(), os.Args[1:])
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCodeFor(err))
}

// cliError carries the exit code spec.md §6's CLI surface table assigns to
// each subcommand's failure modes (not-found is 2, invalid params is 3;
// everything else generic is 1).
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("spine", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	dsnFlag := root.String("dsn", "", "PostgreSQL DSN (overrides SPINE_DATABASE_DSN/config; in-memory storage when empty)")
	configFlag := root.String("config", "", "Path to a YAML configuration file")
	jsonFlag := root.Bool("json", false, "Emit JSON instead of a table where applicable")
	if err := root.Parse(args); err != nil {
		printRootUsage()
		return exitErr(1, err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		printRootUsage()
		return exitErr(1, errors.New("no command specified"))
	}
	if remaining[0] == "help" || remaining[0] == "-h" || remaining[0] == "--help" {
		printRootUsage()
		return nil
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		return exitErr(1, err)
	}
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Component: "spine"})

	env := cliEnv{root: remaining, jsonOutput: *jsonFlag, log: log}

	switch remaining[0] {
	case "db":
		return handleDB(ctx, env, resolveDSN(*dsnFlag, cfg), remaining[1:])
	case "pipelines":
		return withApplication(ctx, env, *dsnFlag, cfg, func(application *app.Application) error {
			return handlePipelines(ctx, env, application, remaining[1:])
		})
	case "run":
		return withApplication(ctx, env, *dsnFlag, cfg, func(application *app.Application) error {
			return handleRun(ctx, env, application, remaining[1:])
		})
	case "doctor":
		return withApplication(ctx, env, *dsnFlag, cfg, func(application *app.Application) error {
			return handleDoctor(ctx, env, application)
		})
	case "dlq":
		return withApplication(ctx, env, *dsnFlag, cfg, func(application *app.Application) error {
			return handleDLQ(ctx, env, application, remaining[1:])
		})
	case "serve":
		return handleServe(ctx, env, *dsnFlag, cfg)
	default:
		printRootUsage()
		return exitErr(1, fmt.Errorf("unknown command %q", remaining[0]))
	}
}

type cliEnv struct {
	root       []string
	jsonOutput bool
	log        *logging.Logger
}

func printRootUsage() {
	fmt.Println(`spine - pluggable batch orchestration core

Usage:
  spine [global flags] <command> [subcommand] [flags]

Global Flags:
  --dsn      PostgreSQL DSN (env SPINE_DATABASE_DSN; in-memory storage when empty)
  --config   Path to a YAML configuration file
  --json     Emit JSON instead of a table where applicable

Commands:
  db init                         Apply all embedded migrations
  pipelines list [--prefix X]     List registered pipelines
  pipelines describe <name>       Show a pipeline's parameter schema
  run <name> [-p k=v]... [--dry-run] [--lane L]   Submit a pipeline run
  doctor                          Liveness/readiness/DB connectivity checks
  dlq list / retry <id> / resolve <id>   Dead-letter queue inspection and replay
  serve                           Run the scheduler/worker-pool loop until signalled`)
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if cfg != nil {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	return ""
}

// withApplication builds the Application over either a Postgres-backed or
// in-memory Stores, runs fn, and closes the database connection (if any)
// before returning.
func withApplication(ctx context.Context, env cliEnv, dsnFlag string, cfg *config.Config, fn func(*app.Application) error) error {
	dsn := resolveDSN(dsnFlag, cfg)

	var opts []app.Option
	stores := app.Stores{}
	var closeDB func()
	if dsn != "" {
		conn, err := database.Open(ctx, dsn)
		if err != nil {
			return exitErr(1, fmt.Errorf("connect to postgres: %w", err))
		}
		database.Configure(conn, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		closeDB = func() { conn.Close() }
		store := postgres.New(conn)
		stores = app.Stores{Executions: store, Workflows: store, Schedules: store, Bookkeeping: store}
		opts = append(opts, app.WithDB(conn))
	}
	if closeDB != nil {
		defer closeDB()
	}

	opts = append(opts, app.WithRuntimeConfig(app.RuntimeConfig{
		DispatcherTier:      cfg.Dispatcher.Tier,
		WorkerPoolSize:      cfg.Dispatcher.WorkerPoolSize,
		BackfillFractionPct: cfg.Dispatcher.BackfillFraction,
		MaxRetries:          cfg.Dispatcher.MaxRetries,
		SchedulerInterval:   cfg.Scheduler.TickIntervalSec,
		SchedulerLockTTL:    cfg.Scheduler.MisfireGraceSec,
		SchedulerOwnerToken: "spine-cli",
	}))

	application, err := app.New(stores, env.log, opts...)
	if err != nil {
		return exitErr(1, fmt.Errorf("initialise application: %w", err))
	}
	return fn(application)
}

func handleServe(ctx context.Context, env cliEnv, dsnFlag string, cfg *config.Config) error {
	return withApplication(ctx, env, dsnFlag, cfg, func(application *app.Application) error {
		if err := application.Start(ctx); err != nil {
			return exitErr(1, fmt.Errorf("start application: %w", err))
		}
		fmt.Println("spine serving; press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Stop(shutdownCtx); err != nil {
			return exitErr(1, fmt.Errorf("shutdown: %w", err))
		}
		return nil
	})
}

func handleDB(ctx context.Context, env cliEnv, dsn string, args []string) error {
	fs := flag.NewFlagSet("spine db", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if len(args) == 0 {
		return exitErr(1, errors.New("spine db: expected a subcommand (init)"))
	}
	if err := fs.Parse(args[1:]); err != nil {
		return exitErr(1, err)
	}
	switch args[0] {
	case "init":
		if strings.TrimSpace(dsn) == "" {
			return exitErr(1, errors.New("spine db init requires --dsn (or SPINE_DATABASE_DSN)"))
		}
		db, err := database.Open(ctx, dsn)
		if err != nil {
			return exitErr(1, fmt.Errorf("connect to postgres: %w", err))
		}
		defer db.Close()
		if err := migrations.Apply(ctx, db); err != nil {
			return exitErr(1, fmt.Errorf("apply migrations: %w", err))
		}
		fmt.Println("migrations applied")
		return nil
	default:
		return exitErr(1, fmt.Errorf("unknown db subcommand %q", args[0]))
	}
}
