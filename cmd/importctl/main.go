// Command importctl drives the import pipeline from the command line:
// importing CSV and XLSX files, exporting stored records and inspecting
// entity schemas.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/logging"
	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/session"
	"github.com/JonMunkholm/dataimport/internal/store/memstore"
	"github.com/JonMunkholm/dataimport/internal/store/postgres"
)

type globalOptions struct {
	DatabaseURL string `long:"db" env:"DATABASE_URL" description:"PostgreSQL connection string"`
	Memory      bool   `long:"memory" description:"Use an in-memory store; nothing is kept after the command exits"`
	RedisURL    string `long:"redis" env:"REDIS_URL" description:"Redis URL holding saved mapping templates"`
	Workers     int    `long:"workers" description:"Validation workers (default: one per CPU)"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"warn" description:"Log level: debug, info, warn or error"`
	LogFormat   string `long:"log-format" default:"text" choice:"text" choice:"json" description:"Log format"`
}

// environment is what commands share: parsed global options, output
// streams and lazily opened backends. Tests preset store and sessions.
type environment struct {
	ctx    context.Context
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger

	store    core.Store
	sessions session.Store
}

func main() {
	// A missing .env file is fine; flags and the environment still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &environment{ctx: ctx, stdout: os.Stdout, stderr: os.Stderr}
	if err := run(env, os.Args[1:]); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, ferr.Message)
			return
		}
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints err and, for errors with a known code, the user-facing
// explanation.
func reportError(w io.Writer, err error) {
	fmt.Fprintln(w, "importctl:", err)
	if core.IsUserFacing(err) {
		fmt.Fprintln(w, core.FormatUserError(err))
	}
}

// run parses args and executes the selected command.
func run(env *environment, args []string) error {
	parser := flags.NewParser(&env.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "data import pipeline"

	commands := []struct {
		name, short, long string
		data              flags.Commander
	}{
		{"import", "Validate and import a file", "Parses a CSV or XLSX file, maps its columns to the entity's fields, validates every row and writes the valid ones in a single transaction.", &importCommand{env: env}},
		{"export", "Export stored records", "Writes the stored records of an entity type as CSV, XLSX or JSON lines.", &exportCommand{env: env}},
		{"schemas", "List entity schemas", "Lists the registered entity types, or the fields of one of them.", &schemasCommand{env: env}},
		{"template", "Write an empty CSV for an entity", "Writes a header-only CSV with the entity's field names.", &templateCommand{env: env}},
		{"mappings", "List or delete saved mapping templates", "Lists the mapping templates saved for an entity type in Redis.", &mappingsCommand{env: env}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			return err
		}
	}

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		env.log = logging.New(env.stderr, env.opts.LogLevel, env.opts.LogFormat)
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	_, err := parser.ParseArgs(args)
	return err
}

// service builds the pipeline over the configured store. The returned
// function releases the store.
func (e *environment) service() (*core.Service, func(), error) {
	registry, err := schema.Default()
	if err != nil {
		return nil, nil, fmt.Errorf("load schemas: %w", err)
	}

	store, closeStore, err := e.openStore()
	if err != nil {
		return nil, nil, err
	}
	return core.NewService(registry, store, core.Config{Workers: e.opts.Workers}), closeStore, nil
}

func (e *environment) openStore() (core.Store, func(), error) {
	switch {
	case e.store != nil:
		return e.store, func() {}, nil
	case e.opts.Memory:
		e.log.Info("using in-memory store")
		return memstore.New(), func() {}, nil
	case e.opts.DatabaseURL == "":
		return nil, nil, errors.New("no database configured: pass --db, set DATABASE_URL or use --memory")
	}

	pool, err := pgxpool.New(e.ctx, e.opts.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	store := postgres.FromPool(pool)
	closeStore := func() {
		store.DB().Close()
		pool.Close()
	}

	if err := store.Migrate(e.ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	e.log.Debug("connected to database", "database", pool.Config().ConnConfig.Database)
	return store, closeStore, nil
}

func (e *environment) openSessions() (session.Store, func(), error) {
	if e.sessions != nil {
		return e.sessions, func() {}, nil
	}
	if e.opts.RedisURL == "" {
		return nil, nil, errors.New("saved mapping templates need --redis or REDIS_URL")
	}

	opts, err := redis.ParseURL(e.opts.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return session.NewRedis(rdb, session.DefaultTTL), func() { rdb.Close() }, nil
}

// writeOutput writes data to path, or to stdout for "" and "-".
func (e *environment) writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := e.stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	e.log.Info("wrote file", "path", path, "bytes", len(data))
	return nil
}
