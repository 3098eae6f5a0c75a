package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"tbos/internal/config"
	"tbos/internal/db"
	"tbos/internal/engine"
	"tbos/internal/guard"
	"tbos/internal/migrate"
	"tbos/internal/obs"
)

// Options select the workspace and store for a process.
type Options struct {
	Workspace string
	Driver    string
	DSN       string
	Logger    *zap.Logger
	// SkipMigrate leaves the schema untouched; the caller migrates.
	SkipMigrate bool
}

// Env is an opened store with its engine. Close releases the connection.
type Env struct {
	Conn    *sql.DB
	Dialect db.Dialect
	Config  *config.Config
	Engine  engine.Engine
}

func (e *Env) Close() error {
	if e == nil || e.Conn == nil {
		return nil
	}
	return e.Conn.Close()
}

// Open opens the store, applies pending migrations and builds the engine
// from the workspace tbos.yml (defaults when absent).
func Open(ctx context.Context, opts Options) (*Env, error) {
	logger := obs.OrNop(opts.Logger)
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	if !opts.SkipMigrate {
		version, err := migrate.Migrate(conn, dialect)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Debug("schema ready", zap.Int("version", version), zap.String("dialect", string(dialect)))
	}
	e := engine.New(conn, dialect, cfg)
	e.Logger = logger
	e.Guard = guard.New(cfg.Guard, logger)
	return &Env{Conn: conn, Dialect: dialect, Config: cfg, Engine: e}, nil
}
