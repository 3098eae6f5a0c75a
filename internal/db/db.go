package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "tbos.db"
	workspaceDir  = ".tbos"
)

// Dialect selects SQL flavour differences between the local and managed stores.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "pgx"
)

// ParseDialect accepts the driver names used on the command line.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// Rebind rewrites ? placeholders into $n for Postgres. Queries never carry
// literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type Config struct {
	Workspace string
	Driver    string
	// DSN overrides the workspace database path (sqlite) and is required for pgx.
	DSN string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured store and reports its dialect.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	if dialect == Postgres {
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, "", fmt.Errorf("dsn required for driver %s", dialect)
		}
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, "", err
		}
		return conn, dialect, nil
	}
	dsn := cfg.DSN
	if dsn == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, "", err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	// One writer at a time; transitions read and write inside the same tx.
	conn.SetMaxOpenConns(1)
	return conn, dialect, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
