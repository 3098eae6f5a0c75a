package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"tbos/internal/db"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func dirFor(dialect db.Dialect) string {
	if dialect == db.Postgres {
		return "sql/postgres"
	}
	return "sql/sqlite"
}

// Load returns the embedded migrations for a dialect, ordered by version.
func Load(dialect db.Dialect) ([]Migration, error) {
	dir := dirFor(dialect)
	files, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile(path.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: v,
			Name:    f.Name(),
			UpSQL:   string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies embedded migrations in order and returns the resulting version.
func Migrate(conn *sql.DB, dialect db.Dialect) (int, error) {
	migrations, err := Load(dialect)
	if err != nil {
		return 0, err
	}
	tx, err := conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return 0, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(dialect.Rebind(`UPDATE schema_version SET version=?`), m.Version); err != nil {
			return 0, fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return currentVersion, nil
}
