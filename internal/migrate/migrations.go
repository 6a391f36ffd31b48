package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"dashsync/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// step is one embedded file, split into statements.
type step struct {
	version    int
	file       string
	statements []string
}

func steps() ([]step, error) {
	entries, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var out []step
	for _, ent := range entries {
		if ent.IsDir() || path.Ext(ent.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(ent.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", ent.Name())
		}
		body, err := migrationsFS.ReadFile(path.Join("sql", ent.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, file: ent.Name(), statements: split(string(body))})
	}
	slices.SortFunc(out, func(a, b step) int { return a.version - b.version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", out[i-1].file, out[i].file, out[i].version)
		}
	}
	return out, nil
}

// split drops comment lines and cuts a file on ';'. pgx rejects several
// statements in one Exec.
func split(body string) []string {
	var out []string
	for _, chunk := range strings.Split(body, ";") {
		var kept []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			kept = append(kept, line)
		}
		if stmt := strings.TrimSpace(strings.Join(kept, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Latest is the highest embedded schema version.
func Latest() int {
	all, err := steps()
	if err != nil || len(all) == 0 {
		return 0
	}
	return all[len(all)-1].version
}

// Version reads the applied schema version; 0 when nothing has been applied.
func Version(ctx context.Context, conn *sql.DB) (int, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Migrate applies every embedded migration newer than the recorded version
// inside one transaction.
func Migrate(conn *sql.DB, driver string) error {
	all, err := steps()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current := 0
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}
	if n := len(all); n > 0 && current > all[n-1].version {
		return fmt.Errorf("database schema version %d is newer than this binary (%d)", current, all[n-1].version)
	}

	for _, s := range all {
		if s.version <= current {
			continue
		}
		for i, stmt := range s.statements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration %s statement %d: %w", s.file, i+1, err)
			}
		}
		if _, err := tx.Exec(db.Rebind(driver, `UPDATE schema_version SET version=?`), s.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	return tx.Commit()
}
