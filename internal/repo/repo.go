package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"dashsync/internal/db"
	"dashsync/internal/domain"
)

// Repo is the SQL store shared by the scheduler, the reconciler and the API.
// Queries are written with ? placeholders and rebound for the configured driver.
type Repo struct {
	DB     *sql.DB
	Driver string
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write rejected by a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrFinalized reports a write to a job record that already reached a
	// terminal status.
	ErrFinalized = errors.New("job record already finalized")
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Driver, query)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return encodeJSON(m)
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	return encodeJSON(v)
}

func decodeStrings(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
