package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dashsync/internal/domain"
)

const importColumns = `id,source,status,total_items,successful_items,failed_items,errors_json,duration_ms,ts,metadata_json`

func scanImportLog(row rowScanner) (domain.ImportLog, error) {
	var (
		l            domain.ImportLog
		status, ts   string
		errorsJSON   string
		metadataJSON sql.NullString
	)
	err := row.Scan(&l.ID, &l.Source, &status, &l.TotalItems, &l.SuccessfulItems, &l.FailedItems, &errorsJSON, &l.DurationMs, &ts, &metadataJSON)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Status = domain.ImportStatus(status)
	if l.Timestamp, err = domain.ParseTime(ts); err != nil {
		return l, fmt.Errorf("import %s ts: %w", l.ID, err)
	}
	l.Errors = []domain.ItemError{}
	if errorsJSON != "" {
		if err := json.Unmarshal([]byte(errorsJSON), &l.Errors); err != nil {
			return l, fmt.Errorf("import %s errors: %w", l.ID, err)
		}
	}
	if l.Metadata, err = decodeMap(metadataJSON); err != nil {
		return l, fmt.Errorf("import %s metadata: %w", l.ID, err)
	}
	return l, nil
}

// InsertImportLog writes the summary of one run. Import logs are never updated.
func (r Repo) InsertImportLog(ctx context.Context, l domain.ImportLog) error {
	errs := l.Errors
	if errs == nil {
		errs = []domain.ItemError{}
	}
	errorsJSON, err := encodeJSON(errs)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(l.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO import_logs(`+importColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		l.ID, l.Source, string(l.Status), l.TotalItems, l.SuccessfulItems, l.FailedItems, errorsJSON, l.DurationMs,
		domain.FormatTime(l.Timestamp), metadata)
	return err
}

// ListImportLogs returns logs newest first; an empty source lists all.
func (r Repo) ListImportLogs(ctx context.Context, source string, limit int) ([]domain.ImportLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + importColumns + ` FROM import_logs`
	var args []any
	if source != "" {
		query += ` WHERE source=?`
		args = append(args, source)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ImportLog{}
	for rows.Next() {
		l, err := scanImportLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LastSuccessfulImport returns the newest success log for source.
func (r Repo) LastSuccessfulImport(ctx context.Context, source string) (domain.ImportLog, error) {
	return scanImportLog(r.DB.QueryRowContext(ctx, r.q(`SELECT `+importColumns+` FROM import_logs WHERE source=? AND status=? ORDER BY ts DESC, id DESC LIMIT 1`),
		source, string(domain.ImportSuccess)))
}
