package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dashsync/internal/domain"
)

const jobColumns = `id,job_type,status,triggered_by,attempt,max_attempts,started_at,completed_at,execution_time_ms,error_message,error_stack,result_json,metadata_json`

func scanJob(row rowScanner) (domain.JobRecord, error) {
	var (
		j                        domain.JobRecord
		status, startedAt        string
		completedAt              sql.NullString
		execMs                   sql.NullInt64
		errMsg, errStack         sql.NullString
		resultJSON, metadataJSON sql.NullString
	)
	err := row.Scan(&j.ID, &j.JobType, &status, &j.TriggeredBy, &j.Attempt, &j.MaxAttempts, &startedAt,
		&completedAt, &execMs, &errMsg, &errStack, &resultJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Status = domain.JobStatus(status)
	if j.StartedAt, err = domain.ParseTime(startedAt); err != nil {
		return j, fmt.Errorf("job %s started_at: %w", j.ID, err)
	}
	if completedAt.Valid {
		t, err := domain.ParseTime(completedAt.String)
		if err != nil {
			return j, fmt.Errorf("job %s completed_at: %w", j.ID, err)
		}
		j.CompletedAt = &t
	}
	if execMs.Valid {
		v := execMs.Int64
		j.ExecutionTimeMs = &v
	}
	j.ErrorMessage = errMsg.String
	j.ErrorStack = errStack.String
	if j.Result, err = decodeMap(resultJSON); err != nil {
		return j, fmt.Errorf("job %s result: %w", j.ID, err)
	}
	if j.Metadata, err = decodeMap(metadataJSON); err != nil {
		return j, fmt.Errorf("job %s metadata: %w", j.ID, err)
	}
	return j, nil
}

func (r Repo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.JobRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.JobRecord{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// CreateJob inserts a new job record. Inserting a second pending or running
// record for the same job type fails with ErrConflict.
func (r Repo) CreateJob(ctx context.Context, j domain.JobRecord) error {
	result, err := encodeMap(j.Result)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(j.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO job_history(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		j.ID, j.JobType, string(j.Status), j.TriggeredBy, j.Attempt, j.MaxAttempts, domain.FormatTime(j.StartedAt),
		nullableTime(j.CompletedAt), nullableInt64Ptr(j.ExecutionTimeMs), nullable(j.ErrorMessage), nullable(j.ErrorStack),
		result, metadata)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: job %s already active", ErrConflict, j.JobType)
	}
	return err
}

// UpdateJob persists the mutable part of an active job record. A record that
// was already finalized, for example reclaimed by another instance, is left
// untouched and ErrFinalized is returned.
func (r Repo) UpdateJob(ctx context.Context, j domain.JobRecord) error {
	result, err := encodeMap(j.Result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE job_history SET status=?, attempt=?, completed_at=?, execution_time_ms=?, error_message=?, error_stack=?, result_json=? WHERE id=? AND status IN ('pending','running')`),
		string(j.Status), j.Attempt, nullableTime(j.CompletedAt), nullableInt64Ptr(j.ExecutionTimeMs),
		nullable(j.ErrorMessage), nullable(j.ErrorStack), result, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		got, err := r.GetJob(ctx, j.ID)
		if err != nil {
			return err
		}
		if got.Status.Terminal() {
			return ErrFinalized
		}
		return ErrConflict
	}
	return nil
}

// ReclaimJob moves an active record to timeout. It reports false when the
// record was already finalized by someone else.
func (r Repo) ReclaimJob(ctx context.Context, id, message string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE job_history SET status=?, completed_at=?, error_message=? WHERE id=? AND status IN ('pending','running')`),
		string(domain.JobTimeout), domain.FormatTime(at), message, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.JobRecord, error) {
	return scanJob(r.DB.QueryRowContext(ctx, r.q(`SELECT `+jobColumns+` FROM job_history WHERE id=?`), id))
}

// ActiveJob returns the most recent pending or running record for jobType.
func (r Repo) ActiveJob(ctx context.Context, jobType string) (domain.JobRecord, error) {
	return scanJob(r.DB.QueryRowContext(ctx, r.q(`SELECT `+jobColumns+` FROM job_history WHERE job_type=? AND status IN ('pending','running') ORDER BY started_at DESC, id DESC LIMIT 1`), jobType))
}

// ListJobs returns history newest first. An empty jobType lists every type.
func (r Repo) ListJobs(ctx context.Context, jobType string, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if jobType == "" {
		return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM job_history ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM job_history WHERE job_type=? ORDER BY started_at DESC, id DESC LIMIT ?`, jobType, limit)
}

func (r Repo) ListRunningJobs(ctx context.Context) ([]domain.JobRecord, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM job_history WHERE status IN ('pending','running') ORDER BY started_at DESC, id DESC`)
}

// JobStats aggregates history started at or after since (zero means all time).
func (r Repo) JobStats(ctx context.Context, since time.Time) (domain.JobStats, error) {
	query := `SELECT status, COUNT(*), COALESCE(SUM(execution_time_ms),0), COUNT(execution_time_ms) FROM job_history`
	var args []any
	if !since.IsZero() {
		query += ` WHERE started_at >= ?`
		args = append(args, domain.FormatTime(since))
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return domain.JobStats{}, err
	}
	defer rows.Close()
	var (
		stats     domain.JobStats
		execTotal int64
		execCount int64
	)
	for rows.Next() {
		var (
			status     string
			count      int
			sum, timed int64
		)
		if err := rows.Scan(&status, &count, &sum, &timed); err != nil {
			return stats, err
		}
		stats.Total += count
		switch domain.JobStatus(status) {
		case domain.JobPending:
			stats.Pending = count
		case domain.JobRunning:
			stats.Running = count
		case domain.JobCompleted:
			stats.Completed = count
			execTotal += sum
			execCount += timed
		case domain.JobFailed:
			stats.Failed = count
		case domain.JobTimeout:
			stats.Timeout = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if finished := stats.Completed + stats.Failed + stats.Timeout; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	if execCount > 0 {
		stats.AvgExecutionMs = float64(execTotal) / float64(execCount)
	}
	return stats, nil
}

// TrimJobs deletes finished records beyond the newest keep. Active records are
// never trimmed.
func (r Repo) TrimJobs(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM job_history WHERE status NOT IN ('pending','running') AND id NOT IN (
SELECT id FROM job_history WHERE status NOT IN ('pending','running') ORDER BY started_at DESC, id DESC LIMIT ?)`), keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
