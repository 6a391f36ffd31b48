package server

import (
	"dashsync/internal/domain"
	"dashsync/internal/scheduler"
)

// Request payloads

type RunJobRequest struct {
	Mode         string   `json:"mode,omitempty" enum:"full,incremental"`
	Repositories []string `json:"repositories,omitempty"`
	Keep         *int     `json:"keep,omitempty" minimum:"0"`
}

type CleanupRequest struct {
	Keep *int `json:"keep,omitempty" minimum:"0"`
}

// Response payloads

type JobResultResponse struct {
	Success         bool             `json:"success"`
	Message         string           `json:"message"`
	JobID           string           `json:"job_id,omitempty"`
	JobType         string           `json:"job_type"`
	Status          domain.JobStatus `json:"status,omitempty" enum:"pending,running,completed,failed,timeout"`
	Attempts        int              `json:"attempts"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Result          map[string]any   `json:"result,omitempty"`
}

type JobAcceptedResponse struct {
	Accepted    bool   `json:"accepted"`
	JobType     string `json:"job_type"`
	TriggeredBy string `json:"triggered_by"`
}

type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
	Keep    int   `json:"keep"`
}

type CSVImportResponse struct {
	RecordsImported int                `json:"records_imported"`
	RecordsUpdated  int                `json:"records_updated"`
	RecordsFailed   int                `json:"records_failed"`
	Stopped         bool               `json:"stopped"`
	ImportLogID     string             `json:"import_log_id"`
	Errors          []domain.ItemError `json:"errors"`
}

type WebhookResponse struct {
	Status      string `json:"status"`
	Event       string `json:"event"`
	ImportLogID string `json:"import_log_id,omitempty"`
	ImportState string `json:"import_status,omitempty"`
}

type RateLimitResponse struct {
	Live  bool                 `json:"live"`
	Limit domain.RateLimitInfo `json:"rate_limit"`
}

type paginatedJobs struct {
	Items []domain.JobRecord `json:"items"`
}

type paginatedImports struct {
	Items []domain.ImportLog `json:"items"`
}

type paginatedProjects struct {
	Items []domain.Project `json:"items"`
}

type paginatedBugs struct {
	Items []domain.Bug `json:"items"`
}

type paginatedAudit struct {
	Items []domain.AuditEvent `json:"items"`
}

func jobResultResponse(jobType string, r scheduler.JobResult) JobResultResponse {
	return JobResultResponse{
		Success:         r.Success,
		Message:         r.Message,
		JobID:           r.JobID,
		JobType:         jobType,
		Status:          r.Status,
		Attempts:        r.Attempts,
		ExecutionTimeMs: r.ExecutionTime.Milliseconds(),
		Result:          r.Result,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
