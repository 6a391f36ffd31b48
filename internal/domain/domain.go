package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for stored timestamps so that
// lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC3339 values are accepted as well.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimeout
}

type JobRecord struct {
	ID              string         `json:"id"`
	JobType         string         `json:"job_type"`
	Status          JobStatus      `json:"status" enum:"pending,running,completed,failed,timeout"`
	TriggeredBy     string         `json:"triggered_by"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"max_attempts"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64         `json:"execution_time_ms,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorStack      string         `json:"error_stack,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type JobStats struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	Running        int     `json:"running"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Timeout        int     `json:"timeout"`
	SuccessRate    float64 `json:"success_rate"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

type ImportStatus string

const (
	ImportSuccess ImportStatus = "success"
	ImportPartial ImportStatus = "partial"
	ImportFailed  ImportStatus = "failed"
)

type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// ImportLog is the persisted summary of one synchronization or import run.
type ImportLog struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Status          ImportStatus   `json:"status" enum:"success,partial,failed"`
	TotalItems      int            `json:"total_items"`
	SuccessfulItems int            `json:"successful_items"`
	FailedItems     int            `json:"failed_items"`
	Errors          []ItemError    `json:"errors"`
	DurationMs      int64          `json:"duration_ms"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SyncResult is what a sync run reports back to its caller; it is the same
// record that gets written as the run's ImportLog.
type SyncResult = ImportLog

type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Used      int       `json:"used"`
}

// Project is the local record for a remote repository. Budget, Spent and
// MonthlyRevenue are maintained by people and never written by sync.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	GithubURL       string    `json:"github_url"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status" enum:"active,on_hold,archived"`
	Language        string    `json:"language,omitempty"`
	Stars           int       `json:"stars"`
	Forks           int       `json:"forks"`
	OpenIssues      int       `json:"open_issues"`
	SizeKB          int       `json:"size_kb"`
	Tags            []string  `json:"tags"`
	HealthScore     int       `json:"health_score"`
	Complexity      int       `json:"complexity"`
	IsPrivate       bool      `json:"is_private"`
	LastActivityAt  string    `json:"last_activity_at,omitempty"`
	RemoteUpdatedAt string    `json:"remote_updated_at,omitempty"`
	Budget          float64   `json:"budget"`
	Spent           float64   `json:"spent"`
	MonthlyRevenue  float64   `json:"monthly_revenue"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Bug is the local record for a remote issue. EstimatedCost is editable and
// never written by sync.
type Bug struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id,omitempty"`
	IssueURL        string    `json:"issue_url"`
	Number          int       `json:"number"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Severity        string    `json:"severity" enum:"critical,high,medium,low"`
	Status          string    `json:"status" enum:"open,in_progress,closed"`
	Assignee        string    `json:"assignee,omitempty"`
	Labels          []string  `json:"labels"`
	RemoteCreatedAt string    `json:"remote_created_at,omitempty"`
	RemoteUpdatedAt string    `json:"remote_updated_at,omitempty"`
	ClosedAt        string    `json:"closed_at,omitempty"`
	EstimatedCost   float64   `json:"estimated_cost"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type AuditEvent struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
