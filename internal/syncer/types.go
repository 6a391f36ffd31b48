package syncer

import (
	"context"
	"time"

	"dashsync/internal/domain"
	"dashsync/internal/remote"
)

type Kind string

const (
	KindRepositories Kind = "repositories"
	KindIssues       Kind = "issues"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// State is the position of a source's current or latest run.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateCompleted   State = "completed"
	StatePartial     State = "partial"
	StateFailed      State = "failed"
)

// Request selects what one run synchronizes.
type Request struct {
	Kind Kind
	Mode Mode
	// Repositories overrides the configured owner/name list for issue runs.
	Repositories []string
	TriggeredBy  string
}

// Source is the import log source name for a kind.
func Source(k Kind) string {
	return "github:" + string(k)
}

// Remote is the GitHub surface the syncer drives.
type Remote interface {
	RateLimit(ctx context.Context) (domain.RateLimitInfo, error)
	LastRateLimit() (domain.RateLimitInfo, bool)
	RepositoriesURL(owner, ownerType string) string
	IssuesURL(fullName string, since time.Time) string
	Paginate(startURL string) *remote.Paginator
}

// Store persists run summaries and lists known projects.
type Store interface {
	LastSuccessfulImport(ctx context.Context, source string) (domain.ImportLog, error)
	InsertImportLog(ctx context.Context, l domain.ImportLog) error
	ListProjects(ctx context.Context, status string, limit int) ([]domain.Project, error)
}

// Auditor records run outcomes in the audit log.
type Auditor interface {
	Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload map[string]any) error
}
