package reconcile

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"dashsync/internal/domain"
	"dashsync/internal/logging"
	"dashsync/internal/repo"
)

type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Result is the outcome of reconciling one item. Err is set only when
// Outcome is Failed.
type Result struct {
	Outcome Outcome
	Key     string
	ID      string
	Err     error
}

// Store is the persistence the reconciler needs.
type Store interface {
	FindProjectByURL(ctx context.Context, url string) (domain.Project, error)
	InsertProject(ctx context.Context, p domain.Project) error
	UpdateProjectSync(ctx context.Context, p domain.Project) error
	FindBugByURL(ctx context.Context, url string) (domain.Bug, error)
	InsertBug(ctx context.Context, b domain.Bug) error
	UpdateBugSync(ctx context.Context, b domain.Bug) error
}

// Reconciler upserts remote items by natural key. Applying the same item
// twice leaves the stored row untouched.
type Reconciler struct {
	Store   Store
	Now     func() time.Time
	MaxTags int
	Logger  logrus.FieldLogger
}

func (r Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Reconciler) maxTags() int {
	if r.MaxTags > 0 {
		return r.MaxTags
	}
	return 10
}

func failed(key string, err error) Result {
	return Result{Outcome: Failed, Key: key, Err: err}
}

// Repository reconciles one raw repository item. Items last updated before
// cutoff are skipped; a zero cutoff processes everything.
func (r Reconciler) Repository(ctx context.Context, raw []byte, cutoff time.Time) Result {
	item, err := DecodeRepository(raw)
	if err != nil {
		var ve *ValidationError
		key := ""
		if errors.As(err, &ve) {
			key = ve.Key
		}
		return failed(key, err)
	}
	key := CanonicalURL(item.HTMLURL)
	if !cutoff.IsZero() && item.UpdatedAt.Before(cutoff) {
		return Result{Outcome: Skipped, Key: key}
	}
	desired := NormalizeRepository(item, r.maxTags())
	return r.upsertProject(ctx, desired, r.now())
}

func (r Reconciler) upsertProject(ctx context.Context, desired domain.Project, now time.Time) Result {
	key := desired.GithubURL
	existing, err := r.Store.FindProjectByURL(ctx, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		desired.ID = RecordID(key)
		desired.CreatedAt = now
		desired.UpdatedAt = now
		if err := r.Store.InsertProject(ctx, desired); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// Inserted concurrently (webhook and sync); fall through to update.
				if existing, err = r.Store.FindProjectByURL(ctx, key); err == nil {
					return r.updateProject(ctx, existing, desired, now)
				}
			}
			return failed(key, &PersistenceError{Key: key, Op: "insert project", Err: err})
		}
		r.log().WithFields(logrus.Fields{"key": key, "id": desired.ID}).Debug("project created")
		return Result{Outcome: Created, Key: key, ID: desired.ID}
	case err != nil:
		return failed(key, &PersistenceError{Key: key, Op: "find project", Err: err})
	}
	return r.updateProject(ctx, existing, desired, now)
}

func (r Reconciler) updateProject(ctx context.Context, existing, desired domain.Project, now time.Time) Result {
	key := existing.GithubURL
	next := existing
	next.Name = desired.Name
	next.Description = desired.Description
	next.Status = desired.Status
	next.Language = desired.Language
	next.Stars = desired.Stars
	next.Forks = desired.Forks
	next.OpenIssues = desired.OpenIssues
	next.SizeKB = desired.SizeKB
	next.Tags = desired.Tags
	next.HealthScore = desired.HealthScore
	next.Complexity = desired.Complexity
	next.IsPrivate = desired.IsPrivate
	next.LastActivityAt = desired.LastActivityAt
	next.RemoteUpdatedAt = desired.RemoteUpdatedAt
	if projectSyncEqual(existing, next) {
		return Result{Outcome: Unchanged, Key: key, ID: existing.ID}
	}
	next.UpdatedAt = now
	if err := r.Store.UpdateProjectSync(ctx, next); err != nil {
		return failed(key, &PersistenceError{Key: key, Op: "update project", Err: err})
	}
	return Result{Outcome: Updated, Key: key, ID: existing.ID}
}

func projectSyncEqual(a, b domain.Project) bool {
	return a.Name == b.Name && a.Description == b.Description && a.Status == b.Status &&
		a.Language == b.Language && a.Stars == b.Stars && a.Forks == b.Forks &&
		a.OpenIssues == b.OpenIssues && a.SizeKB == b.SizeKB && slices.Equal(a.Tags, b.Tags) &&
		a.HealthScore == b.HealthScore && a.Complexity == b.Complexity && a.IsPrivate == b.IsPrivate &&
		a.LastActivityAt == b.LastActivityAt && a.RemoteUpdatedAt == b.RemoteUpdatedAt
}

// Issue reconciles one raw issue item. Pull requests are skipped, as are
// items last updated before cutoff.
func (r Reconciler) Issue(ctx context.Context, raw []byte, cutoff time.Time) Result {
	item, err := DecodeIssue(raw)
	if err != nil {
		var ve *ValidationError
		key := ""
		if errors.As(err, &ve) {
			key = ve.Key
		}
		return failed(key, err)
	}
	key := CanonicalURL(item.HTMLURL)
	if item.PullRequest != nil {
		return Result{Outcome: Skipped, Key: key}
	}
	if !cutoff.IsZero() && item.UpdatedAt.Before(cutoff) {
		return Result{Outcome: Skipped, Key: key}
	}
	var projectID string
	project, err := r.Store.FindProjectByURL(ctx, RepositoryURLOf(item.HTMLURL))
	switch {
	case err == nil:
		projectID = project.ID
	case !errors.Is(err, repo.ErrNotFound):
		return failed(key, &PersistenceError{Key: key, Op: "find project", Err: err})
	}
	desired := NormalizeIssue(item, projectID)
	now := r.now()

	existing, err := r.Store.FindBugByURL(ctx, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		desired.ID = RecordID(key)
		desired.CreatedAt = now
		desired.UpdatedAt = now
		if err := r.Store.InsertBug(ctx, desired); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				if existing, err = r.Store.FindBugByURL(ctx, key); err == nil {
					return r.updateBug(ctx, existing, desired, now)
				}
			}
			return failed(key, &PersistenceError{Key: key, Op: "insert bug", Err: err})
		}
		return Result{Outcome: Created, Key: key, ID: desired.ID}
	case err != nil:
		return failed(key, &PersistenceError{Key: key, Op: "find bug", Err: err})
	}
	return r.updateBug(ctx, existing, desired, now)
}

func (r Reconciler) updateBug(ctx context.Context, existing, desired domain.Bug, now time.Time) Result {
	key := existing.IssueURL
	next := existing
	next.ProjectID = desired.ProjectID
	next.Number = desired.Number
	next.Title = desired.Title
	next.Description = desired.Description
	next.Severity = desired.Severity
	next.Status = desired.Status
	next.Assignee = desired.Assignee
	next.Labels = desired.Labels
	next.RemoteCreatedAt = desired.RemoteCreatedAt
	next.RemoteUpdatedAt = desired.RemoteUpdatedAt
	next.ClosedAt = desired.ClosedAt
	if bugSyncEqual(existing, next) {
		return Result{Outcome: Unchanged, Key: key, ID: existing.ID}
	}
	next.UpdatedAt = now
	if err := r.Store.UpdateBugSync(ctx, next); err != nil {
		return failed(key, &PersistenceError{Key: key, Op: "update bug", Err: err})
	}
	return Result{Outcome: Updated, Key: key, ID: existing.ID}
}

func bugSyncEqual(a, b domain.Bug) bool {
	return a.ProjectID == b.ProjectID && a.Number == b.Number && a.Title == b.Title &&
		a.Description == b.Description && a.Severity == b.Severity && a.Status == b.Status &&
		a.Assignee == b.Assignee && slices.Equal(a.Labels, b.Labels) &&
		a.RemoteCreatedAt == b.RemoteCreatedAt && a.RemoteUpdatedAt == b.RemoteUpdatedAt &&
		a.ClosedAt == b.ClosedAt
}

func (r Reconciler) log() logrus.FieldLogger {
	return logging.OrDiscard(r.Logger)
}
