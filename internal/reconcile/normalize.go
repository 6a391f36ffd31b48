package reconcile

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"dashsync/internal/domain"
)

const day = 24 * time.Hour

const (
	StatusActive   = "active"
	StatusOnHold   = "on_hold"
	StatusArchived = "archived"

	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"

	BugOpen       = "open"
	BugInProgress = "in_progress"
	BugClosed     = "closed"
)

// CanonicalURL is the natural key form of a repository or issue URL.
func CanonicalURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

// RecordID derives the stable local identifier for a natural key.
func RecordID(naturalKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(naturalKey)).String()
}

// RepositoryURLOf returns the canonical repository URL an issue belongs to.
func RepositoryURLOf(issueURL string) string {
	u := CanonicalURL(issueURL)
	if i := strings.Index(u, "/issues/"); i >= 0 {
		return u[:i]
	}
	if i := strings.Index(u, "/pull/"); i >= 0 {
		return u[:i]
	}
	return u
}

func lastActivity(r RemoteRepository) time.Time {
	if r.PushedAt != nil && !r.PushedAt.IsZero() {
		return *r.PushedAt
	}
	return r.UpdatedAt
}

// idleFor is how long the last push trails the repository's own latest
// remote timestamp.
func idleFor(r RemoteRepository) time.Duration {
	ref := r.UpdatedAt
	if r.PushedAt != nil && r.PushedAt.After(ref) {
		ref = *r.PushedAt
	}
	return ref.Sub(lastActivity(r))
}

// HealthScore rates a repository in [0,100] from activity, popularity, issue
// volume, archival and documentation.
func HealthScore(r RemoteRepository) int {
	score := 50
	switch age := idleFor(r); {
	case age <= 7*day:
		score += 20
	case age <= 30*day:
		score += 10
	case age <= 90*day:
	case age <= 180*day:
		score -= 10
	default:
		score -= 20
	}
	switch {
	case r.StargazersCount >= 1000:
		score += 15
	case r.StargazersCount >= 100:
		score += 10
	case r.StargazersCount >= 10:
		score += 5
	}
	switch {
	case r.ForksCount >= 100:
		score += 5
	case r.ForksCount >= 10:
		score += 3
	}
	switch {
	case r.OpenIssuesCount > 100:
		score -= 15
	case r.OpenIssuesCount > 50:
		score -= 10
	case r.OpenIssuesCount > 20:
		score -= 5
	}
	if r.Archived {
		score -= 30
	}
	if r.Description != nil && strings.TrimSpace(*r.Description) != "" {
		score += 5
	}
	return clamp(score, 0, 100)
}

var languageTier = map[string]int{
	"c": 3, "c++": 3, "rust": 3, "go": 3, "assembly": 3, "zig": 3, "scala": 3, "haskell": 3,
	"java": 2, "kotlin": 2, "c#": 2, "python": 2, "javascript": 2, "typescript": 2, "ruby": 2,
	"php": 2, "swift": 2, "dart": 2, "elixir": 2,
	"html": 1, "css": 1, "shell": 1, "markdown": 1, "dockerfile": 1, "makefile": 1, "hcl": 1,
}

// Complexity estimates effort in [1,5] from language and size in KB.
func Complexity(language string, sizeKB int) int {
	tier, ok := languageTier[strings.ToLower(language)]
	if !ok {
		tier = 2
		if language == "" {
			tier = 1
		}
	}
	switch {
	case sizeKB > 100*1024:
		tier += 2
	case sizeKB > 10*1024:
		tier++
	case sizeKB < 100:
		tier--
	}
	return clamp(tier, 1, 5)
}

// Tags builds the tech-stack set: language first, then topics, slugified,
// deduplicated and capped at limit.
func Tags(language string, topics []string, limit int) []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(v string) {
		s := slug.Make(v)
		if s == "" || seen[s] || len(out) >= limit {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	add(language)
	for _, t := range topics {
		add(t)
	}
	return out
}

// ProjectStatus maps remote flags and activity onto the local status.
func ProjectStatus(r RemoteRepository) string {
	if r.Archived || r.Disabled {
		return StatusArchived
	}
	if idleFor(r) > 180*day {
		return StatusOnHold
	}
	return StatusActive
}

func labelNames(labels []RemoteLabel) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if n := strings.TrimSpace(l.Name); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// labelTokens splits labels like "priority: p0" or "severity/high" into words.
func labelTokens(labels []string) map[string]bool {
	tokens := map[string]bool{}
	for _, l := range labels {
		for _, f := range strings.FieldsFunc(strings.ToLower(l), func(r rune) bool {
			return r == ':' || r == '/' || r == ' ' || r == '-' || r == '_'
		}) {
			tokens[f] = true
		}
	}
	return tokens
}

func Severity(labels []string) string {
	t := labelTokens(labels)
	switch {
	case t["critical"] || t["p0"] || t["blocker"]:
		return SeverityCritical
	case t["high"] || t["p1"]:
		return SeverityHigh
	case t["low"] || t["p3"] || t["trivial"]:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func BugStatus(state string, labels []string) string {
	if state == "closed" {
		return BugClosed
	}
	for _, l := range labels {
		switch strings.ToLower(strings.TrimSpace(l)) {
		case "in progress", "in-progress", "in_progress", "wip", "doing":
			return BugInProgress
		}
	}
	return BugOpen
}

func formatRemote(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return domain.FormatTime(*t)
}

// NormalizeRepository maps a validated repository onto the sync-owned fields
// of a project. ID and timestamps are left to the reconciler.
func NormalizeRepository(r RemoteRepository, maxTags int) domain.Project {
	var desc, lang string
	if r.Description != nil {
		desc = strings.TrimSpace(*r.Description)
	}
	if r.Language != nil {
		lang = *r.Language
	}
	active := lastActivity(r)
	return domain.Project{
		Name:            r.Name,
		GithubURL:       CanonicalURL(r.HTMLURL),
		Description:     desc,
		Status:          ProjectStatus(r),
		Language:        lang,
		Stars:           r.StargazersCount,
		Forks:           r.ForksCount,
		OpenIssues:      r.OpenIssuesCount,
		SizeKB:          r.Size,
		Tags:            Tags(lang, r.Topics, maxTags),
		HealthScore:     HealthScore(r),
		Complexity:      Complexity(lang, r.Size),
		IsPrivate:       r.Private,
		LastActivityAt:  formatRemote(&active),
		RemoteUpdatedAt: formatRemote(&r.UpdatedAt),
	}
}

// NormalizeIssue maps a validated issue onto the sync-owned fields of a bug.
func NormalizeIssue(i RemoteIssue, projectID string) domain.Bug {
	labels := labelNames(i.Labels)
	var body, assignee string
	if i.Body != nil {
		body = *i.Body
	}
	if i.Assignee != nil {
		assignee = i.Assignee.Login
	}
	return domain.Bug{
		ProjectID:       projectID,
		IssueURL:        CanonicalURL(i.HTMLURL),
		Number:          i.Number,
		Title:           strings.TrimSpace(i.Title),
		Description:     body,
		Severity:        Severity(labels),
		Status:          BugStatus(i.State, labels),
		Assignee:        assignee,
		Labels:          labels,
		RemoteCreatedAt: formatRemote(&i.CreatedAt),
		RemoteUpdatedAt: formatRemote(&i.UpdatedAt),
		ClosedAt:        formatRemote(i.ClosedAt),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
