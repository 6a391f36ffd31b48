package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"dashsync/internal/db"
	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/migrate"
	"dashsync/internal/reconcile"
	"dashsync/internal/remote"
	"dashsync/internal/repo"
	"dashsync/internal/syncer"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGitHub serves an org with pageSizes repositories and one issue list.
type fakeGitHub struct {
	mu         sync.Mutex
	srv        *httptest.Server
	pageSizes  []int
	remaining  int
	failPage   int
	badItem    int
	repoHits   int
	issueSince []string
}

func newFakeGitHub(t *testing.T, sizes ...int) *fakeGitHub {
	f := &fakeGitHub{pageSizes: sizes, remaining: 5000, badItem: -1}
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprintf(w, `{"resources":{"core":{"limit":5000,"remaining":%d,"reset":1717200000,"used":%d}}}`, f.remaining, 5000-f.remaining)
	})
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.repoHits++
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		if page == f.failPage {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		if page < len(f.pageSizes) {
			w.Header().Set("Link", fmt.Sprintf(`<%s/orgs/acme/repos?page=%d>; rel="next"`, f.srv.URL, page+1))
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(f.remaining))
		w.Header().Set("X-RateLimit-Limit", "5000")
		items := []json.RawMessage{}
		offset := 0
		for i := 0; i < page-1; i++ {
			offset += f.pageSizes[i]
		}
		for i := 0; i < f.pageSizes[page-1]; i++ {
			n := offset + i
			if n == f.badItem {
				items = append(items, json.RawMessage(`{"id": 0, "name": ""}`))
				continue
			}
			items = append(items, json.RawMessage(fmt.Sprintf(`{"id": %d, "name": "repo-%03d", "full_name": "acme/repo-%03d",
				"html_url": "https://github.com/acme/repo-%03d", "language": "Go", "stargazers_count": %d,
				"size": 500, "pushed_at": "2024-05-01T00:00:00Z", "updated_at": "2024-05-01T00:00:00Z"}`, n+1, n, n, n, n)))
		}
		json.NewEncoder(w).Encode(items)
	})
	mux.HandleFunc("/repos/acme/repo-000/issues", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.issueSince = append(f.issueSince, r.URL.Query().Get("since"))
		f.mu.Unlock()
		fmt.Fprint(w, `[
			{"id": 1, "number": 1, "title": "Crash", "state": "open", "html_url": "https://github.com/acme/repo-000/issues/1",
			 "labels": [{"name": "blocker"}], "created_at": "2024-04-01T00:00:00Z", "updated_at": "2024-05-01T00:00:00Z"},
			{"id": 2, "number": 2, "title": "PR", "state": "open", "html_url": "https://github.com/acme/repo-000/pull/2",
			 "pull_request": {}, "created_at": "2024-04-01T00:00:00Z", "updated_at": "2024-05-01T00:00:00Z"}
		]`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type env struct {
	ctx    context.Context
	clock  *clock
	repo   repo.Repo
	syncer *syncer.Syncer
	gh     *fakeGitHub
}

func newEnv(t *testing.T, gh *fakeGitHub, cfg syncer.Config) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	r := repo.Repo{DB: conn, Driver: db.DriverSQLite}
	client := remote.NewClient(remote.Options{
		BaseURL: gh.srv.URL,
		PerPage: 100,
		Sleep:   func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		Now:     clk.Now,
	})
	if cfg.Owner == "" {
		cfg.Owner = "acme"
	}
	if cfg.OwnerType == "" {
		cfg.OwnerType = "org"
	}
	s := syncer.New(cfg, syncer.Deps{
		Remote:     client,
		Store:      r,
		Reconciler: reconcile.Reconciler{Store: r, Now: clk.Now},
		Audit:      events.Writer{DB: conn, Driver: db.DriverSQLite, Now: clk.Now},
		Now:        clk.Now,
	})
	return env{ctx: context.Background(), clock: clk, repo: r, syncer: s, gh: gh}
}

func TestFullSyncIsCompleteAndIdempotent(t *testing.T) {
	e := newEnv(t, newFakeGitHub(t, 100, 100, 37), syncer.Config{MinRemaining: 100})
	req := syncer.Request{Kind: syncer.KindRepositories, Mode: syncer.ModeFull}

	first, err := e.syncer.Run(e.ctx, req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Status != domain.ImportSuccess || first.TotalItems != 237 || first.SuccessfulItems != 237 {
		t.Fatalf("first run: %+v", first)
	}
	if first.Metadata["created"] != 237 || first.Metadata["pages"] != 3 {
		t.Fatalf("first metadata: %v", first.Metadata)
	}
	if e.gh.repoHits != 3 {
		t.Fatalf("expected 3 page fetches, got %d", e.gh.repoHits)
	}
	if got := e.syncer.State(syncer.Source(syncer.KindRepositories)); got != syncer.StateCompleted {
		t.Fatalf("state: %s", got)
	}
	before, err := e.repo.ListProjects(e.ctx, "", 1000)
	if err != nil || len(before) != 237 {
		t.Fatalf("projects: %d %v", len(before), err)
	}

	e.clock.Advance(60 * 24 * time.Hour)
	second, err := e.syncer.Run(e.ctx, req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Metadata["created"] != 0 || second.Metadata["updated"] != 0 || second.Metadata["unchanged"] != 237 {
		t.Fatalf("second metadata: %v", second.Metadata)
	}
	after, err := e.repo.ListProjects(e.ctx, "", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprintf("%+v", before) != fmt.Sprintf("%+v", after) {
		t.Fatalf("second run changed stored rows")
	}
	logs, err := e.repo.ListImportLogs(e.ctx, syncer.Source(syncer.KindRepositories), 10)
	if err != nil || len(logs) != 2 {
		t.Fatalf("import logs: %d %v", len(logs), err)
	}
	snap, ok := logs[0].Metadata["rate_limit"].(map[string]any)
	if !ok {
		t.Fatalf("missing rate limit snapshot: %v", logs[0].Metadata)
	}
	// Page responses carry no reset header; the reset from the pre-check is kept.
	if snap["reset"] != "2024-06-01T00:00:00.000Z" || snap["remaining"] != float64(5000) {
		t.Fatalf("rate limit snapshot: %v", snap)
	}
}

func TestIncrementalSkipsItemsBeforeCutoff(t *testing.T) {
	e := newEnv(t, newFakeGitHub(t, 5), syncer.Config{})
	req := syncer.Request{Kind: syncer.KindRepositories, Mode: syncer.ModeIncremental}
	first, err := e.syncer.Run(e.ctx, req)
	if err != nil || first.Metadata["created"] != 5 {
		t.Fatalf("first: %+v %v", first, err)
	}
	e.clock.Advance(60 * 24 * time.Hour)
	second, err := e.syncer.Run(e.ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Metadata["skipped"] != 5 || second.Metadata["cutoff"] != domain.FormatTime(first.Timestamp) {
		t.Fatalf("second: %v", second.Metadata)
	}
	if second.Status != domain.ImportSuccess {
		t.Fatalf("status: %s", second.Status)
	}
}

func TestPrecheckAbortsBeforeFetching(t *testing.T) {
	gh := newFakeGitHub(t, 10)
	gh.remaining = 50
	e := newEnv(t, gh, syncer.Config{MinRemaining: 100})
	res, err := e.syncer.Run(e.ctx, syncer.Request{Kind: syncer.KindRepositories})
	var rl *remote.RateLimitError
	if !errors.As(err, &rl) || rl.Remaining != 50 {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if gh.repoHits != 0 {
		t.Fatalf("must not fetch after failed precheck")
	}
	if res.Status != domain.ImportFailed || len(res.Errors) != 1 {
		t.Fatalf("result: %+v", res)
	}
	logs, _ := e.repo.ListImportLogs(e.ctx, "", 10)
	if len(logs) != 1 || logs[0].Status != domain.ImportFailed {
		t.Fatalf("expected one failed import log, got %+v", logs)
	}
}

func TestFetchFailureFailsRunButKeepsReconciledItems(t *testing.T) {
	gh := newFakeGitHub(t, 100, 100, 37)
	gh.failPage = 2
	e := newEnv(t, gh, syncer.Config{})
	res, err := e.syncer.Run(e.ctx, syncer.Request{Kind: syncer.KindRepositories, Mode: syncer.ModeFull})
	var he *remote.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if res.Status != domain.ImportFailed || res.TotalItems != 100 {
		t.Fatalf("result: %+v", res)
	}
	projects, _ := e.repo.ListProjects(e.ctx, "", 1000)
	if len(projects) != 100 {
		t.Fatalf("expected first page kept, got %d", len(projects))
	}
	if _, err := e.repo.LastSuccessfulImport(e.ctx, syncer.Source(syncer.KindRepositories)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("failed run must not move the cutover: %v", err)
	}
}

func TestInvalidItemMakesRunPartial(t *testing.T) {
	gh := newFakeGitHub(t, 10)
	gh.badItem = 3
	e := newEnv(t, gh, syncer.Config{})
	res, err := e.syncer.Run(e.ctx, syncer.Request{Kind: syncer.KindRepositories, Mode: syncer.ModeFull})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.ImportPartial || res.FailedItems != 1 || res.SuccessfulItems != 9 || len(res.Errors) != 1 {
		t.Fatalf("result: %+v", res)
	}
	if got := e.syncer.State(res.Source); got != syncer.StatePartial {
		t.Fatalf("state: %s", got)
	}
}

func TestIssueSyncUsesKnownProjectsAndSince(t *testing.T) {
	gh := newFakeGitHub(t, 1)
	e := newEnv(t, gh, syncer.Config{})
	if _, err := e.syncer.Run(e.ctx, syncer.Request{Kind: syncer.KindRepositories}); err != nil {
		t.Fatal(err)
	}
	first, err := e.syncer.Run(e.ctx, syncer.Request{Kind: syncer.KindIssues})
	if err != nil {
		t.Fatal(err)
	}
	if first.Metadata["created"] != 1 || first.Metadata["skipped"] != 1 {
		t.Fatalf("issues: %v", first.Metadata)
	}
	bugs, err := e.repo.ListBugs(e.ctx, repo.BugFilter{})
	if err != nil || len(bugs) != 1 || bugs[0].Severity != "critical" || bugs[0].ProjectID == "" {
		t.Fatalf("bugs: %+v %v", bugs, err)
	}
	e.clock.Advance(time.Hour)
	if _, err := e.syncer.Run(e.ctx, syncer.Request{Kind: syncer.KindIssues}); err != nil {
		t.Fatal(err)
	}
	if len(gh.issueSince) != 2 || gh.issueSince[0] != "" || gh.issueSince[1] != first.Timestamp.Format(time.RFC3339) {
		t.Fatalf("since params: %v", gh.issueSince)
	}
}

func TestApplyWebhook(t *testing.T) {
	e := newEnv(t, newFakeGitHub(t, 1), syncer.Config{})
	body := []byte(`{"action": "edited", "repository": {"id": 9, "name": "hook", "full_name": "acme/hook",
		"html_url": "https://github.com/acme/hook", "updated_at": "2020-01-01T00:00:00Z"}}`)
	res, err := e.syncer.ApplyWebhook(e.ctx, "repository", body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != "github-webhook:repository" || res.Metadata["outcome"] != "created" {
		t.Fatalf("result: %+v", res)
	}
	if _, err := e.repo.FindProjectByURL(e.ctx, "https://github.com/acme/hook"); err != nil {
		t.Fatalf("project not created: %v", err)
	}
	if _, err := e.syncer.ApplyWebhook(e.ctx, "star", []byte(`{}`)); !errors.Is(err, syncer.ErrUnsupportedEvent) {
		t.Fatalf("expected unsupported event, got %v", err)
	}
	audit, err := e.repo.ListAuditEvents(e.ctx, 10)
	if err != nil || len(audit) != 1 || audit[0].Type != events.TypeWebhookApplied {
		t.Fatalf("audit: %+v %v", audit, err)
	}
}
