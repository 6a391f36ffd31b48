package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dashsync/internal/db"
	"dashsync/internal/domain"
	"dashsync/internal/migrate"
	"dashsync/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Driver: db.DriverSQLite}
}

func job(id, jobType string, status domain.JobStatus, started time.Time) domain.JobRecord {
	return domain.JobRecord{
		ID: id, JobType: jobType, Status: status, TriggeredBy: "test",
		Attempt: 1, MaxAttempts: 3, StartedAt: started,
	}
}

func TestCreateJobRejectsSecondActiveRecord(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.CreateJob(ctx, job("j1", "sync", domain.JobRunning, t0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := r.CreateJob(ctx, job("j2", "sync", domain.JobPending, t0.Add(time.Second)))
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := r.CreateJob(ctx, job("j3", "other", domain.JobPending, t0)); err != nil {
		t.Fatalf("other job type should not conflict: %v", err)
	}

	ok, err := r.ReclaimJob(ctx, "j1", "reclaimed stale run", t0.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if ok, _ := r.ReclaimJob(ctx, "j1", "again", t0.Add(time.Hour)); ok {
		t.Fatalf("second reclaim must be a no-op")
	}
	if err := r.CreateJob(ctx, job("j2", "sync", domain.JobPending, t0.Add(time.Hour))); err != nil {
		t.Fatalf("create after reclaim: %v", err)
	}
	active, err := r.ActiveJob(ctx, "sync")
	if err != nil || active.ID != "j2" {
		t.Fatalf("active job: %+v %v", active, err)
	}
	old, err := r.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.JobTimeout || old.CompletedAt == nil || old.ErrorMessage != "reclaimed stale run" {
		t.Fatalf("unexpected reclaimed record: %+v", old)
	}
}

func TestUpdateJobLeavesFinalizedRecord(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	j := job("j1", "sync", domain.JobRunning, t0)
	if err := r.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := r.ReclaimJob(ctx, "j1", "reclaimed stale run", t0.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	j.Status = domain.JobCompleted
	if err := r.UpdateJob(ctx, j); !errors.Is(err, repo.ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	got, err := r.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobTimeout {
		t.Fatalf("finalized record was overwritten: %+v", got)
	}
	if err := r.UpdateJob(ctx, job("missing", "sync", domain.JobRunning, t0)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobStatsAndTrim(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i, status := range []domain.JobStatus{domain.JobCompleted, domain.JobCompleted, domain.JobFailed, domain.JobTimeout} {
		j := job(string(rune('a'+i)), "sync", status, t0.Add(time.Duration(i)*time.Minute))
		ms := int64(100 * (i + 1))
		j.ExecutionTimeMs = &ms
		if err := r.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.CreateJob(ctx, job("live", "sync", domain.JobRunning, t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	stats, err := r.JobStats(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 5 || stats.Completed != 2 || stats.Failed != 1 || stats.Timeout != 1 || stats.Running != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("success rate: %v", stats.SuccessRate)
	}
	if stats.AvgExecutionMs != 150 {
		t.Fatalf("avg execution: %v", stats.AvgExecutionMs)
	}
	since, err := r.JobStats(ctx, t0.Add(2*time.Minute))
	if err != nil || since.Total != 3 {
		t.Fatalf("stats since: %+v %v", since, err)
	}

	n, err := r.TrimJobs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 trimmed, got %d", n)
	}
	left, err := r.ListJobs(ctx, "sync", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].ID != "live" || left[1].ID != "d" {
		t.Fatalf("unexpected history after trim: %+v", left)
	}
}

func TestLastSuccessfulImport(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.LastSuccessfulImport(ctx, "github:repositories"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	logs := []domain.ImportLog{
		{ID: "1", Source: "github:repositories", Status: domain.ImportSuccess, Timestamp: t0},
		{ID: "2", Source: "github:repositories", Status: domain.ImportPartial, Timestamp: t0.Add(time.Hour),
			FailedItems: 1, Errors: []domain.ItemError{{Item: "x", Error: "bad"}}},
		{ID: "3", Source: "github:issues", Status: domain.ImportSuccess, Timestamp: t0.Add(2 * time.Hour)},
	}
	for _, l := range logs {
		if err := r.InsertImportLog(ctx, l); err != nil {
			t.Fatal(err)
		}
	}
	last, err := r.LastSuccessfulImport(ctx, "github:repositories")
	if err != nil {
		t.Fatal(err)
	}
	if last.ID != "1" || !last.Timestamp.Equal(t0) {
		t.Fatalf("unexpected cutover log: %+v", last)
	}
	all, err := r.ListImportLogs(ctx, "github:repositories", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v %v", all, err)
	}
	if len(all[0].Errors) != 1 || all[0].Errors[0].Item != "x" {
		t.Fatalf("errors not round tripped: %+v", all[0])
	}
}

func TestUpdateProjectSyncKeepsFinancials(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := domain.Project{
		ID: "p1", Name: "svc", GithubURL: "https://github.com/acme/svc", Status: "active",
		Tags: []string{"go"}, HealthScore: 60, Complexity: 2, Budget: 1000, Spent: 250, MonthlyRevenue: 40,
		CreatedAt: t0, UpdatedAt: t0,
	}
	if err := r.InsertProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Budget, p.Spent, p.MonthlyRevenue = 0, 0, 0
	p.Stars = 12
	p.UpdatedAt = t0.Add(time.Hour)
	if err := r.UpdateProjectSync(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := r.FindProjectByURL(ctx, "https://github.com/acme/svc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stars != 12 || got.Budget != 1000 || got.Spent != 250 || got.MonthlyRevenue != 40 {
		t.Fatalf("unexpected project: %+v", got)
	}
	if err := r.UpdateProjectSync(ctx, domain.Project{ID: "missing", UpdatedAt: t0}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
