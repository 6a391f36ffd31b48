package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dashsync/internal/db"
	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/migrate"
	"dashsync/internal/repo"
	"dashsync/internal/scheduler"
)

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type testEnv struct {
	ctx    context.Context
	repo   repo.Repo
	sched  *scheduler.Scheduler
	sleeps *sleeps
}

func newTestEnv(t *testing.T, cfg scheduler.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Driver: db.DriverSQLite}
	sl := &sleeps{}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	s := scheduler.New(cfg, scheduler.Deps{
		Store: r,
		Audit: events.Writer{DB: conn, Driver: db.DriverSQLite},
		Sleep: sl.sleep,
	})
	return testEnv{ctx: context.Background(), repo: r, sched: s, sleeps: sl}
}

// failTimes returns a job that fails n times and then succeeds.
func failTimes(n int) scheduler.JobFunc {
	calls := 0
	return func(ctx context.Context) (map[string]any, error) {
		calls++
		if calls <= n {
			return nil, fmt.Errorf("attempt %d failed", calls)
		}
		return map[string]any{"calls": calls}, nil
	}
}

func TestBoundedRetries(t *testing.T) {
	for n := 0; n <= 3; n++ {
		t.Run(fmt.Sprintf("fails_%d", n), func(t *testing.T) {
			env := newTestEnv(t, scheduler.Config{})
			res := env.sched.ExecuteJob(env.ctx, "sync", failTimes(n), "test", nil)
			if res.Success != (n < 3) {
				t.Fatalf("success=%v for n=%d: %s", res.Success, n, res.Message)
			}
			rec, err := env.repo.GetJob(env.ctx, res.JobID)
			if err != nil {
				t.Fatal(err)
			}
			if n < 3 {
				if rec.Status != domain.JobCompleted || rec.Attempt != n+1 || res.Attempts != n+1 {
					t.Fatalf("record: %+v", rec)
				}
				if rec.ExecutionTimeMs == nil || rec.CompletedAt == nil {
					t.Fatalf("missing completion fields: %+v", rec)
				}
			} else {
				if rec.Status != domain.JobFailed || rec.Attempt != 3 {
					t.Fatalf("record: %+v", rec)
				}
				if rec.ErrorMessage != "attempt 3 failed" || rec.ErrorStack == "" {
					t.Fatalf("error fields: %q %q", rec.ErrorMessage, rec.ErrorStack)
				}
			}
		})
	}
}

func TestThirdAttemptSucceedsWithLinearBackoff(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{})
	res := env.sched.ExecuteJob(env.ctx, "sync", failTimes(2), "manual", map[string]any{"kind": "repositories"})
	if !res.Success || res.Attempts != 3 || res.Status != domain.JobCompleted {
		t.Fatalf("result: %+v", res)
	}
	if res.Result["calls"] != 3 {
		t.Fatalf("result payload: %v", res.Result)
	}
	rec, _ := env.repo.GetJob(env.ctx, res.JobID)
	if rec.Attempt != 3 || rec.Status != domain.JobCompleted || rec.Metadata["kind"] != "repositories" {
		t.Fatalf("record: %+v", rec)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if fmt.Sprint(env.sleeps.delays) != fmt.Sprint(want) {
		t.Fatalf("delays: %v", env.sleeps.delays)
	}
}

func TestDuplicateRunIsRejected(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan scheduler.JobResult, 1)
	go func() {
		done <- env.sched.ExecuteJob(env.ctx, "sync", func(ctx context.Context) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		}, "test", nil)
	}()
	<-started
	if !env.sched.IsRunning("sync") {
		t.Fatalf("expected sync to be running")
	}

	second := env.sched.ExecuteJob(env.ctx, "sync", failTimes(0), "test", nil)
	if second.Success || !errors.Is(second.Err, scheduler.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %+v", second)
	}
	running, err := env.sched.GetRunningJobs(env.ctx)
	if err != nil || len(running) != 1 {
		t.Fatalf("running: %+v %v", running, err)
	}

	close(release)
	if first := <-done; !first.Success {
		t.Fatalf("first: %+v", first)
	}
	if env.sched.IsRunning("sync") {
		t.Fatalf("slot must be released")
	}
}

func TestActiveRecordFromAnotherProcess(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{})
	fresh := domain.JobRecord{ID: "other", JobType: "sync", Status: domain.JobRunning, TriggeredBy: "peer",
		Attempt: 1, MaxAttempts: 3, StartedAt: time.Now().Add(-time.Minute)}
	if err := env.repo.CreateJob(env.ctx, fresh); err != nil {
		t.Fatal(err)
	}
	res := env.sched.ExecuteJob(env.ctx, "sync", failTimes(0), "test", nil)
	if !errors.Is(res.Err, scheduler.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %+v", res)
	}
}

func TestStaleRunIsReclaimed(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{})
	stale := domain.JobRecord{ID: "stale", JobType: "sync", Status: domain.JobRunning, TriggeredBy: "crashed",
		Attempt: 1, MaxAttempts: 3, StartedAt: time.Now().Add(-10 * time.Minute)}
	if err := env.repo.CreateJob(env.ctx, stale); err != nil {
		t.Fatal(err)
	}
	res := env.sched.ExecuteJob(env.ctx, "sync", failTimes(0), "test", nil)
	if !res.Success {
		t.Fatalf("expected run after reclaim, got %+v", res)
	}
	old, err := env.repo.GetJob(env.ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.JobTimeout {
		t.Fatalf("stale record status: %s", old.Status)
	}
	audit, _ := env.repo.ListAuditEvents(env.ctx, 10)
	found := false
	for _, e := range audit {
		if e.Type == events.TypeJobReclaimed && e.EntityID == "stale" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing reclaim audit event: %+v", audit)
	}
}

// reclaimDuring returns a job that has its own record reclaimed mid-attempt,
// the way a peer instance does once the run looks stale.
func reclaimDuring(env testEnv, jobErr error, calls *int) scheduler.JobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		*calls++
		active, err := env.repo.ActiveJob(env.ctx, "sync")
		if err != nil {
			return nil, err
		}
		if _, err := env.repo.ReclaimJob(env.ctx, active.ID, "reclaimed stale run", time.Now()); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, jobErr
	}
}

func TestReclaimedRunDoesNotOverwriteRecord(t *testing.T) {
	for _, tc := range []struct {
		name   string
		jobErr error
	}{
		{"success", nil},
		{"failure", errors.New("boom")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, scheduler.Config{MaxAttempts: 3})
			calls := 0
			res := env.sched.ExecuteJob(env.ctx, "sync", reclaimDuring(env, tc.jobErr, &calls), "test", nil)
			if res.Success || !errors.Is(res.Err, scheduler.ErrSuperseded) {
				t.Fatalf("expected superseded result, got %+v", res)
			}
			if calls != 1 {
				t.Fatalf("expected no further attempts, got %d calls", calls)
			}
			rec, err := env.repo.GetJob(env.ctx, res.JobID)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Status != domain.JobTimeout || rec.ErrorMessage != "reclaimed stale run" {
				t.Fatalf("reclaimed record was overwritten: %+v", rec)
			}
		})
	}
}

func TestLockTTLCoversWorstCaseRun(t *testing.T) {
	cfg := scheduler.Config{MaxAttempts: 3, AttemptTimeout: 9 * time.Minute, RetryBaseDelay: 5 * time.Second}
	worst := 27*time.Minute + 15*time.Second
	if got := cfg.WorstCaseRun(); got != worst {
		t.Fatalf("worst case run: %s", got)
	}
	if got := scheduler.LockTTL(cfg, 10*time.Minute); got != worst+time.Minute {
		t.Fatalf("short ttl not raised: %s", got)
	}
	if got := scheduler.LockTTL(cfg, 0); got != worst+time.Minute {
		t.Fatalf("derived ttl: %s", got)
	}
	if got := scheduler.LockTTL(cfg, time.Hour); got != time.Hour {
		t.Fatalf("longer ttl must be kept: %s", got)
	}
	if got := (scheduler.Config{}).WorstCaseRun(); got != 27*time.Minute {
		t.Fatalf("defaults: %s", got)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{MaxConcurrent: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.sched.ExecuteJob(env.ctx, "a", func(ctx context.Context) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		}, "test", nil)
	}()
	<-started
	res := env.sched.ExecuteJob(env.ctx, "b", failTimes(0), "test", nil)
	if !errors.Is(res.Err, scheduler.ErrConcurrencyLimit) || res.JobID != "" {
		t.Fatalf("expected concurrency limit, got %+v", res)
	}
	close(release)
	<-done
}

func TestAttemptTimeout(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{AttemptTimeout: 50 * time.Millisecond, MaxAttempts: 2})
	res := env.sched.ExecuteJob(env.ctx, "slow", func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, "test", nil)
	if res.Success || res.Status != domain.JobTimeout || res.Attempts != 2 {
		t.Fatalf("result: %+v", res)
	}
	if !errors.Is(res.Err, scheduler.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", res.Err)
	}
	rec, _ := env.repo.GetJob(env.ctx, res.JobID)
	if rec.Status != domain.JobTimeout || !strings.Contains(rec.ErrorMessage, "timed out") {
		t.Fatalf("record: %+v", rec)
	}
}

func TestAbandonsFunctionIgnoringContext(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{AttemptTimeout: 20 * time.Millisecond, MaxAttempts: 1})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	begin := time.Now()
	res := env.sched.ExecuteJob(env.ctx, "stuck", func(ctx context.Context) (map[string]any, error) {
		<-block
		return nil, nil
	}, "test", nil)
	if res.Status != domain.JobTimeout {
		t.Fatalf("result: %+v", res)
	}
	if time.Since(begin) > 5*time.Second {
		t.Fatalf("scheduler waited on an abandoned attempt")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{MaxAttempts: 1})
	res := env.sched.ExecuteJob(env.ctx, "boom", func(ctx context.Context) (map[string]any, error) {
		panic("kaboom")
	}, "test", nil)
	if res.Success || res.Status != domain.JobFailed {
		t.Fatalf("result: %+v", res)
	}
	rec, _ := env.repo.GetJob(env.ctx, res.JobID)
	if !strings.Contains(rec.ErrorMessage, "kaboom") || !strings.Contains(rec.ErrorStack, "goroutine") {
		t.Fatalf("record: %+v", rec)
	}
}

func TestRegistrySubmitStatsAndCleanup(t *testing.T) {
	env := newTestEnv(t, scheduler.Config{})
	env.sched.Register("noop", func(metadata map[string]any) (scheduler.JobFunc, error) {
		return func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"echo": metadata["v"]}, nil
		}, nil
	})
	if got := env.sched.JobTypes(); len(got) != 1 || got[0] != "noop" {
		t.Fatalf("job types: %v", got)
	}
	if res := env.sched.Run(env.ctx, "missing", "test", nil); !errors.Is(res.Err, scheduler.ErrUnknownJob) {
		t.Fatalf("expected unknown job, got %+v", res)
	}

	results := make(chan scheduler.JobResult, 3)
	for i := 0; i < 3; i++ {
		if err := env.sched.Submit(env.ctx, "noop", "test", map[string]any{"v": i}, func(r scheduler.JobResult) { results <- r }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		env.sched.Wait()
		if r := <-results; !r.Success || r.Result["echo"] != i {
			t.Fatalf("result %d: %+v", i, r)
		}
	}

	stats, err := env.sched.GetJobStats(env.ctx, time.Time{})
	if err != nil || stats.Completed != 3 || stats.SuccessRate != 1 {
		t.Fatalf("stats: %+v %v", stats, err)
	}
	n, err := env.sched.CleanupJobHistory(env.ctx, 1)
	if err != nil || n != 2 {
		t.Fatalf("cleanup: %d %v", n, err)
	}
	stats, _ = env.sched.GetJobStats(env.ctx, time.Time{})
	if stats.Total != 1 {
		t.Fatalf("stats after cleanup must not be served from cache: %+v", stats)
	}
	history, _ := env.sched.GetJobHistory(env.ctx, "noop", 10)
	if len(history) != 1 {
		t.Fatalf("history: %+v", history)
	}
}
