package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dashsync/internal/config"
	"dashsync/internal/db"
	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/importer"
	"dashsync/internal/logging"
	"dashsync/internal/migrate"
	"dashsync/internal/reconcile"
	"dashsync/internal/remote"
	"dashsync/internal/repo"
	"dashsync/internal/scheduler"
	"dashsync/internal/syncer"
)

// Registered job types.
const (
	JobSyncRepositories = "sync-repositories"
	JobSyncIssues       = "sync-issues"
	JobCleanupHistory   = "cleanup-history"
)

// Trigger sources recorded as triggered_by.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Remote    *remote.Client
	Syncer    *syncer.Syncer
	Scheduler *scheduler.Scheduler
	Importer  importer.Importer
	Logger    logrus.FieldLogger
	Now       func() time.Time

	closers []io.Closer
}

// Options carries the collaborators tests replace.
type Options struct {
	Logger     logrus.FieldLogger
	Now        func() time.Time
	HTTPClient *http.Client
	// RemoteSleep and JobSleep replace the backoff and retry waits.
	RemoteSleep remote.Sleeper
	JobSleep    func(ctx context.Context, d time.Duration) error
	// Locker overrides the locker selected by scheduler.lock.
	Locker scheduler.Locker
}

// Open opens and migrates the configured database, then wires the engine.
// Close releases the connection.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return Engine{}, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return Engine{}, fmt.Errorf("connect database: %w", err)
	}
	if err := migrate.Migrate(conn, driverName(cfg)); err != nil {
		conn.Close()
		return Engine{}, fmt.Errorf("migrate: %w", err)
	}
	e, err := New(ctx, conn, cfg, opts)
	if err != nil {
		conn.Close()
		return Engine{}, err
	}
	e.closers = append(e.closers, conn)
	return e, nil
}

func driverName(cfg *config.Config) string {
	if cfg.Database.Driver == "" {
		return db.DriverSQLite
	}
	return cfg.Database.Driver
}

// New wires every component on an already migrated connection and
// registers the built-in jobs.
func New(ctx context.Context, conn *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	log := logging.OrDiscard(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	driver := driverName(cfg)
	r := repo.Repo{DB: conn, Driver: driver}
	ev := events.Writer{DB: conn, Driver: driver, Now: now}

	ropts := remote.OptionsFromConfig(cfg.GitHub)
	ropts.HTTPClient = opts.HTTPClient
	ropts.Logger = log
	ropts.Now = now
	ropts.Sleep = opts.RemoteSleep
	client := remote.NewClient(ropts)

	rec := reconcile.Reconciler{Store: r, Now: now, MaxTags: cfg.Sync.MaxTags, Logger: log}
	syn := syncer.New(syncer.Config{
		Owner:        cfg.GitHub.Owner,
		OwnerType:    cfg.GitHub.OwnerType,
		Repositories: cfg.GitHub.Repositories,
		DefaultMode:  syncer.Mode(cfg.Sync.Mode),
		MinRemaining: cfg.GitHub.MinRemaining,
		MaxErrors:    cfg.Sync.MaxErrors,
	}, syncer.Deps{Remote: client, Store: r, Reconciler: rec, Audit: ev, Now: now, Logger: log})

	e := Engine{
		DB:       conn,
		Repo:     r,
		Events:   ev,
		Config:   cfg,
		Remote:   client,
		Syncer:   syn,
		Importer: importer.Importer{Store: r, Audit: ev, Now: now, Logger: log},
		Logger:   log,
		Now:      now,
	}

	schedCfg := scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		AttemptTimeout: cfg.Scheduler.AttemptTimeout,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
		StatsTTL:       cfg.Cache.StatsTTL,
		StatsSize:      cfg.Cache.StatsSize,
	}
	locker := opts.Locker
	if locker == nil && cfg.Scheduler.Lock == "redis" {
		ttl := scheduler.LockTTL(schedCfg, cfg.Redis.LockTTL)
		if cfg.Redis.LockTTL > 0 && ttl != cfg.Redis.LockTTL {
			log.WithFields(logrus.Fields{"configured": cfg.Redis.LockTTL, "lock_ttl": ttl}).Warn("redis.lock_ttl is shorter than a worst-case job run; raised")
		}
		rl, err := scheduler.NewRedisLocker(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, ttl, log)
		if err != nil {
			return Engine{}, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = rl
		e.closers = append(e.closers, rl.Client)
	}
	e.Scheduler = scheduler.New(schedCfg, scheduler.Deps{Store: r, Locker: locker, Audit: ev, Now: now, Sleep: opts.JobSleep, Logger: log})

	e.Scheduler.Register(JobSyncRepositories, e.syncFactory(syncer.KindRepositories))
	e.Scheduler.Register(JobSyncIssues, e.syncFactory(syncer.KindIssues))
	e.Scheduler.Register(JobCleanupHistory, e.cleanupFactory)
	return e, nil
}

// Close waits for submitted jobs and releases the connections the engine
// opened.
func (e Engine) Close() error {
	if e.Scheduler != nil {
		e.Scheduler.Wait()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// syncFactory reads "mode", "repositories" and "triggered_by" from the
// trigger metadata.
func (e Engine) syncFactory(kind syncer.Kind) scheduler.Factory {
	return func(metadata map[string]any) (scheduler.JobFunc, error) {
		req := syncer.Request{Kind: kind}
		if m, ok := metadata["mode"].(string); ok && m != "" {
			mode := syncer.Mode(m)
			if mode != syncer.ModeFull && mode != syncer.ModeIncremental {
				return nil, fmt.Errorf("invalid mode %q: want full or incremental", m)
			}
			req.Mode = mode
		}
		repos, err := stringList(metadata["repositories"])
		if err != nil {
			return nil, err
		}
		req.Repositories = repos
		req.TriggeredBy, _ = metadata["triggered_by"].(string)
		return func(ctx context.Context) (map[string]any, error) {
			res, err := e.Syncer.Run(ctx, req)
			return syncResultMap(res), err
		}, nil
	}
}

func (e Engine) cleanupFactory(metadata map[string]any) (scheduler.JobFunc, error) {
	keep := e.Config.Scheduler.HistoryKeep
	switch v := metadata["keep"].(type) {
	case nil:
	case int:
		keep = v
	case float64:
		keep = int(v)
	default:
		return nil, fmt.Errorf("invalid keep %v", v)
	}
	if keep < 0 {
		return nil, fmt.Errorf("invalid keep %d", keep)
	}
	return func(ctx context.Context) (map[string]any, error) {
		n, err := e.Scheduler.CleanupJobHistory(ctx, keep)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": n, "keep": keep}, nil
	}, nil
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return l, nil
	case string:
		var out []string
		for _, s := range strings.Split(l, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid repositories entry %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid repositories %v", v)
	}
}

func syncResultMap(r domain.SyncResult) map[string]any {
	if r.ID == "" {
		return nil
	}
	return map[string]any{
		"import_log_id":    r.ID,
		"source":           r.Source,
		"status":           string(r.Status),
		"total_items":      r.TotalItems,
		"successful_items": r.SuccessfulItems,
		"failed_items":     r.FailedItems,
		"duration_ms":      r.DurationMs,
	}
}

func withTrigger(metadata map[string]any, triggeredBy string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["triggered_by"] = triggeredBy
	return out
}

// RunJob executes a registered job and waits for its result.
func (e Engine) RunJob(ctx context.Context, jobType, triggeredBy string, metadata map[string]any) scheduler.JobResult {
	return e.Scheduler.Run(ctx, jobType, triggeredBy, withTrigger(metadata, triggeredBy))
}

// SubmitJob starts a registered job in the background.
func (e Engine) SubmitJob(ctx context.Context, jobType, triggeredBy string, metadata map[string]any) error {
	log := e.Logger.WithFields(logrus.Fields{"job_type": jobType, "triggered_by": triggeredBy})
	return e.Scheduler.Submit(ctx, jobType, triggeredBy, withTrigger(metadata, triggeredBy), func(res scheduler.JobResult) {
		if !res.Success && res.JobID == "" {
			log.WithError(res.Err).Info("submitted job rejected")
		}
	})
}

// ScheduledJobs are triggered on every tick of RunSchedule.
func (e Engine) ScheduledJobs() []string {
	jobs := []string{JobSyncRepositories, JobSyncIssues}
	if e.Config.Scheduler.HistoryKeep > 0 {
		jobs = append(jobs, JobCleanupHistory)
	}
	return jobs
}

// RunSchedule triggers the scheduled jobs every interval until ctx is done.
// A job still running from the previous tick is skipped.
func (e Engine) RunSchedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := e.Logger.WithField("interval", interval)
	log.Info("schedule started")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("schedule stopped")
			return
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Tick submits each scheduled job once.
func (e Engine) Tick(ctx context.Context) {
	for _, job := range e.ScheduledJobs() {
		err := e.SubmitJob(ctx, job, TriggerSchedule, nil)
		switch {
		case err == nil:
		case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrConcurrencyLimit):
			e.Logger.WithField("job_type", job).WithError(err).Info("scheduled run skipped")
		default:
			e.Logger.WithField("job_type", job).WithError(err).Error("scheduled run failed to start")
		}
	}
}

// ImportProjects runs a CSV import of project records.
func (e Engine) ImportProjects(ctx context.Context, r io.Reader, opts importer.Options) (importer.Result, error) {
	if opts.MaxErrors == 0 {
		opts.MaxErrors = e.Config.Sync.MaxErrors
	}
	return e.Importer.ImportProjects(ctx, r, opts)
}

// ApplyWebhook reconciles the item carried by a GitHub webhook delivery.
func (e Engine) ApplyWebhook(ctx context.Context, event string, body []byte) (domain.SyncResult, error) {
	return e.Syncer.ApplyWebhook(ctx, event, body)
}
