package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/logging"
	"dashsync/internal/repo"
)

// JobFunc is one unit of work. It must honour ctx: the context is cancelled
// when the attempt times out.
type JobFunc func(ctx context.Context) (map[string]any, error)

// Factory builds a job function from trigger metadata.
type Factory func(metadata map[string]any) (JobFunc, error)

// JobResult is the outcome of ExecuteJob. Failures are reported here, never
// as errors or panics.
type JobResult struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message"`
	JobID         string           `json:"job_id,omitempty"`
	Status        domain.JobStatus `json:"status,omitempty"`
	Attempts      int              `json:"attempts"`
	Result        map[string]any   `json:"result,omitempty"`
	ExecutionTime time.Duration    `json:"execution_time"`
	Err           error            `json:"-"`
}

// Store is the job history the scheduler writes.
type Store interface {
	CreateJob(ctx context.Context, j domain.JobRecord) error
	UpdateJob(ctx context.Context, j domain.JobRecord) error
	ReclaimJob(ctx context.Context, id, message string, at time.Time) (bool, error)
	ActiveJob(ctx context.Context, jobType string) (domain.JobRecord, error)
	ListJobs(ctx context.Context, jobType string, limit int) ([]domain.JobRecord, error)
	ListRunningJobs(ctx context.Context) ([]domain.JobRecord, error)
	JobStats(ctx context.Context, since time.Time) (domain.JobStats, error)
	TrimJobs(ctx context.Context, keep int) (int64, error)
}

// Auditor records job outcomes in the audit log.
type Auditor interface {
	Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload map[string]any) error
}

type Config struct {
	MaxConcurrent  int
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryBaseDelay time.Duration
	StatsTTL       time.Duration
	StatsSize      int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 9 * time.Minute
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = 5 * time.Minute
	}
	if c.StatsSize <= 0 {
		c.StatsSize = 64
	}
	return c
}

// WorstCaseRun is the longest a single ExecuteJob can hold its lock: every
// attempt timing out plus the linear backoff between them.
func (c Config) WorstCaseRun() time.Duration {
	c = c.withDefaults()
	total := time.Duration(c.MaxAttempts) * c.AttemptTimeout
	for i := 1; i < c.MaxAttempts; i++ {
		total += c.RetryBaseDelay * time.Duration(i)
	}
	return total
}

// lockMargin covers persisting the final record after the last attempt.
const lockMargin = time.Minute

// LockTTL returns configured unless it is shorter than a worst-case run of
// c, in which case the run's length plus a margin is used.
func LockTTL(c Config, configured time.Duration) time.Duration {
	if floor := c.WorstCaseRun() + lockMargin; configured < floor {
		return floor
	}
	return configured
}

type Deps struct {
	Store  Store
	Locker Locker
	Audit  Auditor
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger logrus.FieldLogger
}

// Scheduler runs named jobs with deduplication, a concurrency cap, retries,
// per-attempt timeouts and durable history. One instance is shared by every
// trigger in the process.
type Scheduler struct {
	cfg    Config
	store  Store
	locker Locker
	audit  Auditor
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	log    logrus.FieldLogger
	stats  *expirable.LRU[string, domain.JobStats]

	mu       sync.Mutex
	inFlight map[string]struct{}
	registry map[string]Factory
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		locker:   deps.Locker,
		audit:    deps.Audit,
		now:      now,
		sleep:    sleep,
		log:      logging.OrDiscard(deps.Logger).WithField("component", "scheduler"),
		stats:    expirable.NewLRU[string, domain.JobStats](cfg.StatsSize, nil, cfg.StatsTTL),
		inFlight: map[string]struct{}{},
		registry: map[string]Factory{},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register binds a job type to its factory.
func (s *Scheduler) Register(jobType string, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[jobType] = f
}

// JobTypes lists registered job types in name order.
func (s *Scheduler) JobTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.registry))
	for n := range s.registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) resolve(jobType string, metadata map[string]any) (JobFunc, error) {
	s.mu.Lock()
	f, ok := s.registry[jobType]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	return f(metadata)
}

// IsRunning reports whether this process currently runs jobType.
func (s *Scheduler) IsRunning(jobType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[jobType]
	return ok
}

// reserve claims the in-process slot for jobType.
func (s *Scheduler) reserve(jobType string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inFlight) >= s.cfg.MaxConcurrent {
		return nil, ErrConcurrencyLimit
	}
	if _, ok := s.inFlight[jobType]; ok {
		return nil, ErrAlreadyRunning
	}
	s.inFlight[jobType] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, jobType)
		s.mu.Unlock()
	}, nil
}

func rejected(jobType string, err error) JobResult {
	return JobResult{Message: fmt.Sprintf("%s: %v", jobType, err), Err: err}
}

// ExecuteJob runs fn as jobType and blocks until it has finished.
func (s *Scheduler) ExecuteJob(ctx context.Context, jobType string, fn JobFunc, triggeredBy string, metadata map[string]any) JobResult {
	release, err := s.reserve(jobType)
	if err != nil {
		s.log.WithField("job_type", jobType).WithError(err).Warn("job rejected")
		return rejected(jobType, err)
	}
	defer release()
	return s.execute(ctx, jobType, fn, triggeredBy, metadata)
}

// Run resolves jobType from the registry and executes it.
func (s *Scheduler) Run(ctx context.Context, jobType, triggeredBy string, metadata map[string]any) JobResult {
	fn, err := s.resolve(jobType, metadata)
	if err != nil {
		return rejected(jobType, err)
	}
	return s.ExecuteJob(ctx, jobType, fn, triggeredBy, metadata)
}

// Submit reserves jobType and runs it in the background. Rejections by the
// in-process checks are returned immediately; done, when set, receives the
// final result.
func (s *Scheduler) Submit(ctx context.Context, jobType, triggeredBy string, metadata map[string]any, done func(JobResult)) error {
	fn, err := s.resolve(jobType, metadata)
	if err != nil {
		return err
	}
	release, err := s.reserve(jobType)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		res := s.execute(context.WithoutCancel(ctx), jobType, fn, triggeredBy, metadata)
		if done != nil {
			done(res)
		}
	}()
	return nil
}

// Wait blocks until every submitted job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, jobType string, fn JobFunc, triggeredBy string, metadata map[string]any) JobResult {
	log := s.log.WithFields(logrus.Fields{"job_type": jobType, "triggered_by": triggeredBy})

	if err := s.reclaimStale(ctx, jobType, log); err != nil {
		if !errors.Is(err, ErrAlreadyRunning) {
			log.WithError(err).Error("check running job failed")
		}
		return rejected(jobType, err)
	}
	if s.locker != nil {
		unlock, ok, err := s.locker.Acquire(ctx, jobType)
		if err != nil {
			log.WithError(err).Error("acquire lock failed")
			return rejected(jobType, fmt.Errorf("acquire lock: %w", err))
		}
		if !ok {
			return rejected(jobType, fmt.Errorf("%w on another instance", ErrAlreadyRunning))
		}
		defer unlock()
	}

	started := s.now()
	rec := domain.JobRecord{
		ID:          uuid.NewString(),
		JobType:     jobType,
		Status:      domain.JobPending,
		TriggeredBy: triggeredBy,
		Attempt:     1,
		MaxAttempts: s.cfg.MaxAttempts,
		StartedAt:   started,
		Metadata:    metadata,
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return rejected(jobType, ErrAlreadyRunning)
		}
		log.WithError(err).Error("create job record failed")
		return rejected(jobType, fmt.Errorf("create job record: %w", err))
	}
	log = log.WithField("job_id", rec.ID)
	defer s.stats.Purge()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		rec.Status = domain.JobRunning
		rec.Attempt = attempt
		if err := s.store.UpdateJob(ctx, rec); err != nil {
			if errors.Is(err, repo.ErrFinalized) {
				return s.superseded(rec, log)
			}
			log.WithError(err).Error("mark running failed")
		}
		alog := log.WithField("attempt", attempt)
		alog.Info("job attempt started")

		result, err := s.runAttempt(ctx, fn)
		if err == nil {
			return s.complete(ctx, rec, result, alog)
		}
		lastErr = err
		alog.WithError(err).Warn("job attempt failed")
		if attempt == s.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, s.cfg.RetryBaseDelay*time.Duration(attempt)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	return s.fail(ctx, rec, lastErr, log)
}

// reclaimStale rejects when a fresh active record exists and marks a stale one
// as timed out.
func (s *Scheduler) reclaimStale(ctx context.Context, jobType string, log logrus.FieldLogger) error {
	active, err := s.store.ActiveJob(ctx, jobType)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	age := s.now().Sub(active.StartedAt)
	if age < s.cfg.AttemptTimeout {
		return fmt.Errorf("%w (job %s started %s ago)", ErrAlreadyRunning, active.ID, age.Round(time.Second))
	}
	ok, err := s.store.ReclaimJob(ctx, active.ID, "reclaimed stale run", s.now())
	if err != nil {
		return err
	}
	if ok {
		log.WithFields(logrus.Fields{"job_id": active.ID, "age": age.Round(time.Second)}).Warn("reclaimed stale job")
		s.appendAudit(ctx, events.TypeJobReclaimed, active.ID, "scheduler", map[string]any{"job_type": jobType, "age_ms": age.Milliseconds()})
	}
	return nil
}

// runAttempt runs fn under the attempt timeout. The context handed to fn is
// cancelled on timeout; a function that ignores it is abandoned.
func (s *Scheduler) runAttempt(ctx context.Context, fn JobFunc) (map[string]any, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		result, err := fn(actx)
		done <- outcome{result: result, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
	}
	select {
	case o := <-done:
		if o.err != nil && timedOut() {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, s.cfg.AttemptTimeout, o.err)
		}
		return o.result, o.err
	case <-actx.Done():
		if timedOut() {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, s.cfg.AttemptTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Scheduler) complete(ctx context.Context, rec domain.JobRecord, result map[string]any, log logrus.FieldLogger) JobResult {
	finished := s.now()
	elapsed := finished.Sub(rec.StartedAt)
	ms := elapsed.Milliseconds()
	rec.Status = domain.JobCompleted
	rec.CompletedAt = &finished
	rec.ExecutionTimeMs = &ms
	rec.Result = result
	store := context.WithoutCancel(ctx)
	if err := s.store.UpdateJob(store, rec); err != nil {
		if errors.Is(err, repo.ErrFinalized) {
			return s.superseded(rec, log)
		}
		log.WithError(err).Error("persist completed job failed")
	}
	log.WithField("execution_ms", ms).Info("job completed")
	s.appendAudit(store, events.TypeJobCompleted, rec.ID, rec.TriggeredBy, map[string]any{"job_type": rec.JobType, "attempt": rec.Attempt})
	return JobResult{
		Success:       true,
		Message:       fmt.Sprintf("%s completed on attempt %d", rec.JobType, rec.Attempt),
		JobID:         rec.ID,
		Status:        domain.JobCompleted,
		Attempts:      rec.Attempt,
		Result:        result,
		ExecutionTime: elapsed,
	}
}

func (s *Scheduler) fail(ctx context.Context, rec domain.JobRecord, err error, log logrus.FieldLogger) JobResult {
	finished := s.now()
	elapsed := finished.Sub(rec.StartedAt)
	ms := elapsed.Milliseconds()
	rec.Status = domain.JobFailed
	if errors.Is(err, ErrTimeout) {
		rec.Status = domain.JobTimeout
	}
	rec.CompletedAt = &finished
	rec.ExecutionTimeMs = &ms
	rec.ErrorMessage = err.Error()
	rec.ErrorStack = errorStack(err)
	store := context.WithoutCancel(ctx)
	if uerr := s.store.UpdateJob(store, rec); uerr != nil {
		if errors.Is(uerr, repo.ErrFinalized) {
			return s.superseded(rec, log)
		}
		log.WithError(uerr).Error("persist failed job failed")
	}
	log.WithError(err).WithField("status", rec.Status).Error("job failed")
	s.appendAudit(store, events.TypeJobFailed, rec.ID, rec.TriggeredBy, map[string]any{"job_type": rec.JobType, "attempt": rec.Attempt, "status": string(rec.Status), "error": rec.ErrorMessage})
	return JobResult{
		Message:       fmt.Sprintf("%s %s after %d attempts: %v", rec.JobType, rec.Status, rec.Attempt, err),
		JobID:         rec.ID,
		Status:        rec.Status,
		Attempts:      rec.Attempt,
		ExecutionTime: elapsed,
		Err:           err,
	}
}

// superseded stops a run whose record was finalized elsewhere. The stored
// record is left as it is and no further attempts are made.
func (s *Scheduler) superseded(rec domain.JobRecord, log logrus.FieldLogger) JobResult {
	log.WithField("attempt", rec.Attempt).Warn("job record finalized elsewhere; abandoning run")
	return JobResult{
		Message:       fmt.Sprintf("%s: %v", rec.JobType, ErrSuperseded),
		JobID:         rec.ID,
		Attempts:      rec.Attempt,
		ExecutionTime: s.now().Sub(rec.StartedAt),
		Err:           ErrSuperseded,
	}
}

func (s *Scheduler) appendAudit(ctx context.Context, evtType, jobID, actorID string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
	}
	if err := s.audit.Append(ctx, evtType, "job", jobID, actorID, payload); err != nil {
		s.log.WithError(err).Warn("audit append failed")
	}
}

// GetJobHistory returns records newest first; an empty jobType lists all.
func (s *Scheduler) GetJobHistory(ctx context.Context, jobType string, limit int) ([]domain.JobRecord, error) {
	return s.store.ListJobs(ctx, jobType, limit)
}

// GetRunningJobs returns pending and running records.
func (s *Scheduler) GetRunningJobs(ctx context.Context) ([]domain.JobRecord, error) {
	return s.store.ListRunningJobs(ctx)
}

// GetJobStats aggregates history since the given time (zero for all time).
// Results are cached until the TTL expires or a job finishes.
func (s *Scheduler) GetJobStats(ctx context.Context, since time.Time) (domain.JobStats, error) {
	key := "all"
	if !since.IsZero() {
		key = domain.FormatTime(since)
	}
	if st, ok := s.stats.Get(key); ok {
		return st, nil
	}
	st, err := s.store.JobStats(ctx, since)
	if err != nil {
		return st, err
	}
	s.stats.Add(key, st)
	return st, nil
}

// CleanupJobHistory keeps the newest keepLast finished records.
func (s *Scheduler) CleanupJobHistory(ctx context.Context, keepLast int) (int64, error) {
	n, err := s.store.TrimJobs(ctx, keepLast)
	if err != nil {
		return 0, err
	}
	s.stats.Purge()
	s.log.WithFields(logrus.Fields{"deleted": n, "keep": keepLast}).Info("job history trimmed")
	return n, nil
}
