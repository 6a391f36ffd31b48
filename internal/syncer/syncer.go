package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/logging"
	"dashsync/internal/reconcile"
	"dashsync/internal/remote"
	"dashsync/internal/repo"
)

type Config struct {
	Owner        string
	OwnerType    string
	Repositories []string
	DefaultMode  Mode
	MinRemaining int
	MaxErrors    int
}

type Deps struct {
	Remote     Remote
	Store      Store
	Reconciler reconcile.Reconciler
	Audit      Auditor
	Now        func() time.Time
	Logger     logrus.FieldLogger
}

// Syncer drives paginated fetches through the reconciler and writes exactly
// one import log per run.
type Syncer struct {
	cfg        Config
	remote     Remote
	store      Store
	reconciler reconcile.Reconciler
	audit      Auditor
	now        func() time.Time
	log        logrus.FieldLogger

	mu     sync.Mutex
	states map[string]State
}

func New(cfg Config, deps Deps) *Syncer {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeIncremental
	}
	return &Syncer{
		cfg:        cfg,
		remote:     deps.Remote,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		audit:      deps.Audit,
		now:        now,
		log:        logging.OrDiscard(deps.Logger).WithField("component", "syncer"),
		states:     map[string]State{},
	}
}

// State reports the state of source's current or latest run.
func (s *Syncer) State(source string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[source]; ok {
		return st
	}
	return StateIdle
}

func (s *Syncer) setState(source string, st State) {
	s.mu.Lock()
	s.states[source] = st
	s.mu.Unlock()
}

type collection struct {
	name string
	url  string
}

type run struct {
	source  string
	mode    Mode
	kind    Kind
	started time.Time
	cutoff  time.Time
	batch   *reconcile.Batch
	pages   int
	colls   int
	trigger string
}

// Run performs one synchronization. The returned error is non-nil when the
// run aborted; the result is still recorded and returned.
func (s *Syncer) Run(ctx context.Context, req Request) (domain.SyncResult, error) {
	if req.Kind != KindRepositories && req.Kind != KindIssues {
		return domain.SyncResult{}, fmt.Errorf("unknown sync kind %q", req.Kind)
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	if mode != ModeFull && mode != ModeIncremental {
		return domain.SyncResult{}, fmt.Errorf("unknown sync mode %q", mode)
	}
	r := &run{
		source:  Source(req.Kind),
		mode:    mode,
		kind:    req.Kind,
		started: s.now(),
		batch:   reconcile.NewBatch(s.cfg.MaxErrors),
		trigger: req.TriggeredBy,
	}
	log := s.log.WithFields(logrus.Fields{"source": r.source, "mode": mode})
	s.setState(r.source, StateFetching)

	if err := s.precheck(ctx); err != nil {
		return s.finish(ctx, r, err)
	}
	if mode == ModeIncremental {
		last, err := s.store.LastSuccessfulImport(ctx, r.source)
		switch {
		case err == nil:
			r.cutoff = last.Timestamp
		case !errors.Is(err, repo.ErrNotFound):
			return s.finish(ctx, r, fmt.Errorf("read cutover: %w", err))
		}
	}
	colls, err := s.collections(ctx, req, r.cutoff)
	if err != nil {
		return s.finish(ctx, r, err)
	}
	r.colls = len(colls)
	log.WithFields(logrus.Fields{"collections": len(colls), "cutoff": r.cutoff}).Info("sync started")

	for _, c := range colls {
		p := s.remote.Paginate(c.url)
		for p.Next(ctx) {
			page := p.Page()
			r.pages++
			s.setState(r.source, StateReconciling)
			for _, raw := range page.Items {
				if err := ctx.Err(); err != nil {
					return s.finish(ctx, r, err)
				}
				var res reconcile.Result
				if r.kind == KindRepositories {
					res = s.reconciler.Repository(ctx, raw, r.cutoff)
				} else {
					res = s.reconciler.Issue(ctx, raw, r.cutoff)
				}
				r.batch.Add(res)
				if res.Outcome == reconcile.Failed {
					log.WithError(res.Err).WithField("item", res.Key).Warn("item failed")
				}
			}
			s.setState(r.source, StateFetching)
		}
		if err := p.Err(); err != nil {
			r.batch.AddError(c.name, err)
			return s.finish(ctx, r, fmt.Errorf("fetch %s: %w", c.name, err))
		}
	}
	return s.finish(ctx, r, nil)
}

// precheck refuses to start when the live quota is below the threshold.
func (s *Syncer) precheck(ctx context.Context) error {
	if s.cfg.MinRemaining <= 0 {
		return nil
	}
	info, err := s.remote.RateLimit(ctx)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if info.Remaining < s.cfg.MinRemaining {
		return &remote.RateLimitError{
			Remaining: info.Remaining,
			ResetAt:   info.Reset,
			Reason:    fmt.Sprintf("%d calls left, need %d to start", info.Remaining, s.cfg.MinRemaining),
		}
	}
	return nil
}

func (s *Syncer) collections(ctx context.Context, req Request, cutoff time.Time) ([]collection, error) {
	if req.Kind == KindRepositories {
		if s.cfg.Owner == "" {
			return nil, fmt.Errorf("github.owner is not configured")
		}
		return []collection{{name: s.cfg.Owner, url: s.remote.RepositoriesURL(s.cfg.Owner, s.cfg.OwnerType)}}, nil
	}
	names := req.Repositories
	if len(names) == 0 {
		names = s.cfg.Repositories
	}
	if len(names) == 0 {
		known, err := s.store.ListProjects(ctx, "", 10000)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		for _, p := range known {
			if name := fullNameOf(p.GithubURL); name != "" {
				names = append(names, name)
			}
		}
	}
	colls := make([]collection, 0, len(names))
	for _, n := range names {
		colls = append(colls, collection{name: n, url: s.remote.IssuesURL(n, cutoff)})
	}
	return colls, nil
}

// fullNameOf turns https://github.com/owner/name into owner/name.
func fullNameOf(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return ""
	}
	parts := strings.Split(u[i+3:], "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return ""
	}
	return parts[1] + "/" + parts[2]
}

func rateLimitMeta(info domain.RateLimitInfo) map[string]any {
	meta := map[string]any{
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"used":      info.Used,
	}
	if !info.Reset.IsZero() {
		meta["reset"] = domain.FormatTime(info.Reset)
	}
	return meta
}

// finish writes the run's import log. It runs detached from ctx so an aborted
// or timed out run is still recorded.
func (s *Syncer) finish(ctx context.Context, r *run, runErr error) (domain.SyncResult, error) {
	b := r.batch
	status := domain.ImportSuccess
	state := StateCompleted
	switch {
	case runErr != nil:
		status, state = domain.ImportFailed, StateFailed
		if len(b.Errors) == 0 {
			b.AddError(r.source, runErr)
		}
	case b.Failed > 0:
		status, state = domain.ImportPartial, StatePartial
	}
	meta := b.Counts()
	meta["kind"] = string(r.kind)
	meta["mode"] = string(r.mode)
	meta["pages"] = r.pages
	meta["collections"] = r.colls
	if !r.cutoff.IsZero() {
		meta["cutoff"] = domain.FormatTime(r.cutoff)
	}
	if r.trigger != "" {
		meta["triggered_by"] = r.trigger
	}
	if info, ok := s.remote.LastRateLimit(); ok {
		meta["rate_limit"] = rateLimitMeta(info)
	}
	result := domain.SyncResult{
		ID:              uuid.NewString(),
		Source:          r.source,
		Status:          status,
		TotalItems:      b.Total,
		SuccessfulItems: b.Successful(),
		FailedItems:     b.Failed,
		Errors:          b.Errors,
		DurationMs:      s.now().Sub(r.started).Milliseconds(),
		Timestamp:       r.started,
		Metadata:        meta,
	}
	s.setState(r.source, state)

	detached := context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"source": r.source, "status": status, "total": b.Total, "failed": b.Failed, "pages": r.pages})
	if runErr != nil {
		log.WithError(runErr).Error("sync aborted")
	} else {
		log.Info("sync finished")
	}
	if err := s.store.InsertImportLog(detached, result); err != nil {
		return result, errors.Join(runErr, fmt.Errorf("record import log: %w", err))
	}
	if s.audit != nil {
		payload := map[string]any{"status": string(status), "total": b.Total, "failed": b.Failed}
		if err := s.audit.Append(detached, events.TypeSyncFinished, "import_log", result.ID, actor(r.trigger), payload); err != nil {
			log.WithError(err).Warn("audit append failed")
		}
	}
	return result, runErr
}

func actor(triggeredBy string) string {
	if triggeredBy == "" {
		return "system"
	}
	return triggeredBy
}
