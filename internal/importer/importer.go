package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/logging"
	"dashsync/internal/reconcile"
	"dashsync/internal/repo"
)

// Source is the import log source for CSV imports.
const Source = "csv"

// Columns is the full header accepted by ImportProjects; only name is required.
var Columns = []string{"name", "github_url", "description", "status", "language", "budget", "spent", "monthly_revenue"}

type Options struct {
	// SkipErrors counts malformed rows and continues instead of stopping at
	// the first one.
	SkipErrors bool
	MaxErrors  int
	ActorID    string
}

type Result struct {
	RecordsImported int                `json:"records_imported"`
	RecordsUpdated  int                `json:"records_updated"`
	RecordsFailed   int                `json:"records_failed"`
	Errors          []domain.ItemError `json:"errors"`
	Stopped         bool               `json:"stopped"`
	ImportLogID     string             `json:"import_log_id"`
}

// Store is the persistence the importer writes to.
type Store interface {
	FindProjectByURL(ctx context.Context, url string) (domain.Project, error)
	FindProjectByName(ctx context.Context, name string) (domain.Project, error)
	InsertProject(ctx context.Context, p domain.Project) error
	UpdateProjectManual(ctx context.Context, p domain.Project) error
	InsertImportLog(ctx context.Context, l domain.ImportLog) error
}

type Auditor interface {
	Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload map[string]any) error
}

type Importer struct {
	Store  Store
	Audit  Auditor
	Now    func() time.Time
	Logger logrus.FieldLogger
}

// row is one validated CSV line.
type row struct {
	Name           string  `validate:"required,max=200"`
	GithubURL      string  `validate:"omitempty,url"`
	Description    string  `validate:"max=5000"`
	Status         string  `validate:"oneof=active on_hold archived"`
	Language       string  `validate:"max=100"`
	Budget         float64 `validate:"gte=0"`
	Spent          float64 `validate:"gte=0"`
	MonthlyRevenue float64 `validate:"gte=0"`
}

func (im Importer) now() time.Time {
	if im.Now != nil {
		return im.Now().UTC()
	}
	return time.Now().UTC()
}

// ImportProjects reads a header row followed by project rows and upserts each
// valid row by repository URL, or by name when the URL is empty.
func (im Importer) ImportProjects(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	log := logging.OrDiscard(im.Logger).WithField("source", Source)
	started := im.now()
	res := Result{Errors: []domain.ItemError{}}
	maxErrors := opts.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 100
	}
	addErr := func(item string, err error) {
		res.RecordsFailed++
		if len(res.Errors) < maxErrors {
			res.Errors = append(res.Errors, domain.ItemError{Item: item, Error: err.Error()})
		}
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("read header: %w", err)
	}
	index, err := headerIndex(header)
	if err != nil {
		return res, err
	}

	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		item := fmt.Sprintf("line %d", line)
		if err == nil {
			var parsed row
			parsed, err = parseRow(rec, index)
			if err == nil {
				item = parsed.Name
				err = im.upsert(ctx, parsed, &res)
			}
		}
		if err != nil {
			addErr(item, err)
			log.WithError(err).WithField("line", line).Warn("row rejected")
			if !opts.SkipErrors {
				res.Stopped = true
				break
			}
		}
	}

	status := domain.ImportSuccess
	if res.RecordsFailed > 0 {
		status = domain.ImportPartial
		if res.RecordsImported+res.RecordsUpdated == 0 {
			status = domain.ImportFailed
		}
	}
	entry := domain.ImportLog{
		ID:              uuid.NewString(),
		Source:          Source,
		Status:          status,
		TotalItems:      res.RecordsImported + res.RecordsUpdated + res.RecordsFailed,
		SuccessfulItems: res.RecordsImported + res.RecordsUpdated,
		FailedItems:     res.RecordsFailed,
		Errors:          res.Errors,
		DurationMs:      im.now().Sub(started).Milliseconds(),
		Timestamp:       started,
		Metadata: map[string]any{
			"created":     res.RecordsImported,
			"updated":     res.RecordsUpdated,
			"skip_errors": opts.SkipErrors,
			"stopped":     res.Stopped,
		},
	}
	if err := im.Store.InsertImportLog(context.WithoutCancel(ctx), entry); err != nil {
		return res, fmt.Errorf("record import log: %w", err)
	}
	res.ImportLogID = entry.ID
	if im.Audit != nil {
		actor := opts.ActorID
		if actor == "" {
			actor = "system"
		}
		if err := im.Audit.Append(ctx, events.TypeImportFinished, "import_log", entry.ID, actor, map[string]any{"status": string(status)}); err != nil {
			log.WithError(err).Warn("audit append failed")
		}
	}
	log.WithFields(logrus.Fields{"created": res.RecordsImported, "updated": res.RecordsUpdated, "failed": res.RecordsFailed}).Info("csv import finished")
	return res, nil
}

func headerIndex(header []string) (map[string]int, error) {
	index := map[string]int{}
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := index["name"]; !ok {
		return nil, fmt.Errorf("header must contain a name column, got %v", header)
	}
	return index, nil
}

func parseRow(rec []string, index map[string]int) (row, error) {
	get := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	money := func(col string) (float64, error) {
		v := get(col)
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", col, v)
		}
		return f, nil
	}
	r := row{
		Name:        get("name"),
		GithubURL:   get("github_url"),
		Description: get("description"),
		Status:      get("status"),
		Language:    get("language"),
	}
	if r.Status == "" {
		r.Status = reconcile.StatusActive
	}
	var err error
	if r.Budget, err = money("budget"); err != nil {
		return r, err
	}
	if r.Spent, err = money("spent"); err != nil {
		return r, err
	}
	if r.MonthlyRevenue, err = money("monthly_revenue"); err != nil {
		return r, err
	}
	if err := reconcile.Validate(r); err != nil {
		return r, fmt.Errorf("invalid row: %w", err)
	}
	if r.GithubURL != "" {
		r.GithubURL = reconcile.CanonicalURL(r.GithubURL)
	}
	return r, nil
}

func (im Importer) upsert(ctx context.Context, r row, res *Result) error {
	var (
		existing domain.Project
		err      error
		key      = r.GithubURL
	)
	if key != "" {
		existing, err = im.Store.FindProjectByURL(ctx, key)
	} else {
		key = "name:" + r.Name
		existing, err = im.Store.FindProjectByName(ctx, r.Name)
	}
	now := im.now()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		p := domain.Project{
			ID:             reconcile.RecordID(key),
			Name:           r.Name,
			GithubURL:      r.GithubURL,
			Description:    r.Description,
			Status:         r.Status,
			Language:       r.Language,
			Tags:           reconcile.Tags(r.Language, nil, 10),
			Complexity:     reconcile.Complexity(r.Language, 0),
			Budget:         r.Budget,
			Spent:          r.Spent,
			MonthlyRevenue: r.MonthlyRevenue,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := im.Store.InsertProject(ctx, p); err != nil {
			return &reconcile.PersistenceError{Key: key, Op: "insert project", Err: err}
		}
		res.RecordsImported++
		return nil
	case err != nil:
		return &reconcile.PersistenceError{Key: key, Op: "find project", Err: err}
	}
	existing.Name = r.Name
	if r.GithubURL != "" {
		existing.GithubURL = r.GithubURL
	}
	existing.Description = r.Description
	existing.Status = r.Status
	existing.Language = r.Language
	existing.Budget = r.Budget
	existing.Spent = r.Spent
	existing.MonthlyRevenue = r.MonthlyRevenue
	existing.UpdatedAt = now
	if err := im.Store.UpdateProjectManual(ctx, existing); err != nil {
		return &reconcile.PersistenceError{Key: key, Op: "update project", Err: err}
	}
	res.RecordsUpdated++
	return nil
}
