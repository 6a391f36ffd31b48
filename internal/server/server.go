package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dashsync/internal/domain"
	"dashsync/internal/engine"
	"dashsync/internal/importer"
	"dashsync/internal/logging"
	"dashsync/internal/migrate"
	"dashsync/internal/remote"
	"dashsync/internal/repo"
	"dashsync/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine        engine.Engine
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_running"`
	Message string         `json:"message" example:"sync-repositories: job already running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"job_type\":\"sync-repositories\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dashsync API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Scheduler == nil {
		return nil, errors.New("server: engine is not wired")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logging.OrDiscard(cfg.Engine.Logger)
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("dashsync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerImports(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerRateLimit(group, cfg.Engine)
	registerWebhook(router, basePath, cfg.Engine, cfg.WebhookSecret)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var rle *remote.RateLimitError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, scheduler.ErrUnknownJob):
		return newAPIError(http.StatusNotFound, "unknown_job", err.Error(), nil)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	case errors.Is(err, scheduler.ErrConcurrencyLimit):
		return newAPIError(http.StatusTooManyRequests, "concurrency_limit", err.Error(), nil)
	case errors.As(err, &rle):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{"reset_at": rle.ResetAt})
	case errors.Is(err, remote.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>dashsync API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (see dashsync token).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		status := "ok"
		if err := e.DB.PingContext(ctx); err != nil {
			status = "degraded"
		}
		version, err := migrate.Version(ctx, e.DB)
		if err != nil || version < migrate.Latest() {
			status = "degraded"
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"status": status, "schema_version": version, "job_types": e.Scheduler.JobTypes()}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_type}/run",
		Summary:     "Trigger a job",
		Description: "Starts the job in the background and answers 202, or waits for the final result with wait=true.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		JobType string         `path:"job_type"`
		Wait    bool           `query:"wait"`
		Body    *RunJobRequest `json:"body" required:"false"`
	}) (*struct {
		Status int
		Body   any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		meta := map[string]any{"actor_id": actorID}
		if b := input.Body; b != nil {
			if b.Mode != "" {
				meta["mode"] = b.Mode
			}
			if len(b.Repositories) > 0 {
				meta["repositories"] = b.Repositories
			}
			if b.Keep != nil {
				meta["keep"] = *b.Keep
			}
		}
		if !input.Wait {
			if err := e.SubmitJob(ctx, input.JobType, engine.TriggerAPI, meta); err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Status int
				Body   any `json:"body"`
			}{Status: http.StatusAccepted, Body: JobAcceptedResponse{Accepted: true, JobType: input.JobType, TriggeredBy: engine.TriggerAPI}}, nil
		}
		res := e.RunJob(ctx, input.JobType, engine.TriggerAPI, meta)
		if res.JobID == "" && res.Err != nil {
			return nil, handleError(res.Err)
		}
		return &struct {
			Status int
			Body   any `json:"body"`
		}{Status: http.StatusOK, Body: jobResultResponse(input.JobType, res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "Job history, newest first",
	}, func(ctx context.Context, input *struct {
		JobType string `query:"job_type"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		items, err := e.Scheduler.GetJobHistory(ctx, input.JobType, normalizeLimit(input.Limit, 50, 500))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "running-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/running",
		Summary:     "Pending and running jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		items, err := e.Scheduler.GetRunningJobs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-stats",
		Method:      http.MethodGet,
		Path:        "/jobs/stats",
		Summary:     "Aggregate job statistics",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Since string `query:"since" doc:"RFC3339 lower bound on started_at"`
	}) (*struct {
		Body domain.JobStats `json:"body"`
	}, error) {
		var since time.Time
		if input.Since != "" {
			t, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			since = t
		}
		st, err := e.Scheduler.GetJobStats(ctx, since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobStats `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.JobRecord `json:"body"`
	}, error) {
		rec, err := e.Repo.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/cleanup",
		Summary:     "Trim finished job history",
	}, func(ctx context.Context, input *struct {
		Body *CleanupRequest `json:"body" required:"false"`
	}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		keep := e.Config.Scheduler.HistoryKeep
		if input.Body != nil && input.Body.Keep != nil {
			keep = *input.Body.Keep
		}
		n, err := e.Scheduler.CleanupJobHistory(ctx, keep)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: CleanupResponse{Deleted: n, Keep: keep}}, nil
	})
}

func registerImports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-imports",
		Method:      http.MethodGet,
		Path:        "/imports",
		Summary:     "Import and sync run logs, newest first",
	}, func(ctx context.Context, input *struct {
		Source string `query:"source"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedImports `json:"body"`
	}, error) {
		items, err := e.Repo.ListImportLogs(ctx, input.Source, normalizeLimit(input.Limit, 50, 500))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedImports `json:"body"`
		}{Body: paginatedImports{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-projects-csv",
		Method:      http.MethodPost,
		Path:        "/imports/projects",
		Summary:     "Import project records from CSV",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SkipErrors bool `query:"skip_errors"`
		RawBody    []byte
	}) (*struct {
		Body CSVImportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "csv body required", nil)
		}
		res, err := e.ImportProjects(ctx, bytes.NewReader(input.RawBody), importer.Options{SkipErrors: input.SkipErrors, ActorID: actorID})
		if err != nil && res.ImportLogID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body CSVImportResponse `json:"body"`
		}{Body: CSVImportResponse{
			RecordsImported: res.RecordsImported,
			RecordsUpdated:  res.RecordsUpdated,
			RecordsFailed:   res.RecordsFailed,
			Stopped:         res.Stopped,
			ImportLogID:     res.ImportLogID,
			Errors:          nonNilSlice(res.Errors),
		}}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"active, on_hold or archived"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.Status, normalizeLimit(input.Limit, 100, 1000))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: paginatedProjects{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bugs",
		Method:      http.MethodGet,
		Path:        "/bugs",
		Summary:     "List bugs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Severity  string `query:"severity"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedBugs `json:"body"`
	}, error) {
		items, err := e.Repo.ListBugs(ctx, repo.BugFilter{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Severity:  input.Severity,
			Limit:     normalizeLimit(input.Limit, 100, 1000),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedBugs `json:"body"`
		}{Body: paginatedBugs{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit log, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		items, err := e.Repo.ListAuditEvents(ctx, normalizeLimit(input.Limit, 50, 500))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: paginatedAudit{Items: nonNilSlice(items)}}, nil
	})
}

func registerRateLimit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rate-limit",
		Method:      http.MethodGet,
		Path:        "/ratelimit",
		Summary:     "GitHub quota",
		Description: "Returns the quota seen on the last API response, or queries it live with live=true.",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Live bool `query:"live"`
	}) (*struct {
		Body RateLimitResponse `json:"body"`
	}, error) {
		if input.Live {
			info, err := e.Remote.RateLimit(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RateLimitResponse `json:"body"`
			}{Body: RateLimitResponse{Live: true, Limit: info}}, nil
		}
		info, ok := e.Remote.LastRateLimit()
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no rate limit observed yet; use live=true", nil)
		}
		return &struct {
			Body RateLimitResponse `json:"body"`
		}{Body: RateLimitResponse{Limit: info}}, nil
	})
}
