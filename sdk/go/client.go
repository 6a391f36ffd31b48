package dashsyncsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal dashsync HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Minute,
	}
}

// Job is a job history record.
type Job struct {
	ID              string         `json:"id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	TriggeredBy     string         `json:"triggered_by"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"max_attempts"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64         `json:"execution_time_ms,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// JobResult is returned by a synchronous run.
type JobResult struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	JobID           string         `json:"job_id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	Attempts        int            `json:"attempts"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Result          map[string]any `json:"result,omitempty"`
}

type JobStats struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	Running        int     `json:"running"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Timeout        int     `json:"timeout"`
	SuccessRate    float64 `json:"success_rate"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

type ImportLog struct {
	ID              string           `json:"id"`
	Source          string           `json:"source"`
	Status          string           `json:"status"`
	TotalItems      int              `json:"total_items"`
	SuccessfulItems int              `json:"successful_items"`
	FailedItems     int              `json:"failed_items"`
	Errors          []map[string]any `json:"errors"`
	DurationMs      int64            `json:"duration_ms"`
	Timestamp       time.Time        `json:"timestamp"`
}

// RunOptions select how a job is triggered.
type RunOptions struct {
	Mode         string
	Repositories []string
	Keep         *int
	// Wait blocks until the job has finished.
	Wait bool
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunJob triggers jobType. Without Wait the returned result only carries the
// job type and the "accepted" message.
func (c *Client) RunJob(ctx context.Context, jobType string, opts RunOptions) (JobResult, error) {
	body := map[string]any{}
	if opts.Mode != "" {
		body["mode"] = opts.Mode
	}
	if len(opts.Repositories) > 0 {
		body["repositories"] = opts.Repositories
	}
	if opts.Keep != nil {
		body["keep"] = *opts.Keep
	}
	endpoint := fmt.Sprintf("v0/jobs/%s/run", url.PathEscape(jobType))
	if opts.Wait {
		endpoint += "?wait=true"
		var resp JobResult
		err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
		return resp, err
	}
	if err := c.do(ctx, http.MethodPost, endpoint, body, nil); err != nil {
		return JobResult{}, err
	}
	return JobResult{Success: true, Message: "accepted", JobType: jobType, Status: "pending"}, nil
}

// Jobs returns job history, newest first. An empty jobType lists every type.
func (c *Client) Jobs(ctx context.Context, jobType string, limit int) ([]Job, error) {
	q := url.Values{}
	if jobType != "" {
		q.Set("job_type", jobType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/jobs", q), nil, &resp)
	return resp.Items, err
}

// RunningJobs returns pending and running records.
func (c *Client) RunningJobs(ctx context.Context) ([]Job, error) {
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/jobs/running", nil, &resp)
	return resp.Items, err
}

// Stats aggregates history since the given time; zero means all time.
func (c *Client) Stats(ctx context.Context, since time.Time) (JobStats, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	var resp JobStats
	err := c.do(ctx, http.MethodGet, withQuery("v0/jobs/stats", q), nil, &resp)
	return resp, err
}

// Cleanup trims finished history down to keep records.
func (c *Client) Cleanup(ctx context.Context, keep int) (int64, error) {
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs/cleanup", map[string]any{"keep": keep}, &resp)
	return resp.Deleted, err
}

// Imports lists import logs, optionally for one source.
func (c *Client) Imports(ctx context.Context, source string, limit int) ([]ImportLog, error) {
	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []ImportLog `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/imports", q), nil, &resp)
	return resp.Items, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
