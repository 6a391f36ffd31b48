package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"dashsync/internal/config"
	"dashsync/internal/domain"
	"dashsync/internal/logging"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("github api unavailable")

type Options struct {
	BaseURL          string
	Token            string
	PerPage          int
	MaxRetries       int
	RetryBaseDelay   time.Duration
	PageDelay        time.Duration
	MaxRateLimitWait time.Duration
	RequestTimeout   time.Duration
	BreakerFailures  int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
	Logger           logrus.FieldLogger
	Now              func() time.Time
	Sleep            Sleeper
}

// OptionsFromConfig maps the github config section onto client options.
func OptionsFromConfig(c config.GitHub) Options {
	return Options{
		BaseURL:          c.BaseURL,
		Token:            c.Token,
		PerPage:          c.PerPage,
		MaxRetries:       c.MaxRetries,
		RetryBaseDelay:   time.Second,
		PageDelay:        c.PageDelay,
		MaxRateLimitWait: c.MaxRateLimitWait,
		RequestTimeout:   c.RequestTimeout,
		BreakerFailures:  c.BreakerFailures,
		BreakerCooldown:  c.BreakerCooldown,
	}
}

// Client talks to the GitHub REST API. Every request chain runs through the
// backoff controller inside a circuit breaker.
type Client struct {
	baseURL   string
	token     string
	perPage   int
	pageDelay time.Duration
	http      *http.Client
	backoff   Backoff
	breaker   *gobreaker.CircuitBreaker
	log       logrus.FieldLogger
	sleep     Sleeper

	mu   sync.Mutex
	last domain.RateLimitInfo
	seen bool
}

func NewClient(opts Options) *Client {
	log := logging.OrDiscard(opts.Logger).WithField("component", "github")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	bo := DefaultBackoff()
	bo.MaxRetries = opts.MaxRetries
	if opts.RetryBaseDelay > 0 {
		bo.BaseDelay = opts.RetryBaseDelay
	}
	if opts.MaxRateLimitWait > 0 {
		bo.MaxRateLimitWait = opts.MaxRateLimitWait
	}
	bo.Now = opts.Now
	bo.Sleep = sleep
	bo.Logger = log

	failures := opts.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		perPage:   perPage,
		pageDelay: opts.PageDelay,
		http:      httpClient,
		backoff:   bo,
		breaker:   cb,
		log:       log,
		sleep:     sleep,
	}
}

// countsAsSuccess keeps quota rejections, client errors and cancellations
// from tripping the breaker; only exhausted server or network chains do.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var rl *RateLimitError
	var he *HTTPError
	return errors.As(err, &rl) || errors.As(err, &he) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Get issues a GET with retries. The caller closes the response body.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.backoff.Do(ctx, rawURL, func(ctx context.Context) (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			c.observe(resp.Header)
			return resp, nil
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// GetJSON fetches rawURL and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

func (c *Client) observe(h http.Header) {
	info, ok := ParseRateLimit(h)
	if !ok {
		return
	}
	c.mu.Lock()
	if info.Reset.IsZero() && c.seen {
		info.Reset = c.last.Reset
	}
	c.last, c.seen = info, true
	c.mu.Unlock()
}

// LastRateLimit returns the quota seen on the most recent response.
func (c *Client) LastRateLimit() (domain.RateLimitInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.seen
}

type rateLimitBody struct {
	Resources struct {
		Core struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
			Used      int   `json:"used"`
		} `json:"core"`
	} `json:"resources"`
}

// RateLimit queries the live core quota. The call itself does not count
// against the quota.
func (c *Client) RateLimit(ctx context.Context) (domain.RateLimitInfo, error) {
	var body rateLimitBody
	if err := c.GetJSON(ctx, c.URL("/rate_limit", nil), &body); err != nil {
		return domain.RateLimitInfo{}, err
	}
	core := body.Resources.Core
	info := domain.RateLimitInfo{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Used:      core.Used,
	}
	if core.Reset > 0 {
		info.Reset = time.Unix(core.Reset, 0).UTC()
	}
	c.mu.Lock()
	c.last, c.seen = info, true
	c.mu.Unlock()
	return info, nil
}

// URL joins path and query onto the API base URL.
func (c *Client) URL(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// RepositoriesURL lists every repository of an org or user.
func (c *Client) RepositoriesURL(owner, ownerType string) string {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.perPage))
	if ownerType == "user" {
		q.Set("type", "owner")
		return c.URL("/users/"+url.PathEscape(owner)+"/repos", q)
	}
	q.Set("type", "all")
	return c.URL("/orgs/"+url.PathEscape(owner)+"/repos", q)
}

// IssuesURL lists issues of owner/name in every state, updated at or after
// since when it is set.
func (c *Client) IssuesURL(fullName string, since time.Time) string {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("per_page", strconv.Itoa(c.perPage))
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	owner, name, _ := strings.Cut(fullName, "/")
	return c.URL("/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name)+"/issues", q)
}

// Paginate walks a list endpoint starting at startURL.
func (c *Client) Paginate(startURL string) *Paginator {
	return &Paginator{client: c, next: startURL}
}
