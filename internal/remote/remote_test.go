package remote

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
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestClient(baseURL string, rec *sleepRecorder) *Client {
	return NewClient(Options{
		BaseURL:          baseURL,
		Token:            "tok",
		PerPage:          100,
		MaxRetries:       3,
		PageDelay:        100 * time.Millisecond,
		MaxRateLimitWait: time.Hour,
		BreakerFailures:  2,
		BreakerCooldown:  time.Minute,
		Now:              func() time.Time { return fixedNow },
		Sleep:            rec.sleep,
	})
}

func TestParseLinkHeader(t *testing.T) {
	h := `<https://api.github.com/orgs/acme/repos?page=2>; rel="next", <https://api.github.com/orgs/acme/repos?page=3>; rel="last", garbage`
	links := ParseLinkHeader(h)
	if links["next"] != "https://api.github.com/orgs/acme/repos?page=2" {
		t.Fatalf("next: %q", links["next"])
	}
	if links["last"] != "https://api.github.com/orgs/acme/repos?page=3" {
		t.Fatalf("last: %q", links["last"])
	}
	if len(links) != 2 {
		t.Fatalf("unexpected links: %v", links)
	}
	if got := ParseLinkHeader(""); len(got) != 0 {
		t.Fatalf("empty header: %v", got)
	}
}

func TestBackoffDelaysAreExponential(t *testing.T) {
	b := Backoff{MaxRetries: 3, BaseDelay: time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, remaining := range []int{3, 2, 1} {
		if got := b.Delay(remaining); got != want[i] {
			t.Fatalf("delay(%d) = %v, want %v", remaining, got, want[i])
		}
	}
}

func TestServerErrorsRetryThenFail(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	rec := &sleepRecorder{}
	c := newTestClient(srv.URL, rec)

	_, err := c.Get(context.Background(), srv.URL+"/x")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if calls != 4 || se.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got calls=%d attempts=%d", calls, se.Attempts)
	}
	got := rec.all()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("delays: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays: %v", got)
		}
	}
}

func TestServerErrorRecovers(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL, &sleepRecorder{})
	var out map[string]bool
	if err := c.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatal(err)
	}
	if !out["ok"] || calls != 2 {
		t.Fatalf("calls=%d out=%v", calls, out)
	}
}

func TestRateLimitWaitsUntilReset(t *testing.T) {
	var calls int
	reset := fixedNow.Add(5 * time.Second).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if calls == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "4999")
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()
	rec := &sleepRecorder{}
	c := newTestClient(srv.URL, rec)

	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	delays := rec.all()
	if len(delays) != 1 {
		t.Fatalf("expected a single wait, got %v", delays)
	}
	if delays[0] < 5*time.Second || delays[0] > time.Hour {
		t.Fatalf("wait %v out of bounds", delays[0])
	}
	if info, ok := c.LastRateLimit(); !ok || info.Remaining != 4999 {
		t.Fatalf("last rate limit: %+v %v", info, ok)
	}
}

func TestRateLimitBeyondCapAborts(t *testing.T) {
	var calls int
	reset := fixedNow.Add(2 * time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	rec := &sleepRecorder{}
	c := newTestClient(srv.URL, rec)

	_, err := c.Get(context.Background(), srv.URL)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !rl.ResetAt.Equal(time.Unix(reset, 0)) {
		t.Fatalf("reset at: %v", rl.ResetAt)
	}
	if calls != 1 || len(rec.all()) != 0 {
		t.Fatalf("expected no wait and no retry, calls=%d delays=%v", calls, rec.all())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL, &sleepRecorder{})
	_, err := c.Get(context.Background(), srv.URL)
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestBreakerOpensAfterExhaustedChains(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL, &sleepRecorder{})
	for i := 0; i < 2; i++ {
		if _, err := c.Get(context.Background(), srv.URL); err == nil {
			t.Fatalf("expected failure")
		}
	}
	before := calls
	_, err := c.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != before {
		t.Fatalf("open breaker must not reach the server")
	}
}

func TestPaginatorWalksAllPages(t *testing.T) {
	sizes := []int{100, 100, 37}
	var srv *httptest.Server
	var requests int
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		if page < len(sizes) {
			w.Header().Set("Link", fmt.Sprintf(`<%s/items?page=%d>; rel="next", <%s/items?page=%d>; rel="last"`, srv.URL, page+1, srv.URL, len(sizes)))
		}
		items := make([]map[string]int, sizes[page-1])
		for i := range items {
			items[i] = map[string]int{"id": (page-1)*100 + i}
		}
		json.NewEncoder(w).Encode(items)
	}))
	defer srv.Close()
	rec := &sleepRecorder{}
	c := newTestClient(srv.URL, rec)

	p := c.Paginate(srv.URL + "/items")
	total := 0
	for p.Next(context.Background()) {
		total += len(p.Page().Items)
	}
	if err := p.Err(); err != nil {
		t.Fatal(err)
	}
	if total != 237 || p.Pages() != 3 || requests != 3 {
		t.Fatalf("total=%d pages=%d requests=%d", total, p.Pages(), requests)
	}
	if p.Next(context.Background()) {
		t.Fatalf("paginator must stay finished")
	}
	if delays := rec.all(); len(delays) != 2 || delays[0] != 100*time.Millisecond {
		t.Fatalf("page delays: %v", delays)
	}
}

func TestRepositoriesAndIssuesURL(t *testing.T) {
	c := newTestClient("https://api.example.com/", &sleepRecorder{})
	if got := c.RepositoriesURL("acme", "org"); got != "https://api.example.com/orgs/acme/repos?per_page=100&type=all" {
		t.Fatalf("org url: %s", got)
	}
	if got := c.RepositoriesURL("bob", "user"); got != "https://api.example.com/users/bob/repos?per_page=100&type=owner" {
		t.Fatalf("user url: %s", got)
	}
	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := c.IssuesURL("acme/svc", since); got != "https://api.example.com/repos/acme/svc/issues?per_page=100&since=2024-01-02T03%3A04%3A05Z&state=all" {
		t.Fatalf("issues url: %s", got)
	}
}
