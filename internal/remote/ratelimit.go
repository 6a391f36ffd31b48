package remote

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"dashsync/internal/domain"
)

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
	headerUsed      = "X-RateLimit-Used"
	headerRetry     = "Retry-After"
)

// ParseRateLimit reads the X-RateLimit-* headers. ok is false when the
// response carries no remaining count.
func ParseRateLimit(h http.Header) (info domain.RateLimitInfo, ok bool) {
	remaining, err := strconv.Atoi(strings.TrimSpace(h.Get(headerRemaining)))
	if err != nil {
		return info, false
	}
	info.Remaining = remaining
	info.Limit, _ = strconv.Atoi(strings.TrimSpace(h.Get(headerLimit)))
	info.Used, _ = strconv.Atoi(strings.TrimSpace(h.Get(headerUsed)))
	if reset, err := strconv.ParseInt(strings.TrimSpace(h.Get(headerReset)), 10, 64); err == nil {
		info.Reset = time.Unix(reset, 0).UTC()
	}
	return info, true
}

// rateLimitWait reports how long a rejected response asks the caller to wait.
// limited is false when the response is not a quota rejection.
func rateLimitWait(resp *http.Response, now time.Time) (wait time.Duration, resetAt time.Time, limited bool) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return 0, time.Time{}, false
	}
	if info, ok := ParseRateLimit(resp.Header); ok && info.Remaining == 0 && !info.Reset.IsZero() {
		return info.Reset.Sub(now), info.Reset, true
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get(headerRetry))); err == nil {
		d := time.Duration(secs) * time.Second
		return d, now.Add(d), true
	}
	return 0, time.Time{}, false
}
