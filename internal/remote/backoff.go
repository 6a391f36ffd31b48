package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"dashsync/internal/logging"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff retries one request chain. Server errors and network failures are
// retried MaxRetries times with exponential delays; quota rejections are
// waited out when the reset lies within MaxRateLimitWait.
type Backoff struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxRateLimitWait  time.Duration
	MaxRateLimitWaits int
	Now               func() time.Time
	Sleep             Sleeper
	Logger            logrus.FieldLogger
}

// DefaultBackoff returns the controller used when nothing is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxRateLimitWait:  time.Hour,
		MaxRateLimitWaits: 3,
	}
}

// Delay returns the wait before the retry made when remaining retries are
// left: BaseDelay × 2^(MaxRetries-remaining).
func (b Backoff) Delay(remaining int) time.Duration {
	n := b.MaxRetries - remaining
	if n < 0 {
		n = 0
	}
	return b.BaseDelay << uint(n)
}

// Do issues send until it yields a usable response or the budget is spent.
// The returned response has a 2xx or 3xx status; failures are typed errors.
func (b Backoff) Do(ctx context.Context, url string, send func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	now := b.Now
	if now == nil {
		now = time.Now
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	log := logging.OrDiscard(b.Logger).WithField("url", url)

	remaining := b.MaxRetries
	rateLimitWaits := 0
	for attempt := 1; ; attempt++ {
		resp, err := send(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("request %s: %w", url, ctxErr)
			}
			if remaining <= 0 {
				return nil, &TransientError{URL: url, Attempts: attempt, Err: err}
			}
			delay := b.Delay(remaining)
			log.WithError(err).WithField("delay", delay).Warn("request failed, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("request %s: %w", url, err)
			}
			remaining--
			continue
		}

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			body := drain(resp)
			if remaining <= 0 {
				return nil, &ServerError{URL: url, StatusCode: resp.StatusCode, Attempts: attempt, Body: body}
			}
			delay := b.Delay(remaining)
			log.WithFields(logrus.Fields{"status": resp.StatusCode, "delay": delay}).Warn("server error, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("request %s: %w", url, err)
			}
			remaining--
			continue
		case resp.StatusCode >= http.StatusBadRequest:
			wait, resetAt, limited := rateLimitWait(resp, now())
			body := drain(resp)
			if !limited {
				return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode, Body: body}
			}
			if wait <= 0 || wait > b.MaxRateLimitWait {
				return nil, &RateLimitError{ResetAt: resetAt, Reason: fmt.Sprintf("reset in %s is outside (0, %s]", wait.Round(time.Second), b.MaxRateLimitWait)}
			}
			if rateLimitWaits >= b.MaxRateLimitWaits {
				return nil, &RateLimitError{ResetAt: resetAt, Reason: fmt.Sprintf("still limited after %d waits", rateLimitWaits)}
			}
			rateLimitWaits++
			log.WithFields(logrus.Fields{"wait": wait + time.Second, "reset": resetAt}).Warn("rate limited, waiting for reset")
			if err := sleep(ctx, wait+time.Second); err != nil {
				return nil, fmt.Errorf("request %s: %w", url, err)
			}
			continue
		}
		return resp, nil
	}
}

// drain reads at most 4KiB of the body for error reporting and closes it.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(data)
}
