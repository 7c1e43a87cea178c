// Package retry implements the shared outbound call policy: bounded
// retries with exponential backoff and jitter on transient failures,
// layered under a per-provider circuit breaker so a provider in
// sustained failure fails fast to the DLQ instead of paying out a
// full retry budget per event.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
)

const (
	maxAttempts  = 5
	baseDelay    = 250 * time.Millisecond
	backoffCap   = 8 * time.Second
	jitterFrac   = 0.20
)

// Client is an outbound HTTP client for one provider, combining
// retryablehttp's retry loop with a gobreaker circuit breaker.
type Client struct {
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a retrying, breaker-protected client named
// providerName (used as the breaker's identity in its state-change
// logs and in metrics labels).
func NewClient(providerName string, base *http.Client) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = maxAttempts
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.Backoff = exponentialJitterBackoff

	cbSettings := gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		http:    rc,
		breaker: gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// errTerminalStatus signals to the breaker that the response left
// after retryablehttp exhausted RetryMax attempts was still a
// terminal 5xx, so ConsecutiveFailures counts it. Do unwraps it
// before returning, so callers keep seeing (resp, nil) for it exactly
// as before; only the breaker's bookkeeping changes.
type errTerminalStatus struct {
	statusCode int
}

func (e *errTerminalStatus) Error() string {
	return fmt.Sprintf("retry: terminal upstream status %d", e.statusCode)
}

// Do executes req through the breaker and retry policy. If the
// breaker is open, it returns gobreaker.ErrOpenState immediately
// without attempting the network call.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		rreq, err := retryablehttp.FromRequest(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(rreq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 && resp.StatusCode != 501 && resp.StatusCode != 505 {
			// retryablehttp already retried terminal 5xx up to RetryMax;
			// surfacing it as an error here lets the breaker count it.
			return resp, &errTerminalStatus{statusCode: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		var terminal *errTerminalStatus
		if errors.As(err, &terminal) && result != nil {
			return result.(*http.Response), nil
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// checkRetry retries on network errors and HTTP 408/429/5xx except
// 501/505; everything else is terminal.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true, nil
	case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// exponentialJitterBackoff implements base=250ms factor=2 jitter=±20%
// capped at 8s, honoring a Retry-After header when the provider sends
// one: its value is used as the wait, capped at backoffCap like the
// computed delay.
func exponentialJitterBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil && secs > 0 {
				if secs > backoffCap {
					return backoffCap
				}
				return secs
			}
		}
	}
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attemptNum)))
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := (rand.Float64()*2 - 1) * jitterFrac * float64(delay)
	delay = delay + time.Duration(jitter)
	if delay < 0 {
		delay = baseDelay
	}
	return delay
}
