package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func TestCheckRetry_RetriesOnNetworkError(t *testing.T) {
	retry, err := checkRetry(context.Background(), nil, errors.New("dial tcp: connection refused"))
	require.NoError(t, err)
	require.True(t, retry)
}

func TestCheckRetry_RetriesOn408And429(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		retry, err := checkRetry(context.Background(), &http.Response{StatusCode: code}, nil)
		require.NoError(t, err)
		require.True(t, retry, "status %d should retry", code)
	}
}

func TestCheckRetry_RetriesOn5xxExceptNotImplementedAndHTTPVersion(t *testing.T) {
	retry, err := checkRetry(context.Background(), &http.Response{StatusCode: http.StatusInternalServerError}, nil)
	require.NoError(t, err)
	require.True(t, retry)

	for _, code := range []int{http.StatusNotImplemented, http.StatusHTTPVersionNotSupported} {
		retry, err := checkRetry(context.Background(), &http.Response{StatusCode: code}, nil)
		require.NoError(t, err)
		require.False(t, retry, "status %d should not retry", code)
	}
}

func TestCheckRetry_DoesNotRetryOnSuccessOrClientError(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusCreated, http.StatusBadRequest, http.StatusNotFound} {
		retry, err := checkRetry(context.Background(), &http.Response{StatusCode: code}, nil)
		require.NoError(t, err)
		require.False(t, retry, "status %d should not retry", code)
	}
}

func TestCheckRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := checkRetry(ctx, nil, nil)
	require.Error(t, err)
}

func TestExponentialJitterBackoff_HonorsRetryAfterHeader(t *testing.T) {
	resp := httptest.NewRecorder().Result()
	resp.Header.Set("Retry-After", "3")
	delay := exponentialJitterBackoff(0, 0, 0, resp)
	require.Equal(t, 3*time.Second, delay)
}

func TestExponentialJitterBackoff_CapsRetryAfterAtBackoffCap(t *testing.T) {
	resp := httptest.NewRecorder().Result()
	resp.Header.Set("Retry-After", "3600")
	delay := exponentialJitterBackoff(0, 0, 0, resp)
	require.Equal(t, backoffCap, delay)
}

func TestExponentialJitterBackoff_GrowsWithAttemptNumberAndStaysWithinJitterBounds(t *testing.T) {
	delay := exponentialJitterBackoff(0, 0, 3, nil)
	base := time.Duration(float64(baseDelay) * 8) // 2^3
	lower := time.Duration(float64(base) * 0.75)
	upper := time.Duration(float64(base) * 1.25)
	require.GreaterOrEqual(t, delay, lower)
	require.LessOrEqual(t, delay, upper)
}

func TestExponentialJitterBackoff_CapsLargeAttemptsAtBackoffCap(t *testing.T) {
	delay := exponentialJitterBackoff(0, 0, 20, nil)
	require.LessOrEqual(t, delay, backoffCap+time.Duration(float64(backoffCap)*jitterFrac))
}

func TestClientDo_ReturnsResponseWithoutErrorOnTerminal5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test-single", &http.Client{Timeout: 2 * time.Second})
	c.http.RetryMax = 0

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestClientDo_OpensBreakerAfterConsecutiveTerminal5xxResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test-breaker", &http.Client{Timeout: 2 * time.Second})
	c.http.RetryMax = 0

	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := c.Do(context.Background(), req)
		require.NoError(t, err, "attempt %d should still surface the response, not an error", i)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), req)
	require.ErrorIs(t, err, gobreaker.ErrOpenState, "breaker should have tripped after 5 consecutive 5xx responses")
}
