package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, read, write RateConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(client, read, write, nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func hit(h http.Handler, method, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/holds", nil)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterWriteBudget(t *testing.T) {
	l, now := newLimiter(t, RateConfig{Rate: 100, Burst: 100}, RateConfig{Rate: 2, Burst: 2})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "10.0.0.1:1234").Code)
	rec := hit(h, http.MethodPost, "10.0.0.1:1234")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reads and other clients have their own buckets.
	assert.Equal(t, http.StatusOK, hit(h, http.MethodGet, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "10.0.0.2:1234").Code)

	*now = now.Add(600 * time.Millisecond)
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "10.0.0.1:1234").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	var l *RateLimiter
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	assert.Equal(t, http.StatusTeapot, hit(l.Middleware(next), http.MethodPost, "x").Code)
	assert.Nil(t, NewRateLimiter(nil, RateConfig{}, RateConfig{}, nil))
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, RateConfig{Rate: 1, Burst: 1}, RateConfig{Rate: 1, Burst: 1}, nil)
	mr.Close()

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	assert.Equal(t, http.StatusOK, hit(h, http.MethodGet, "10.0.0.1:1").Code)
}

func TestClientIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:5555"
	assert.Equal(t, "ip:192.168.1.9", clientIdentifier(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.7", clientIdentifier(req))
}
