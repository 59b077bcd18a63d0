package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ideaheist/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rate, burst, clock.now), clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(1, 3)
	assert.Equal(t, 3, allowN(t, m, "ip", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(2, 2)
	assert.Equal(t, 2, allowN(t, m, "ip", 3))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "ip", 2), "half a second at 2/s refills one token")

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "ip", 5), "refill is capped at burst")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newTestLimiter(1, 1)
	allowN(t, m, "old", 1)
	clock.advance(staleAfter + time.Second)
	allowN(t, m, "fresh", 1)

	m.evictStale()
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, allowN(t, m, "old", 1), "evicted key starts with a full bucket")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(0, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ok, err := m.Allow(context.Background(), "shared")
				assert.NoError(t, err)
				if ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, allowed.Load())
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func (erroringLimiter) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	reqID := func(*http.Request) string { return "req-1" }

	t.Run("denies over limit with envelope", func(t *testing.T) {
		m, _ := newTestLimiter(0.5, 1)
		h := Middleware(m, IPKeyFunc, reqID, nil)(ok)

		first := httptest.NewRecorder()
		h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/analyze", nil))
		assert.Equal(t, http.StatusNoContent, first.Code)

		second := httptest.NewRecorder()
		h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/analyze", nil))
		require.Equal(t, http.StatusTooManyRequests, second.Code)
		assert.Equal(t, "2", second.Header().Get("Retry-After"))

		var body model.APIError
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
		assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
		assert.Equal(t, "req-1", body.Meta.RequestID)
	})

	t.Run("empty key skips limiting", func(t *testing.T) {
		m, _ := newTestLimiter(0, 1)
		h := Middleware(m, func(*http.Request) string { return "" }, reqID, nil)(ok)
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
			assert.Equal(t, http.StatusNoContent, rec.Code)
		}
	})

	t.Run("limiter errors fail open", func(t *testing.T) {
		h := Middleware(erroringLimiter{}, IPKeyFunc, reqID, nil)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("nil limiter passes through", func(t *testing.T) {
		h := Middleware(nil, IPKeyFunc, reqID, nil)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "203.0.113.7", IPKeyFunc(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", IPKeyFunc(r))
}
