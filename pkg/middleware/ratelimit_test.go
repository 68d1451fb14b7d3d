package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/pkg/contextkeys"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*miniredis.Miniredis, *RateLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := NewRateLimiter(client, RateLimitConfig{
		RequestsPerWindow: limit,
		Window:            window,
	}, nil)
	return mr, limiter
}

func TestRateLimiterAllowWithinBudget(t *testing.T) {
	_, limiter := setupLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "usr_1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0)

	// Another caller has an independent budget
	allowed, _, err = limiter.Allow(ctx, "usr_2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterWindowResets(t *testing.T) {
	mr, limiter := setupLimiter(t, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "usr_1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, _ = limiter.Allow(ctx, "usr_1")
	require.False(t, allowed)

	mr.FastForward(61 * time.Second)

	allowed, _, err = limiter.Allow(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimitHandler(t *testing.T) {
	_, limiter := setupLimiter(t, 2, time.Minute)

	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/orgs", nil)
		if userID != "" {
			req = req.WithContext(contextkeys.WithUserID(req.Context(), userID))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("usr_1").Code)
	assert.Equal(t, http.StatusOK, do("usr_1").Code)

	rec := do("usr_1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Unauthenticated requests are keyed by IP, separate from usr_1
	assert.Equal(t, http.StatusOK, do("").Code)
}

func TestRateLimiterFailsOpenWhenRedisDown(t *testing.T) {
	mr, limiter := setupLimiter(t, 1, time.Minute)
	mr.Close()

	allowed, _, err := limiter.Allow(context.Background(), "usr_1")
	assert.Error(t, err)
	assert.True(t, allowed)
}
