package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/observability"
)

// RateLimitConfig bounds requests per fixed window.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Prefix            string
}

// DefaultRateLimitConfig allows 600 requests per minute per caller.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 600,
		Window:            time.Minute,
		Prefix:            "ratelimit",
	}
}

// RateLimiter is a redis-backed fixed-window limiter shared across
// instances. Redis failures fail open: throttling is protection, not a
// correctness boundary.
type RateLimiter struct {
	client *redis.Client
	config RateLimitConfig
	logger *observability.Logger
}

// NewRateLimiter creates the limiter. logger may be nil.
func NewRateLimiter(client *redis.Client, config RateLimitConfig, logger *observability.Logger) *RateLimiter {
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = DefaultRateLimitConfig().RequestsPerWindow
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitConfig().Window
	}
	if config.Prefix == "" {
		config.Prefix = DefaultRateLimitConfig().Prefix
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RateLimiter{client: client, config: config, logger: logger}
}

// Allow counts one request for key and reports whether it is within the
// window budget, plus the seconds until the window resets.
func (l *RateLimiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter int, err error) {
	redisKey := fmt.Sprintf("%s:%s", l.config.Prefix, key)

	pipe := l.client.Pipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}

	if count.Val() <= int64(l.config.RequestsPerWindow) {
		return true, 0, nil
	}

	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.config.Window
	}
	return false, int(ttl.Seconds()) + 1, nil
}

// Handler throttles by user ID, falling back to the client IP for
// unauthenticated requests.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := contextkeys.GetUserID(r.Context())
		if key == "" {
			key = "ip:" + clientIP(r)
		}

		allowed, retryAfter, err := l.Allow(r.Context(), key)
		if err != nil {
			l.logger.WithError(err).Warn("rate limiter unavailable, failing open")
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
