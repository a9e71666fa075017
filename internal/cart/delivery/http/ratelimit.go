package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tair/cart-sync/pkg/logger"
)

// Limiter decides whether a caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, reset time.Time, err error)
	Limit() int
}

// RedisLimiter is a sliding window limiter shared by every cartsync replica
type RedisLimiter struct {
	redis       *redis.Client
	maxRequests int
	window      time.Duration
}

// NewRedisLimiter creates a limiter allowing maxRequests per window
func NewRedisLimiter(client *redis.Client, maxRequests int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		redis:       client,
		maxRequests: maxRequests,
		window:      window,
	}
}

func (rl *RedisLimiter) Limit() int {
	return rl.maxRequests
}

// Allow records the request and reports whether it fits in the window
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	redisKey := "ratelimit:cart:" + key
	now := time.Now()
	windowStart := now.Add(-rl.window)

	pipe := rl.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	pipe.Expire(ctx, redisKey, rl.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to check rate limit: %w", err)
	}

	count := countCmd.Val()
	remaining := rl.maxRequests - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return count < int64(rl.maxRequests), remaining, now.Add(rl.window), nil
}

// LocalLimiter keeps one token bucket per key in process memory
type LocalLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*rate.Limiter
	maxRequests int
	window      time.Duration
}

// NewLocalLimiter allows maxRequests per window per key
func NewLocalLimiter(maxRequests int, window time.Duration) *LocalLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &LocalLimiter{
		buckets:     make(map[string]*rate.Limiter),
		maxRequests: maxRequests,
		window:      window,
	}
}

func (l *LocalLimiter) Limit() int {
	return l.maxRequests
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, int, time.Time, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		every := l.window / time.Duration(l.maxRequests)
		bucket = rate.NewLimiter(rate.Every(every), l.maxRequests)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	now := time.Now()
	allowed := bucket.AllowN(now, 1)
	remaining := int(bucket.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, now.Add(l.window), nil
}

// RateLimitMiddleware limits requests per session. Limiter errors let the request through.
func RateLimitMiddleware(limiter Limiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if limiter == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			identifier := "session:" + r.Header.Get(SessionHeader)
			if userID := userIDFrom(r.Context()); userID != "" {
				identifier = "user:" + userID
			}

			allowed, remaining, reset, err := limiter.Allow(r.Context(), identifier)
			if err != nil {
				logger.Error(r.Context()).Err(err).Str("identifier", identifier).Msg("Rate limiter error")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !allowed {
				logger.Warn(r.Context()).Str("identifier", identifier).Msg("Rate limit exceeded")
				respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}
