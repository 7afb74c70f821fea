package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/policy"
)

const (
	subjectKey = "subject"

	// DeviceHeader names the calling device; requests without it share
	// the "api" device.
	DeviceHeader  = "X-Device-ID"
	defaultDevice = "api"
)

// authMiddleware validates the bearer token and stores the caller.
func authMiddleware(auth *Auth) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		parts := strings.Split(ctx.GetHeader("Authorization"), " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(ctx, http.StatusUnauthorized, "unauthorized", "Missing or invalid authorization header")
			return
		}

		subject, err := auth.ValidateToken(parts[1])
		if err != nil {
			abort(ctx, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
			return
		}

		ctx.Set(subjectKey, subject)
		ctx.Next()
	}
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		event := logger.Info()
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Error()
		}
		if s, ok := subjectFrom(ctx); ok {
			event = event.Str("user_id", s.UserID)
		}
		event.
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Str("remote_addr", ctx.ClientIP()).
			Int("status", ctx.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("API request")
	}
}

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// RateLimiter hands out one token bucket per client. Idle buckets expire.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache
}

// NewRateLimiter creates a limiter allowing limit requests per second with
// the given burst.
func NewRateLimiter(limit float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(limit),
		burst:   burst,
		buckets: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Allow reports whether identifier may make another request now.
func (rl *RateLimiter) Allow(identifier string) bool {
	if v, ok := rl.buckets.Get(identifier); ok {
		rl.buckets.SetDefault(identifier, v)
		return v.(*rate.Limiter).Allow()
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	if err := rl.buckets.Add(identifier, limiter, cache.DefaultExpiration); err != nil {
		// Lost a race with another request from the same client.
		if v, ok := rl.buckets.Get(identifier); ok {
			limiter = v.(*rate.Limiter)
		}
	}
	return limiter.Allow()
}

// rateLimitMiddleware keys buckets by user once authenticated, by client IP
// otherwise.
func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identifier := "ip:" + ctx.ClientIP()
		if s, ok := subjectFrom(ctx); ok {
			identifier = "user:" + s.UserID
		}

		if !limiter.Allow(identifier) {
			abort(ctx, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, please try again later")
			return
		}
		ctx.Next()
	}
}

func subjectFrom(ctx *gin.Context) (policy.Subject, bool) {
	v, ok := ctx.Get(subjectKey)
	if !ok {
		return policy.Subject{}, false
	}
	s, ok := v.(policy.Subject)
	return s, ok
}

func deviceFrom(ctx *gin.Context) string {
	if d := strings.TrimSpace(ctx.GetHeader(DeviceHeader)); d != "" {
		return d
	}
	return defaultDevice
}

func abort(ctx *gin.Context, status int, code, message string) {
	ctx.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
