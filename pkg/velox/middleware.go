package velox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Output specifies where logs are written (defaults to os.Stdout)
	Output io.Writer
	// Format specifies the log format: "json" or "text" (default: "text")
	Format string
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Output: os.Stdout,
		Format: "text",
	}
}

// Logger returns a middleware that writes one line per request.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

type accessLogEntry struct {
	Time       string `json:"time"`
	RequestID  string `json:"request_id"`
	Protocol   string `json:"protocol"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Remote     string `json:"remote,omitempty"`
	Error      string `json:"error,omitempty"`
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	var mu sync.Mutex

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.ServeHTTP(ctx)
			}
			start := time.Now()
			err := next.ServeHTTP(ctx)

			e := accessLogEntry{
				Time:       start.Format(time.RFC3339),
				RequestID:  ctx.RequestID(),
				Protocol:   ctx.Protocol(),
				Method:     ctx.Method(),
				Path:       ctx.Path(),
				Status:     ctx.Status(),
				DurationMS: time.Since(start).Milliseconds(),
			}
			if addr := ctx.RemoteAddr(); addr != nil {
				e.Remote = addr.String()
			}
			if err != nil {
				e.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			if config.Format == "json" {
				data, _ := json.Marshal(e)
				_, _ = fmt.Fprintf(config.Output, "%s\n", data)
				return err
			}
			_, _ = fmt.Fprintf(config.Output, "[%s] %s %s %s %d %dms req_id=%s",
				e.Time, e.Protocol, e.Method, e.Path, e.Status, e.DurationMS, e.RequestID)
			if err != nil {
				_, _ = fmt.Fprintf(config.Output, " error=%q", e.Error)
			}
			_, _ = fmt.Fprintln(config.Output)
			return err
		})
	}
}

// Recovery returns a middleware that turns a handler panic into a 500
// response when nothing has been sent yet. Once the response has started
// the panic is returned as an error so the engine resets the request.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					if ctx.HasStarted() {
						err = fmt.Errorf("velox: handler panic: %v", r)
						return
					}
					err = ctx.Plain(500, "Internal Server Error")
				}
			}()
			return next.ServeHTTP(ctx)
		})
	}
}

// RequestID returns a middleware that echoes the request id in the
// X-Request-ID response header. An incoming X-Request-ID replaces the id
// the engine generated.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if id := ctx.Header().Get("X-Request-ID"); id != "" {
				ctx.SetRequestID(id)
			}
			ctx.SetHeader("X-Request-ID", ctx.RequestID())
			return next.ServeHTTP(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that sets Cross-Origin Resource Sharing headers
// and answers preflight requests.
func CORS(config CORSConfig) Middleware {
	d := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = d.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = d.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = d.AllowHeaders
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("Access-Control-Allow-Origin", config.AllowOrigin)
			ctx.SetHeader("Access-Control-Allow-Methods", config.AllowMethods)
			ctx.SetHeader("Access-Control-Allow-Headers", config.AllowHeaders)
			if config.AllowCredentials {
				ctx.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			if config.MaxAge > 0 {
				ctx.SetHeader("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}
			if ctx.Method() == "OPTIONS" {
				return ctx.NoContent(204)
			}
			return next.ServeHTTP(ctx)
		})
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key.
	RequestsPerSecond float64
	// BurstSize is the maximum number of requests that can be burst at once
	BurstSize int
	// KeyFunc returns the key requests are counted under (default: peer IP).
	KeyFunc func(ctx *Context) string
	// SkipPaths lists paths to skip rate limiting (e.g., health checks)
	SkipPaths []string
	// IdleTimeout drops the limiter of a key unseen for this long.
	IdleTimeout time.Duration
}

// DefaultRateLimiterConfig returns a RateLimiterConfig with sensible defaults.
func DefaultRateLimiterConfig(requestsPerSecond float64) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         int(requestsPerSecond * 2),
		KeyFunc:           remoteIP,
		SkipPaths:         []string{"/health", "/metrics"},
		IdleTimeout:       10 * time.Minute,
	}
}

func remoteIP(ctx *Context) string {
	addr := ctx.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// RateLimiter returns a middleware that limits requests per second per client.
func RateLimiter(requestsPerSecond float64) Middleware {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(requestsPerSecond))
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterWithConfig returns a middleware that answers 429 once a key
// exceeds its token bucket.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond*2))
	}
	if config.KeyFunc == nil {
		config.KeyFunc = remoteIP
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 10 * time.Minute
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	limit := strconv.FormatFloat(config.RequestsPerSecond, 'f', -1, 64)

	var (
		mu        sync.Mutex
		limiters  = make(map[string]*keyedLimiter)
		lastSweep = time.Now()
	)
	get := func(key string, now time.Time) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(lastSweep) > config.IdleTimeout {
			for k, l := range limiters {
				if now.Sub(l.lastSeen) > config.IdleTimeout {
					delete(limiters, k)
				}
			}
			lastSweep = now
		}
		l, ok := limiters[key]
		if !ok {
			l = &keyedLimiter{limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize)}
			limiters[key] = l
		}
		l.lastSeen = now
		return l.limiter
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.ServeHTTP(ctx)
			}
			key := config.KeyFunc(ctx)
			if key == "" {
				return next.ServeHTTP(ctx)
			}
			now := time.Now()
			l := get(key, now)
			ctx.SetHeader("X-RateLimit-Limit", limit)
			if !l.AllowN(now, 1) {
				ctx.SetHeader("X-RateLimit-Remaining", "0")
				ctx.SetHeader("Retry-After", "1")
				return ctx.Plain(429, "Too Many Requests")
			}
			remaining := int(l.TokensAt(now))
			ctx.SetHeader("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
			return next.ServeHTTP(ctx)
		})
	}
}

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	// Path is the endpoint path for health checks (default: "/health")
	Path string
	// Check reports an unhealthy state as an error (optional).
	Check func() error
}

// Health returns a middleware answering health checks on /health.
func Health() Middleware {
	return HealthWithConfig(HealthConfig{})
}

// HealthWithConfig returns a middleware answering health checks on config.Path.
func HealthWithConfig(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() != config.Path {
				return next.ServeHTTP(ctx)
			}
			if config.Check != nil {
				if err := config.Check(); err != nil {
					return ctx.JSON(503, map[string]string{"status": "unhealthy", "error": err.Error()})
				}
			}
			return ctx.JSON(200, map[string]string{"status": "healthy"})
		})
	}
}

// Timeout returns a middleware that bounds the request context. A handler
// that fails after the deadline passed, before the response started, gets a
// 504 response instead.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			parent := ctx.ctx
			tctx, cancel := context.WithTimeout(ctx.Context(), d)
			defer cancel()
			ctx.ctx = tctx
			err := next.ServeHTTP(ctx)
			ctx.ctx = parent
			if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && !ctx.HasStarted() {
				return ctx.Plain(504, "Gateway Timeout")
			}
			return err
		})
	}
}
