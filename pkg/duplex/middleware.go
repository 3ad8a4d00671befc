package duplex

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggerConfig configures the Logger middleware.
type LoggerConfig struct {
	Logger *zap.Logger
	// SkipPaths lists paths that are not logged, such as health checks.
	SkipPaths []string
	// Fields adds fields to each entry.
	Fields func(ctx *Context) []zap.Field
}

// Logger logs every request at info level, or warn for 5xx.
func Logger(logger *zap.Logger) Middleware {
	return LoggerWithConfig(LoggerConfig{Logger: logger})
}

// LoggerWithConfig returns a Logger middleware with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	logger := config.Logger.Named("access")
	skip := toSet(config.SkipPaths)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}
			start := time.Now()
			err := next.Serve(ctx)

			fields := []zap.Field{
				zap.String("proto", ctx.Proto()),
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Int("status", ctx.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.Uint32("stream_id", ctx.StreamID()),
			}
			if id, ok := ctx.Get(requestIDKey); ok {
				fields = append(fields, zap.Any("request_id", id))
			}
			if config.Fields != nil {
				fields = append(fields, config.Fields(ctx)...)
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			if ctx.Status() >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
			} else {
				logger.Info("request", fields...)
			}
			return err
		})
	}
}

// Recovery turns a panicking handler into a 500 response.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("path", ctx.Path()),
						zap.Any("panic", r),
						zap.Stack("stack"))
					ctx.ResponseHeader().Del("Content-Encoding")
					err = ctx.Plain(http.StatusInternalServerError, "Internal Server Error")
				}
			}()
			return next.Serve(ctx)
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

// DefaultCORSConfig returns permissive CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS sets the CORS response headers and answers preflight requests.
func CORS(config CORSConfig) Middleware {
	def := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = def.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = def.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = def.AllowHeaders
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
			if ctx.Method() == http.MethodOptions {
				return ctx.NoContent(http.StatusNoContent)
			}
			return next.Serve(ctx)
		})
	}
}

const requestIDKey = "request-id"

// RequestCounter hands out request ids: a random prefix fixed per counter and
// a sequence number. Each Server owns one, so ids from different servers or
// tests never interleave.
type RequestCounter struct {
	prefix string
	n      atomic.Uint64
}

// NewRequestCounter creates a counter with a fresh prefix.
func NewRequestCounter() *RequestCounter {
	return &RequestCounter{prefix: strings.SplitN(uuid.NewString(), "-", 2)[0]}
}

// Next returns the next id.
func (c *RequestCounter) Next() string {
	return fmt.Sprintf("%s-%06d", c.prefix, c.n.Add(1))
}

// Count is the number of ids handed out.
func (c *RequestCounter) Count() uint64 { return c.n.Load() }

// RequestID reuses the request's X-Request-ID or assigns one from counter,
// and echoes it on the response.
func RequestID(counter *RequestCounter) Middleware {
	if counter == nil {
		counter = NewRequestCounter()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			id := ctx.Header().Get("X-Request-ID")
			if id == "" {
				id = counter.Next()
			}
			ctx.Set(requestIDKey, id)
			ctx.SetHeader("X-Request-ID", id)
			return next.Serve(ctx)
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level is the compression level (1-9 for gzip, 0-11 for brotli).
	Level int
	// MinSize is the smallest body that gets compressed.
	MinSize int
	// ExcludedTypes lists content type prefixes that are never compressed.
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress encodes response bodies with brotli, or gzip when the client does
// not accept br.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a Compress middleware with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			accept := ctx.Header().Get("Accept-Encoding")
			br := strings.Contains(accept, "br")
			gz := strings.Contains(accept, "gzip")
			if !br && !gz {
				return next.Serve(ctx)
			}

			err := next.Serve(ctx)
			body := ctx.ResponseBody()
			if len(body) < config.MinSize || ctx.ResponseHeader().Get("Content-Encoding") != "" {
				return err
			}
			contentType := ctx.ResponseHeader().Get("Content-Type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return err
				}
			}

			var compressed bytes.Buffer
			encoding := "gzip"
			if br {
				encoding = "br"
				w := brotli.NewWriterLevel(&compressed, config.Level)
				if _, werr := w.Write(body); werr != nil || w.Close() != nil {
					return err
				}
			} else {
				w, werr := gzip.NewWriterLevel(&compressed, config.Level)
				if werr != nil {
					return err
				}
				if _, werr := w.Write(body); werr != nil || w.Close() != nil {
					return err
				}
			}
			if compressed.Len() >= len(body) {
				return err
			}
			ctx.SetHeader("Content-Encoding", encoding)
			ctx.SetHeader("Vary", "Accept-Encoding")
			ctx.SetResponseBody(compressed.Bytes())
			return err
		})
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key.
	RequestsPerSecond float64
	// BurstSize is the number of requests allowed at once.
	BurstSize int
	// KeyFunc identifies the client; by default X-Forwarded-For, X-Real-IP,
	// then the authority.
	KeyFunc func(ctx *Context) string
	// SkipPaths lists paths that are never limited.
	SkipPaths []string
	// ErrorHandler renders a rejected request; by default a 429.
	ErrorHandler func(ctx *Context) error
	// IdleTTL drops the limiter of a key unused for this long.
	IdleTTL time.Duration
}

// DefaultRateLimiterConfig returns a config allowing rps per client with a
// burst of twice that.
func DefaultRateLimiterConfig(rps float64) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: rps,
		BurstSize:         int(rps * 2),
		SkipPaths:         []string{"/health", "/metrics"},
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimiter limits requests per client with a token bucket.
func RateLimiter(rps float64) Middleware {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(rps))
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterWithConfig returns a RateLimiter middleware with custom
// configuration.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond*2))
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if config.KeyFunc == nil {
		config.KeyFunc = func(ctx *Context) string {
			if ip := ctx.Header().Get("X-Forwarded-For"); ip != "" {
				return ip
			}
			if ip := ctx.Header().Get("X-Real-IP"); ip != "" {
				return ip
			}
			if ctx.Authority() != "" {
				return ctx.Authority()
			}
			return "localhost"
		}
	}
	limit := strconv.FormatFloat(config.RequestsPerSecond, 'f', -1, 64)
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(ctx *Context) error {
			return ctx.Plain(http.StatusTooManyRequests, "Too Many Requests")
		}
	}
	skip := toSet(config.SkipPaths)

	var mu sync.Mutex
	limiters := make(map[string]*keyLimiter)
	lastSweep := time.Now()

	get := func(key string, now time.Time) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(lastSweep) > config.IdleTTL {
			for k, l := range limiters {
				if now.Sub(l.lastSeen) > config.IdleTTL {
					delete(limiters, k)
				}
			}
			lastSweep = now
		}
		l, ok := limiters[key]
		if !ok {
			l = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize)}
			limiters[key] = l
		}
		l.lastSeen = now
		return l.limiter
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}
			now := time.Now()
			l := get(config.KeyFunc(ctx), now)
			ctx.SetHeader("X-RateLimit-Limit", limit)
			if !l.AllowN(now, 1) {
				ctx.SetHeader("X-RateLimit-Remaining", "0")
				ctx.SetHeader("Retry-After", "1")
				return config.ErrorHandler(ctx)
			}
			ctx.SetHeader("X-RateLimit-Remaining", strconv.Itoa(int(l.TokensAt(now))))
			return next.Serve(ctx)
		})
	}
}

var startTime = time.Now()

// Health answers path with a JSON status document and passes everything else on.
func Health(path string) Middleware {
	if path == "" {
		path = "/health"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() != path {
				return next.Serve(ctx)
			}
			return ctx.JSON(http.StatusOK, map[string]any{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"uptime":    time.Since(startTime).String(),
			})
		})
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
