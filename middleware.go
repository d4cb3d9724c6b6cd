package main

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the connection for flushing.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// requestIDMiddleware tags every request and response with an X-Request-Id.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// accessLogMiddleware records one log line and the request metrics per
// request. It also runs while an aborted stream unwinds.
func accessLogMiddleware(logger *Logger, metrics *Metrics, trustProxy bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			route := routeTemplate(r)

			defer func() {
				duration := time.Since(start)
				metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
				metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
				logger.Info("Request",
					zap.String("request_id", r.Header.Get(headerRequestID)),
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", rec.status),
					zap.Int64("bytes", rec.bytes),
					zap.Duration("duration", duration),
					zap.String("remote", clientIP(r, trustProxy)),
				)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// recoveryMiddleware turns handler panics into a 500. http.ErrAbortHandler
// is re-raised so the server drops the connection without logging.
func recoveryMiddleware(logger *Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rv := recover()
				if rv == nil {
					return
				}
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				logger.Error("Handler panic",
					zap.String("request_id", r.Header.Get(headerRequestID)),
					zap.Any("panic", rv),
					zap.ByteString("stack", debug.Stack()),
				)
				sendError(w, logger, http.StatusInternalServerError, "Internal server error", fmt.Sprint(rv))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware allows every origin when allowed is empty, otherwise only
// the listed ones. Range is allowed in and the range headers are exposed
// so players on other origins can seek.
func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()

			if len(allowed) == 0 {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && contains(allowed, origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}

			h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range, If-Range")
			h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, "+headerRequestID)

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// clientLimiter hands out one token bucket per client IP. The client table
// is bounded and idle entries expire.
type clientLimiter struct {
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

const limiterIdleTTL = 10 * time.Minute

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	size := cfg.MaxClients
	if size <= 0 {
		size = 4096
	}
	return &clientLimiter{
		clients: expirable.NewLRU[string, *rate.Limiter](size, nil, limiterIdleTTL),
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
	}
}

func (l *clientLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.clients.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.clients.Add(ip, lim)
	return lim
}

// Allow reports whether ip may make a request now.
func (l *clientLimiter) Allow(ip string) bool {
	return l.get(ip).Allow()
}

// rateLimitMiddleware rejects clients over their budget with a 429.
func rateLimitMiddleware(limiter *clientLimiter, trustProxy bool, logger *Logger, metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions && !limiter.Allow(clientIP(r, trustProxy)) {
				metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				sendError(w, logger, http.StatusTooManyRequests, "Rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the socket peer. The first X-Forwarded-For hop is used only
// when TRUST_PROXY says a reverse proxy sets it; otherwise any client could
// pick its own rate limit bucket.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
