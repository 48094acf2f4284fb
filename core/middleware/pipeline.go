package middleware

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/searchktools/mu/core/http"
)

// Middleware wraps a handler
type Middleware func(next http.Handler) http.Handler

// Pipeline is an ordered middleware chain
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]Middleware, 0, 8),
	}
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(m Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, m)
	return p
}

// Then wraps h so that the first middleware added runs first
func (p *Pipeline) Then(h http.Handler) http.Handler {
	// Fast path: no middlewares
	if len(p.middlewares) == 0 {
		return h
	}

	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

// ThenFunc is Then for a function handler
func (p *Pipeline) ThenFunc(f http.HandlerFunc) http.Handler {
	return p.Then(f)
}

// Common middleware implementations

// InternalErrorBody is written when a handler panics
const InternalErrorBody = "500 internal server error"

// Recovery turns a handler panic into a 500 response
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) (resp http.Response, status int) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered",
						zap.String("method", req.Method),
						zap.String("url", req.URL),
						zap.String("panic", fmt.Sprint(r)),
						zap.Stack("stack"))
					resp, status = http.Text(InternalErrorBody), http.StatusInternalServerError
				}
			}()
			return next.Handle(req)
		})
	}
}

// Logger logs every handled request
func Logger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) (http.Response, int) {
			start := time.Now()
			resp, status := next.Handle(req)

			logger.Info("handled",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.String("remote", req.RemoteAddr),
				zap.Int("status", status),
				zap.Int("bytes", resp.BodySize()),
				zap.Duration("elapsed", time.Since(start)))
			return resp, status
		})
	}
}

// CORS adds CORS headers and answers preflight requests
func CORS() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) (http.Response, int) {
			var resp http.Response
			status := http.StatusNoContent
			if req.Method != "OPTIONS" {
				resp, status = next.Handle(req)
			}

			resp.SetHeader("Access-Control-Allow-Origin", "*")
			resp.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			resp.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization")
			return resp, status
		})
	}
}

// RateLimiter answers 429 once a client host exceeds requestsPerSecond.
// Bursts up to requestsPerSecond are allowed.
func RateLimiter(requestsPerSecond int) Middleware {
	hosts := newHostLimiters(requestsPerSecond, limiterIdle)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) (http.Response, int) {
			if !hosts.allow(req.RemoteAddr) {
				return http.Text("429 too many requests"), http.StatusTooManyRequests
			}
			return next.Handle(req)
		})
	}
}

// limiterIdle is how long a host keeps its limiter without requests. A
// limiter idle this long has refilled, so dropping it changes nothing.
const limiterIdle = time.Minute

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// hostLimiters keeps one token bucket per client host and sweeps idle
// ones at most once per idle period
type hostLimiters struct {
	mu        sync.Mutex
	rps       int
	idle      time.Duration
	now       func() time.Time
	hosts     map[string]*hostLimiter
	lastSweep time.Time
}

func newHostLimiters(rps int, idle time.Duration) *hostLimiters {
	return &hostLimiters{
		rps:       rps,
		idle:      idle,
		now:       time.Now,
		hosts:     make(map[string]*hostLimiter),
		lastSweep: time.Now(),
	}
}

func (h *hostLimiters) allow(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if now.Sub(h.lastSweep) >= h.idle {
		for k, l := range h.hosts {
			if now.Sub(l.lastSeen) >= h.idle {
				delete(h.hosts, k)
			}
		}
		h.lastSweep = now
	}

	l, ok := h.hosts[host]
	if !ok {
		l = &hostLimiter{limiter: rate.NewLimiter(rate.Limit(h.rps), h.rps)}
		h.hosts[host] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (h *hostLimiters) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hosts)
}

// RequestID adds a unique X-Request-ID response header
func RequestID() Middleware {
	var counter atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) (http.Response, int) {
			id := counter.Add(1)
			resp, status := next.Handle(req)
			resp.SetHeader("X-Request-ID", strconv.FormatUint(id, 10))
			return resp, status
		})
	}
}
