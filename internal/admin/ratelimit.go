package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/pixelboard/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// visitorTTL is how long an idle client keeps its bucket.
	visitorTTL    = 10 * time.Minute
	sweepInterval = time.Minute
)

// routeClass groups admin routes that share one budget per client.
type routeClass string

const (
	classBoardDetail routeClass = "board_detail"
	classHealth      routeClass = "health"
	classDefault     routeClass = "default"
)

// budgets per route class. Board detail carries the activity table, so it is
// the tightest.
var budgets = map[routeClass]struct {
	every rate.Limit
	burst int
}{
	classBoardDetail: {every: rate.Every(2 * time.Second), burst: 5},
	classHealth:      {every: 5, burst: 10},
	classDefault:     {every: 1, burst: 5},
}

func classify(method, path string) routeClass {
	if method != http.MethodGet {
		return classDefault
	}
	switch {
	case strings.HasPrefix(path, "/admin/v1/boards/"):
		return classBoardDetail
	case path == "/admin/v1/health":
		return classHealth
	default:
		return classDefault
	}
}

type visitorKey struct {
	class routeClass
	ip    string
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware keeps one token bucket per client IP and route class
// for the read-only admin API. The webhook is not wrapped; its volume is set
// by the event source.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	visitors map[visitorKey]*visitor
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a sweeper that drops idle clients; call Stop
// to end it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		visitors: make(map[visitorKey]*visitor),
		logger:   logger.With("component", "admin_ratelimit"),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Stop is safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-visitorTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// LimiterCount reports how many client buckets are live.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimitMiddleware) bucket(key visitorKey) *rate.Limiter {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[key]
	if !ok {
		b := budgets[key.class]
		v = &visitor{bucket: rate.NewLimiter(b.every, b.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.bucket
}

// Wrap rejects a client over its class budget with 429 and a Retry-After
// equal to the wait for the next token.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := visitorKey{class: classify(r.Method, r.URL.Path), ip: clientIP(r)}
		bucket := rl.bucket(key)

		now := rl.nowFunc()
		if !bucket.AllowN(now, 1) {
			wait := bucket.ReserveN(now, 1)
			delay := wait.DelayFrom(now)
			wait.CancelAt(now)

			metrics.AdminRateLimited.WithLabelValues(string(key.class)).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn("admin request rate limited",
				"class", key.class,
				"client_ip", key.ip,
				"path", r.URL.Path,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
