package scheduler

import (
	"slices"
	"sync"
	"time"

	"github.com/emperorhan/pixelboard/internal/domain/model"
)

// HealthStatus is the publish health of a board.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive exhausted
	// cycles after which a board is unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the p95 cycle duration above which
	// a publishing board counts as degraded.
	DefaultDegradedLatencyThreshold = 60 * time.Second

	latencyWindowSize = 10
)

// BoardHealth derives a board's status from its recent publish outcomes.
// Status is never stored; it is recomputed from the counters on every read.
type BoardHealth struct {
	board        model.BoardID
	threshold    int
	latencyLimit time.Duration
	now          func() time.Time

	mu            sync.RWMutex
	failures      int
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	latencies     [latencyWindowSize]time.Duration
	latencyCount  int
	latencyNext   int
}

func NewBoardHealth(board model.BoardID, unhealthyThreshold int) *BoardHealth {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &BoardHealth{
		board:        board,
		threshold:    unhealthyThreshold,
		latencyLimit: DefaultDegradedLatencyThreshold,
		now:          time.Now,
	}
}

// RecordSuccess resets the failure streak and reports whether the board
// was unhealthy until now.
func (h *BoardHealth) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	recovered := h.statusLocked() == HealthStatusUnhealthy
	at := h.now()
	h.failures = 0
	h.lastSuccessAt = &at
	return recovered
}

// RecordFailure extends the failure streak and reports whether this call
// crossed the unhealthy threshold.
func (h *BoardHealth) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	at := h.now()
	h.failures++
	h.lastFailureAt = &at
	return h.failures == h.threshold
}

// RecordLatency adds a cycle duration to the sliding window.
func (h *BoardHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latencies[h.latencyNext] = d
	h.latencyNext = (h.latencyNext + 1) % latencyWindowSize
	if h.latencyCount < latencyWindowSize {
		h.latencyCount++
	}
}

func (h *BoardHealth) statusLocked() HealthStatus {
	switch {
	case h.failures >= h.threshold:
		return HealthStatusUnhealthy
	case h.lastSuccessAt == nil:
		return HealthStatusUnknown
	case h.p95Locked() > h.latencyLimit:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}

// p95Locked is zero until two samples exist.
func (h *BoardHealth) p95Locked() time.Duration {
	if h.latencyCount < 2 {
		return 0
	}
	window := slices.Clone(h.latencies[:h.latencyCount])
	slices.Sort(window)
	return window[(95*h.latencyCount-1)/100]
}

func (h *BoardHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Board:               int(h.board),
		Status:              string(h.statusLocked()),
		ConsecutiveFailures: h.failures,
		P95LatencyMs:        h.p95Locked().Milliseconds(),
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time, JSON-safe view of a board's health.
type HealthSnapshot struct {
	Board               int        `json:"board"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	P95LatencyMs        int64      `json:"p95_latency_ms"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
