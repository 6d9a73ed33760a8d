package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the endpoint is being skipped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // every call allowed
	StateOpen                  // calls rejected until the cooldown ends
	StateHalfOpen              // one trial call in flight decides
)

const (
	defaultFailureThreshold = 3
	defaultOpenTimeout      = time.Minute
)

// Breaker tracks consecutive failures of one endpoint. After FailureThreshold
// failures it opens; once OpenTimeout has passed, exactly one trial call is
// admitted and its outcome closes or reopens the breaker. Every call admitted
// by Allow must be followed by RecordSuccess or RecordFailure.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	cooldown  time.Duration
	onChange  func(name string, from, to State)
	now       func() time.Time

	state    State
	failures int
	openedAt time.Time
	trial    bool
}

type Config struct {
	Name             string
	FailureThreshold int           // default 3
	OpenTimeout      time.Duration // default 1m
	OnStateChange    func(name string, from, to State)
	Now              func() time.Time
}

func New(cfg Config) *Breaker {
	b := &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.OpenTimeout,
		onChange:  cfg.OnStateChange,
		now:       cfg.Now,
	}
	if b.threshold <= 0 {
		b.threshold = defaultFailureThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = defaultOpenTimeout
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow admits a call or returns ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.openedAt.Add(b.cooldown)) {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return nil
	default:
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trial = false
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.threshold) {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// State reports the state as of the last call; an expired cooldown shows as
// open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAt is when an open breaker admits its next trial; zero otherwise.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cooldown)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
