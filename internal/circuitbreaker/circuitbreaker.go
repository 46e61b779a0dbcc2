// Package circuitbreaker stops sending to a destination that keeps failing,
// and probes it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	closed -> open:      Failures consecutive failed sends
//	open -> half-open:   Cooldown after the breaker opened
//	half-open -> closed: a probe succeeds
//	half-open -> open:   a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrCircuitOpen is returned when a destination's breaker rejects a send.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name identifies the breaker in logs, e.g. "slack:C0123".
	Name string

	// Failures is the streak of failed sends that opens the breaker.
	Failures int

	// Cooldown is how long an open breaker rejects before letting a probe through.
	Cooldown time.Duration

	// Probes is the number of sends admitted while half-open.
	Probes int

	// OnStateChange, when set, is called with the breaker lock held.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig(name string) Config {
	return Config{
		Name:     name,
		Failures: 5,
		Cooldown: 30 * time.Second,
		Probes:   1,
	}
}

// CircuitBreaker tracks the health of a single notification destination.
type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	streak   int
	openedAt time.Time
	inFlight int // probes admitted while half-open
	rejected int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	return newWithClock(cfg, logger, time.Now)
}

func newWithClock(cfg Config, logger *zap.Logger, now func() time.Time) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.Failures <= 0 {
		cfg.Failures = def.Failures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &CircuitBreaker{cfg: cfg, logger: logger, now: now}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow returns ErrCircuitOpen when the send must not reach the destination.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.inFlight < cb.cfg.Probes {
			cb.inFlight++
			cb.logger.Info("circuit breaker probing destination", zap.String("breaker", cb.cfg.Name))
			return nil
		}
	}
	cb.rejected++
	return ErrCircuitOpen
}

// Record reports the outcome of an admitted send. A nil err is a success.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.streak = 0
		if cb.state == StateHalfOpen {
			cb.logger.Info("circuit breaker closed, destination recovered", zap.String("breaker", cb.cfg.Name))
			cb.setState(StateClosed)
		}
		return
	}

	cb.streak++
	switch {
	case cb.state == StateHalfOpen:
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("breaker", cb.cfg.Name),
			zap.Error(err),
		)
		cb.open()
	case cb.state == StateClosed && cb.streak >= cb.cfg.Failures:
		cb.logger.Warn("circuit breaker opened",
			zap.String("breaker", cb.cfg.Name),
			zap.Int("failures", cb.streak),
			zap.Error(err),
		)
		cb.open()
	}
}

// Skip returns an admitted send that neither succeeded nor failed against
// the destination, freeing its probe slot.
func (cb *CircuitBreaker) Skip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	Name     string     `json:"name"`
	State    string     `json:"state"`
	Streak   int        `json:"failure_streak"`
	Rejected int64      `json:"rejected"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{Name: cb.cfg.Name, State: cb.state.String(), Streak: cb.streak, Rejected: cb.rejected}
	if cb.state != StateClosed {
		at := cb.openedAt
		s.OpenedAt = &at
	}
	return s
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.inFlight = 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
