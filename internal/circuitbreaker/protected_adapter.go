package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/channel"
	"github.com/lalithlochan/meetsync/internal/metrics"
)

// ProtectedAdapter wraps a channel.Adapter with one CircuitBreaker per
// destination, so a dead Slack channel of one client does not fail fast
// for every other client sharing the adapter.
type ProtectedAdapter struct {
	adapter channel.Adapter
	config  Config
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewProtectedAdapter uses cfg as the template for each per-target breaker;
// cfg.Name is replaced by the target key.
func NewProtectedAdapter(adapter channel.Adapter, cfg Config, logger *zap.Logger) *ProtectedAdapter {
	if cfg.OnStateChange == nil {
		name := adapter.Name()
		cfg.OnStateChange = func(_ string, _, to State) {
			metrics.RecordBreakerTransition(name, to.String())
		}
	}
	return &ProtectedAdapter{
		adapter:  adapter,
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (p *ProtectedAdapter) Name() string { return p.adapter.Name() }

// Send rejects with ErrCircuitOpen while the target's breaker is open.
func (p *ProtectedAdapter) Send(ctx context.Context, target channel.Target, msg channel.Message) error {
	breaker := p.Breaker(target.Key())

	if err := breaker.Allow(); err != nil {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", breaker.Name()),
			zap.String("booking_id", msg.BookingID),
		)
		return &channel.AdapterError{
			Channel: p.adapter.Name(),
			Err:     fmt.Errorf("%w: %s unavailable", err, breaker.Name()),
		}
	}

	err := p.adapter.Send(ctx, target, msg)
	if err != nil && !countsAgainst(err) {
		breaker.Skip()
		return err
	}
	breaker.Record(err)
	return err
}

// countsAgainst reports whether err says anything about the destination's
// health. Bad configuration and upstream pacing do not.
func countsAgainst(err error) bool {
	return !errors.Is(err, channel.ErrInvalidTarget) && !errors.Is(err, channel.ErrRateLimited)
}

// Breaker returns the breaker for a target key, creating it on first use.
func (p *ProtectedAdapter) Breaker(key string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[key]
	if !ok {
		cfg := p.config
		cfg.Name = key
		cb = New(cfg, p.logger)
		p.breakers[key] = cb
	}
	return cb
}

// Stats lists every known breaker, ordered by name.
func (p *ProtectedAdapter) Stats() []Stats {
	p.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(p.breakers))
	for _, cb := range p.breakers {
		breakers = append(breakers, cb)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
