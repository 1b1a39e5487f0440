package llm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CooldownWindow is how long a failed endpoint is excluded from rotation.
const CooldownWindow = 31 * time.Minute

// Endpoint describes one configured upstream model endpoint.
type Endpoint struct {
	ID          string
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	IsActive    bool
}

// HealthStore persists endpoint health so cool-down state survives restarts.
// Updates are best-effort: a lost write degrades rotation fairness, never
// correctness.
type HealthStore interface {
	RecordFailure(ctx context.Context, endpointID string, at time.Time) error
	ClearFailure(ctx context.Context, endpointID string) error
}

// Pool hands out endpoints round-robin, skipping entries inside their
// cool-down window. All mutable rotation state lives here, behind the
// mutex; nothing else reads or writes it.
type Pool struct {
	mu          sync.Mutex
	entries     []Endpoint
	lastFailure map[string]time.Time
	lastChosen  string
	cursor      int
	cooldown    time.Duration
	store       HealthStore
	now         func() time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithCooldown overrides the default cool-down window.
func WithCooldown(d time.Duration) PoolOption {
	return func(p *Pool) { p.cooldown = d }
}

// WithHealthStore attaches a persistence layer for health updates.
func WithHealthStore(s HealthStore) PoolOption {
	return func(p *Pool) { p.store = s }
}

// WithClock overrides the pool's clock, for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a pool over the given endpoints. Failure timestamps may be
// pre-seeded (e.g. loaded from the health overlay table) via SeedFailure.
func NewPool(entries []Endpoint, opts ...PoolOption) *Pool {
	p := &Pool{
		entries:     entries,
		lastFailure: make(map[string]time.Time),
		cooldown:    CooldownWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SeedFailure pre-loads a failure timestamp, typically from persisted health
// state at startup.
func (p *Pool) SeedFailure(endpointID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFailure[endpointID] = at
}

// SetEndpoints replaces the endpoint set, keeping health state for ids that
// survive the swap.
func (p *Pool) SetEndpoints(entries []Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = entries
	if p.cursor >= len(entries) {
		p.cursor = 0
	}
}

// Next returns the endpoint the next call should use, or nil when the active
// set is empty. The rotation cursor advances on every call regardless of
// outcome so a failing endpoint cannot starve the ones after it. Endpoints
// inside their cool-down window are skipped unless skipping them would leave
// nothing to return. On a retry the endpoint that was handed out last is
// avoided when any alternative exists.
func (p *Pool) Next(isRetry bool) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make([]Endpoint, 0, len(p.entries))
	for _, e := range p.entries {
		if e.IsActive {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return nil
	}

	n := len(active)
	start := p.cursor % n
	p.cursor++

	pick := func(accept func(Endpoint) bool) *Endpoint {
		for i := 0; i < n; i++ {
			e := active[(start+i)%n]
			if accept(e) {
				p.lastChosen = e.ID
				return &e
			}
		}
		return nil
	}

	healthy := func(e Endpoint) bool {
		failedAt, ok := p.lastFailure[e.ID]
		if ok && p.now().Sub(failedAt) < p.cooldown {
			return false
		}
		return !(isRetry && n > 1 && e.ID == p.lastChosen)
	}

	if e := pick(healthy); e != nil {
		return e
	}

	// Everything is cooling down: degrade gracefully and rotate anyway
	// rather than refusing to serve.
	return pick(func(e Endpoint) bool {
		return !(isRetry && n > 1 && e.ID == p.lastChosen)
	})
}

// MarkSuccess clears an endpoint's failure timestamp.
func (p *Pool) MarkSuccess(ctx context.Context, endpointID string) {
	p.mu.Lock()
	_, hadFailure := p.lastFailure[endpointID]
	delete(p.lastFailure, endpointID)
	store := p.store
	p.mu.Unlock()

	if store != nil && hadFailure {
		if err := store.ClearFailure(ctx, endpointID); err != nil {
			log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to persist endpoint recovery")
		}
	}
}

// MarkFailure stamps the current time as the endpoint's last failure.
func (p *Pool) MarkFailure(ctx context.Context, endpointID string) {
	p.mu.Lock()
	at := p.now()
	p.lastFailure[endpointID] = at
	store := p.store
	p.mu.Unlock()

	if store != nil {
		if err := store.RecordFailure(ctx, endpointID, at); err != nil {
			log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to persist endpoint failure")
		}
	}
}
