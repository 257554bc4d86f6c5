package provider

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/flowsight/internal/event"
)

// Strategy controls how the manager picks a provider to switch to
// when the active one degrades, and whether it does so automatically
// at all.
type Strategy int

const (
	// StrategyFailoverOnly switches to the next registered, healthy
	// provider purely on health-check failure, in registration order.
	StrategyFailoverOnly Strategy = iota
	// StrategyLoadBalance ranks candidates by lowest error count.
	StrategyLoadBalance
	// StrategyQualityFirst ranks candidates by highest event throughput.
	StrategyQualityFirst
	// StrategyManual disables automatic failover entirely; callers
	// must call SwitchTo explicitly even if failover_enabled is set.
	StrategyManual
)

// Manager owns a set of registered providers, exactly one of which is
// active at a time, and fails over between them per Strategy when the
// active provider's health check fails.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	active    string

	strategy         Strategy
	failoverEnabled  bool
	healthCheckEvery time.Duration

	cancel context.CancelFunc
}

func NewManager(strategy Strategy, failoverEnabled bool, healthCheckEvery time.Duration) *Manager {
	if healthCheckEvery <= 0 {
		healthCheckEvery = 5 * time.Second
	}
	return &Manager{
		providers:        make(map[string]Provider),
		strategy:         strategy,
		failoverEnabled:  failoverEnabled,
		healthCheckEvery: healthCheckEvery,
	}
}

// Register adds a provider under its Name(). The first provider
// registered becomes active.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
	m.order = append(m.order, p.Name())
	if m.active == "" {
		m.active = p.Name()
	}
}

// SwitchTo makes name the active provider. Returns a ConfigurationError
// if name was never registered.
func (m *Manager) SwitchTo(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.providers[name]
	prev := m.active
	if ok {
		m.active = name
	}
	m.mu.Unlock()

	if !ok {
		return NewConfigurationError(fmt.Sprintf("unknown provider %q", name))
	}
	if prev != name {
		log.Printf("provider manager: switched active provider %s -> %s", prev, name)
	}
	return nil
}

// Active returns the name of the currently active provider.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) ActiveProvider() (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[m.active]
	return p, ok
}

// StartAll initializes and starts every registered provider, and
// launches the health-check loop. Initialization failures for any one
// provider are logged but don't abort the others — a dead backup
// provider shouldn't prevent the primary from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	m.mu.RLock()
	providers := make([]Provider, 0, len(m.providers))
	for _, name := range m.order {
		providers = append(providers, m.providers[name])
	}
	m.mu.RUnlock()

	for _, p := range providers {
		p := p
		g.Go(func() error {
			if err := p.Initialize(gctx); err != nil {
				log.Printf("provider %s: initialize failed: %v", p.Name(), err)
				return nil
			}
			if err := p.Start(gctx); err != nil {
				log.Printf("provider %s: start failed: %v", p.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	go m.healthCheckLoop(runCtx)
	return nil
}

// StopAll stops every registered provider.
func (m *Manager) StopAll(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.RLock()
	providers := make([]Provider, 0, len(m.providers))
	for _, name := range m.order {
		providers = append(providers, m.providers[name])
	}
	m.mu.RUnlock()

	for _, p := range providers {
		if err := p.Stop(ctx); err != nil {
			log.Printf("provider %s: stop error: %v", p.Name(), err)
		}
	}
}

// ProcessEvents drains events from the active provider only. Backup
// providers keep running (so they stay warm for failover); their events
// stay in that provider's own bounded queue, oldest dropped when full,
// and are read once it becomes active.
func (m *Manager) ProcessEvents() []event.Event {
	p, ok := m.ActiveProvider()
	if !ok {
		return nil
	}
	return p.ReadEvents()
}

func (m *Manager) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAndFailover(ctx)
		}
	}
}

func (m *Manager) checkAndFailover(ctx context.Context) {
	if m.strategy == StrategyManual || !m.failoverEnabled {
		return
	}

	active, ok := m.ActiveProvider()
	if !ok || active.HealthCheck() {
		return
	}

	candidate := m.selectFailoverCandidate(active.Name())
	if candidate == "" {
		log.Printf("provider manager: %s unhealthy, no failover candidate available", active.Name())
		return
	}
	log.Printf("provider manager: %s failed health check, failing over to %s", active.Name(), candidate)
	m.SwitchTo(ctx, candidate)
}

func (m *Manager) selectFailoverCandidate(excluding string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		name  string
		score float64
	}
	var candidates []scored

	for _, name := range m.order {
		if name == excluding {
			continue
		}
		p := m.providers[name]
		if !p.HealthCheck() {
			continue
		}
		st := p.Status()
		switch m.strategy {
		case StrategyLoadBalance:
			candidates = append(candidates, scored{name, -float64(st.ErrorCount)})
		case StrategyQualityFirst:
			candidates = append(candidates, scored{name, float64(st.EventCount)})
		default: // StrategyFailoverOnly: first healthy in registration order
			return name
		}
	}

	best := ""
	bestScore := 0.0
	for i, c := range candidates {
		if i == 0 || c.score > bestScore {
			best, bestScore = c.name, c.score
		}
	}
	return best
}

// Statuses returns a snapshot of every registered provider's status.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.providers[name].Status())
	}
	return out
}
