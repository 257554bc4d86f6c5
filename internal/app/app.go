// Package app wires the provider manager, order book manager, and event
// bus into the single-threaded reactive loop that owns all of them.
package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ndrandal/flowsight/internal/event"
	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/orderbook"
	"github.com/ndrandal/flowsight/internal/provider"
)

const defaultMaxEventsPerCycle = 100

// Config tunes the reactive loop.
type Config struct {
	Symbol            string
	MaxEventsPerCycle int
	TickInterval      time.Duration // how often Run drives one RunOnce iteration
	CleanupInterval   time.Duration // how often CleanupExpiredData runs
}

func (c Config) withDefaults() Config {
	if c.MaxEventsPerCycle <= 0 {
		c.MaxEventsPerCycle = defaultMaxEventsPerCycle
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	return c
}

// App is the top-level reactive loop: single-threaded, owns the
// OrderBookManager, EventBus, and the published MarketSnapshot. Every
// method that touches book/bus/snapshot state must run on the same
// goroutine that calls Run. Snapshot(), Throughput(), AggregatedFlows(),
// ProviderStatuses(), ActiveProviderName() and ActiveProviderConnected()
// are safe to call from other goroutines.
type App struct {
	cfg Config
	mgr *provider.Manager
	book *orderbook.Manager
	bus  *event.Bus

	mu            sync.RWMutex
	snapshot      market.MarketSnapshot
	flows         map[float64]market.OrderFlow
	wasConnected  bool
	lastCleanupAt time.Time

	eventsThisSecond int
	throughput       int
	secondStart      time.Time
}

// New creates an App. mgr, book, and bus must already be constructed
// and, in the case of mgr, have StartAll called on it.
func New(cfg Config, mgr *provider.Manager, book *orderbook.Manager, bus *event.Bus) *App {
	cfg = cfg.withDefaults()
	return &App{
		cfg:         cfg,
		mgr:         mgr,
		book:        book,
		bus:         bus,
		secondStart: time.Now(),
	}
}

// Run drives RunOnce on a fixed tick until ctx is cancelled, then drains
// remaining events once before returning.
func (a *App) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drainRemaining()
			return
		case <-ticker.C:
			a.RunOnce(nowMs())
		}
	}
}

// RunOnce performs a single non-blocking iteration of the reactive loop.
func (a *App) RunOnce(nowMsHint int64) {
	a.ingestProviderEvents()
	a.bus.ProcessUpTo(a.cfg.MaxEventsPerCycle)
	a.updateThroughput()
	a.checkConnectivity()
	a.maybeCleanup(nowMsHint)
	a.refreshSnapshot()
}

// ingestProviderEvents drains the active provider's queue, folds each
// event into the order book directly, and republishes it on the bus for
// UI fan-out — per the spec's "update directly AND publish" step.
func (a *App) ingestProviderEvents() {
	for _, e := range a.mgr.ProcessEvents() {
		switch p := e.Payload.(type) {
		case market.DepthUpdate:
			a.book.HandleDepthUpdate(p)
		case market.TradeEvent:
			a.book.HandleTrade(p)
		case market.BookTickerEvent:
			a.book.HandleBookTicker(p)
		}
		a.bus.Publish(e)
		a.eventsThisSecond++
	}
}

func (a *App) updateThroughput() {
	if time.Since(a.secondStart) < time.Second {
		return
	}
	a.mu.Lock()
	a.throughput = a.eventsThisSecond
	a.mu.Unlock()
	a.eventsThisSecond = 0
	a.secondStart = time.Now()
}

// checkConnectivity publishes a ProviderDown/ProviderUp event on
// transition, rather than every cycle — this is observational; the
// provider and manager own their own reconnect/failover logic.
func (a *App) checkConnectivity() {
	p, ok := a.mgr.ActiveProvider()
	if !ok {
		return
	}
	connected := p.IsConnected()
	if connected == a.wasConnected {
		return
	}
	a.wasConnected = connected
	if connected {
		a.bus.Publish(event.Event{Type: event.TypeProviderUp, Payload: p.Name()})
	} else {
		log.Printf("app: active provider %s disconnected", p.Name())
		a.bus.Publish(event.Event{Type: event.TypeProviderDown, Payload: p.Name()})
	}
}

func (a *App) maybeCleanup(nowMsHint int64) {
	if time.Since(a.lastCleanupAt) < a.cfg.CleanupInterval {
		return
	}
	a.lastCleanupAt = time.Now()
	a.book.CleanupExpiredData(nowMsHint)
}

func (a *App) refreshSnapshot() {
	snap := a.book.Snapshot()
	snap.Symbol = a.cfg.Symbol
	flows := a.book.AggregatedFlows()
	a.mu.Lock()
	a.snapshot = snap
	a.flows = flows
	a.mu.Unlock()
}

// Snapshot returns the most recently published MarketSnapshot. Safe for
// concurrent use from any goroutine (e.g. the HTTP/WebSocket servers).
func (a *App) Snapshot() market.MarketSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Throughput returns the event count processed in the last full second.
func (a *App) Throughput() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.throughput
}

// AggregatedFlows returns the current price->OrderFlow map with the
// 1-USD aggregation policy applied, as published by the last loop
// iteration. Safe for concurrent use: the map is built on the Run
// goroutine and read here under the snapshot lock.
func (a *App) AggregatedFlows() map[float64]market.OrderFlow {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.flows
}

// ProviderStatuses returns a point-in-time readout of every registered
// provider, active or not.
func (a *App) ProviderStatuses() []provider.Status {
	return a.mgr.Statuses()
}

// ActiveProviderName satisfies persist.ProviderStatusSource.
func (a *App) ActiveProviderName() string {
	p, ok := a.mgr.ActiveProvider()
	if !ok {
		return ""
	}
	return p.Name()
}

// ActiveProviderConnected satisfies persist.ProviderStatusSource.
func (a *App) ActiveProviderConnected() bool {
	p, ok := a.mgr.ActiveProvider()
	return ok && p.IsConnected()
}

func (a *App) drainRemaining() {
	a.ingestProviderEvents()
	a.bus.ProcessAll()
	a.refreshSnapshot()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
