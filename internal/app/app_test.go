package app

import (
	"context"
	"testing"
	"time"

	"github.com/ndrandal/flowsight/internal/event"
	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/orderbook"
	"github.com/ndrandal/flowsight/internal/provider"
)

type stubProvider struct {
	name      string
	connected bool
	events    []event.Event
}

func (s *stubProvider) Name() string                          { return s.name }
func (s *stubProvider) Capabilities() provider.Capabilities    { return provider.Capabilities{Live: true} }
func (s *stubProvider) Initialize(ctx context.Context) error   { return nil }
func (s *stubProvider) Start(ctx context.Context) error        { return nil }
func (s *stubProvider) Stop(ctx context.Context) error         { return nil }
func (s *stubProvider) IsConnected() bool                      { return s.connected }
func (s *stubProvider) HealthCheck() bool                      { return s.connected }
func (s *stubProvider) Status() provider.Status                { return provider.Status{Name: s.name} }
func (s *stubProvider) ReadEvents() []event.Event {
	out := s.events
	s.events = nil
	return out
}

func newTestApp(t *testing.T, p *stubProvider) *App {
	t.Helper()
	mgr := provider.NewManager(provider.StrategyManual, false, time.Hour)
	mgr.Register(p)
	book := orderbook.New("BTCUSDT", orderbook.Config{})
	bus := event.NewBus(256)
	return New(Config{Symbol: "BTCUSDT"}, mgr, book, bus)
}

func TestRunOnceIngestsTradeIntoOrderBook(t *testing.T) {
	p := &stubProvider{name: "p1", connected: true, events: []event.Event{
		{Type: event.TypeTrade, Payload: market.TradeEvent{TimestampMs: 1000, Price: 100, Quantity: 1}},
	}}
	a := newTestApp(t, p)

	a.RunOnce(1000)

	snap := a.Snapshot()
	if snap.LastPrice != 100 {
		t.Fatalf("Snapshot().LastPrice = %v, want 100", snap.LastPrice)
	}
	if snap.Symbol != "BTCUSDT" {
		t.Fatalf("Snapshot().Symbol = %q, want BTCUSDT", snap.Symbol)
	}
}

func TestRunOnceRepublishesEventOnBus(t *testing.T) {
	var seen int
	p := &stubProvider{name: "p1", connected: true, events: []event.Event{
		{Type: event.TypeTrade, Payload: market.TradeEvent{TimestampMs: 1000, Price: 100, Quantity: 1}},
	}}
	a := newTestApp(t, p)
	a.bus.Subscribe(event.TypeTrade, func(event.Event) { seen++ })

	a.RunOnce(1000)

	if seen != 1 {
		t.Fatalf("bus handler invoked %d times, want 1", seen)
	}
}

func TestAggregatedFlowsAndProviderAccessorsReflectState(t *testing.T) {
	p := &stubProvider{name: "p1", connected: true, events: []event.Event{
		{Type: event.TypeDepthUpdate, Payload: market.DepthUpdate{
			TimestampMs: 1000,
			Bids:        []market.PriceLevel{{Price: 100.2, Quantity: 3}},
		}},
	}}
	a := newTestApp(t, p)
	a.RunOnce(1000)

	flows := a.AggregatedFlows()
	if flows[100].BidQty != 3 {
		t.Fatalf("AggregatedFlows()[100].BidQty = %v, want 3", flows[100].BidQty)
	}
	if name := a.ActiveProviderName(); name != "p1" {
		t.Fatalf("ActiveProviderName() = %q, want p1", name)
	}
	if !a.ActiveProviderConnected() {
		t.Fatal("ActiveProviderConnected() = false, want true")
	}
	statuses := a.ProviderStatuses()
	if len(statuses) != 1 || statuses[0].Name != "p1" {
		t.Fatalf("ProviderStatuses() = %+v, want one status for p1", statuses)
	}
}

func TestCheckConnectivityPublishesOnTransition(t *testing.T) {
	p := &stubProvider{name: "p1", connected: false}
	a := newTestApp(t, p)
	var gotDown bool
	a.bus.Subscribe(event.TypeProviderDown, func(event.Event) { gotDown = true })

	a.wasConnected = true // simulate prior connected state
	a.RunOnce(1000)
	a.bus.ProcessAll()

	if !gotDown {
		t.Fatal("expected ProviderDown event on disconnect transition")
	}
}
