package session

import (
	"testing"

	"github.com/ndrandal/flowsight/internal/market"
)

func newTestManager() *Manager {
	return NewManager([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, 100)
}

func TestResolveSymbolsSpecific(t *testing.T) {
	m := newTestManager()
	syms, all := m.ResolveSymbols([]string{"BTCUSDT", "ETHUSDT"})
	if all {
		t.Fatal("should not be all")
	}
	if len(syms) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(syms))
	}
}

func TestResolveSymbolsWildcard(t *testing.T) {
	m := newTestManager()
	syms, all := m.ResolveSymbols([]string{"*"})
	if !all {
		t.Fatal("wildcard should set all=true")
	}
	if syms != nil {
		t.Fatalf("wildcard should return nil symbols, got %v", syms)
	}
}

func TestResolveSymbolsUnknown(t *testing.T) {
	m := newTestManager()
	syms, all := m.ResolveSymbols([]string{"DOGEUSDT"})
	if all {
		t.Fatal("should not be all")
	}
	if len(syms) != 0 {
		t.Fatalf("expected 0 symbols for unknown symbol, got %d", len(syms))
	}
}

func TestResolveSymbolsMixed(t *testing.T) {
	m := newTestManager()
	syms, all := m.ResolveSymbols([]string{"BTCUSDT", "DOGEUSDT", "SOLUSDT"})
	if all {
		t.Fatal("should not be all")
	}
	if len(syms) != 2 {
		t.Fatalf("expected 2 symbols (BTCUSDT + SOLUSDT), got %d", len(syms))
	}
}

func TestResolveSymbolsWildcardShortCircuits(t *testing.T) {
	m := newTestManager()
	syms, all := m.ResolveSymbols([]string{"BTCUSDT", "*", "SOLUSDT"})
	if !all {
		t.Fatal("wildcard should short-circuit to all=true")
	}
	if syms != nil {
		t.Fatalf("wildcard should return nil symbols, got %v", syms)
	}
}

func TestBroadcastSnapshotOnlyReachesSubscribedClients(t *testing.T) {
	m := newTestManager()
	subscribed := NewClient(nil, 10)
	subscribed.Subscribe([]string{"BTCUSDT"})
	other := NewClient(nil, 10)
	other.Subscribe([]string{"ETHUSDT"})

	m.clients[subscribed.ID] = subscribed
	m.clients[other.ID] = other

	m.BroadcastSnapshot(market.MarketSnapshot{Symbol: "BTCUSDT", LastPrice: 100})

	select {
	case <-subscribed.SendCh():
	default:
		t.Fatal("expected subscribed client to receive the snapshot")
	}
	select {
	case <-other.SendCh():
		t.Fatal("unsubscribed client should not have received the snapshot")
	default:
	}
}
