package orderbook

import (
	"math"
	"strings"
	"testing"

	"github.com/ndrandal/flowsight/internal/market"
)

func TestHandleDepthUpdateSetsResting(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		Symbol:      "BTCUSDT",
		TimestampMs: 1_000,
		Bids:        []market.PriceLevel{{Price: 100, Quantity: 2}, {Price: 99, Quantity: 1}},
		Asks:        []market.PriceLevel{{Price: 101, Quantity: 3}},
	})

	snap := m.Snapshot()
	if snap.BestBidPx != 100 {
		t.Fatalf("BestBidPx = %v, want 100", snap.BestBidPx)
	}
	if snap.OrderBookImbalance <= 0 || snap.OrderBookImbalance >= 1 {
		t.Fatalf("OrderBookImbalance = %v, want in (0,1)", snap.OrderBookImbalance)
	}
}

func TestHandleDepthUpdateClearsUntouchedSide(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 1_000,
		Bids:        []market.PriceLevel{{Price: 100, Quantity: 2}, {Price: 99, Quantity: 1}},
	})
	// Second batch reports only the 100 bid: it is updated, and the bid
	// at 99, not mentioned this batch, gets cleared.
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 2_000,
		Bids:        []market.PriceLevel{{Price: 100, Quantity: 5}},
	})

	f, ok := m.flow(100)
	if !ok || f.BidQty != 5 {
		t.Fatalf("expected bid qty updated to 5, got %+v ok=%v", f, ok)
	}
	if f99, ok := m.flows[priceKeyOf(t, 99)]; ok && f99.BidQty != 0 {
		t.Fatalf("expected untouched bid at 99 to be cleared, got %+v", f99)
	}
}

func TestHandleTradeUpdatesFootprintAndVolumes(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 1_000,
		Bids:        []market.PriceLevel{{Price: 100, Quantity: 2}},
	})
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_100, Price: 100, Quantity: 0.5, IsBuyerMaker: false})

	snap := m.Snapshot()
	if snap.LastPrice != 100 {
		t.Fatalf("LastPrice = %v, want 100", snap.LastPrice)
	}
	if snap.TotalBuyVolume != 0.5 {
		t.Fatalf("TotalBuyVolume = %v, want 0.5", snap.TotalBuyVolume)
	}
}

func TestTradeRecordSplitsBuySellVolume(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 1_000,
		Bids:        []market.PriceLevel{{Price: 99.9, Quantity: 2}, {Price: 100, Quantity: 5}},
		Asks:        []market.PriceLevel{{Price: 100.5, Quantity: 4}, {Price: 100.6, Quantity: 3}},
	})
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_100, Price: 100.5, Quantity: 1, IsBuyerMaker: false})

	f, ok := m.flow(100.5)
	if !ok {
		t.Fatal("expected flow at 100.5")
	}
	if f.RealtimeTradeRecord.BuyVolume != 1 {
		t.Fatalf("RealtimeTradeRecord.BuyVolume = %v, want 1", f.RealtimeTradeRecord.BuyVolume)
	}
	if f.RealtimeTradeRecord.SellVolume != 0 {
		t.Fatalf("RealtimeTradeRecord.SellVolume = %v, want 0", f.RealtimeTradeRecord.SellVolume)
	}
	if f.HistoryTradeRecord.BuyVolume != 1 {
		t.Fatalf("HistoryTradeRecord.BuyVolume = %v, want 1", f.HistoryTradeRecord.BuyVolume)
	}
}

func TestRealtimeTradeRecordDecaysAsTradesAgeOutOfWindow(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_000, Price: 100, Quantity: 3, IsBuyerMaker: false})

	f, _ := m.flow(100)
	if f.RealtimeTradeRecord.BuyVolume != 3 {
		t.Fatalf("RealtimeTradeRecord.BuyVolume = %v, want 3 right after the trade", f.RealtimeTradeRecord.BuyVolume)
	}

	// A second trade at the same level, past the 5s trade window,
	// should trim the first trade out of the realtime record while
	// history keeps accumulating.
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_000 + tradeWindowMs + 1, Price: 100, Quantity: 2, IsBuyerMaker: false})

	f, _ = m.flow(100)
	if f.RealtimeTradeRecord.BuyVolume != 2 {
		t.Fatalf("RealtimeTradeRecord.BuyVolume = %v, want 2 once the first trade aged out", f.RealtimeTradeRecord.BuyVolume)
	}
	if f.HistoryTradeRecord.BuyVolume != 5 {
		t.Fatalf("HistoryTradeRecord.BuyVolume = %v, want 5 (history never decays within a day)", f.HistoryTradeRecord.BuyVolume)
	}
}

func TestHandleTradeRejectsFallbackToDepthWhenDisabled(t *testing.T) {
	m := New("BTCUSDT", Config{TradeFallbackToDepth: false})
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_000, Price: 100, Quantity: 1, IsBuyerMaker: false})

	f, ok := m.flow(100)
	if !ok {
		t.Fatal("expected flow to exist from trade footprint")
	}
	if f.AskQty != 0 {
		t.Fatalf("AskQty = %v, want 0 (fallback disabled)", f.AskQty)
	}
}

func TestHandleTradeFallbackToDepthWhenEnabled(t *testing.T) {
	m := New("BTCUSDT", Config{TradeFallbackToDepth: true})
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_000, Price: 100, Quantity: 1, IsBuyerMaker: false})

	f, ok := m.flow(100)
	if !ok || f.AskQty != 1 {
		t.Fatalf("expected synthetic ask qty 1 from fallback, got %+v ok=%v", f, ok)
	}
}

func TestHandleBookTickerCrossSideCleanup(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 1_000,
		Bids:        []market.PriceLevel{{Price: 105, Quantity: 1}}, // above what will become best ask
	})
	m.HandleBookTicker(market.BookTickerEvent{
		BookTickerSnapshot: market.BookTickerSnapshot{
			TimestampMs: 2_000, BestBidPx: 99, BestBidQty: 1, BestAskPx: 100, BestAskQty: 1,
		},
	})

	f, ok := m.flow(105)
	if ok && f.BidQty != 0 {
		t.Fatalf("expected crossed-through bid at 105 to be cleared, got %+v", f)
	}
}

func TestOrderBookImbalanceDefaultsToHalfWhenEmpty(t *testing.T) {
	m := New("BTCUSDT", Config{})
	if got := m.orderBookImbalance(); got != 0.5 {
		t.Fatalf("orderBookImbalance() = %v, want 0.5 with no resting liquidity", got)
	}
}

func TestLegacyVolatilityAndRealizedVolatilityDiffer(t *testing.T) {
	m := New("BTCUSDT", Config{})
	price := 100.0
	ts := int64(0)
	for i := 0; i < 40; i++ {
		ts += 100
		price *= 1 + 0.001*float64(i%3-1)
		m.HandleTrade(market.TradeEvent{TimestampMs: ts, Price: price, Quantity: 1})
	}

	legacy := m.legacyVolatility()
	rv := m.realizedVolatility()
	if legacy < 0 || rv < 0 {
		t.Fatalf("volatility must be non-negative, got legacy=%v rv=%v", legacy, rv)
	}
	if math.IsNaN(legacy) || math.IsNaN(rv) {
		t.Fatalf("volatility must never be NaN, got legacy=%v rv=%v", legacy, rv)
	}
	if legacy == rv {
		t.Fatalf("legacy and realized volatility should differ, both = %v", legacy)
	}
}

func TestTradeImbalanceRange(t *testing.T) {
	m := New("BTCUSDT", Config{})
	for i := 0; i < 5; i++ {
		m.HandleTrade(market.TradeEvent{TimestampMs: int64(i * 100), Price: 100, Quantity: 1, IsBuyerMaker: true})
	}
	ti := m.tradeImbalance()
	if ti < -1 || ti > 1 {
		t.Fatalf("tradeImbalance() = %v, want in [-1,1]", ti)
	}
	if ti >= 0 {
		t.Fatalf("tradeImbalance() = %v, want negative (all sell-side trades)", ti)
	}
}

func TestPriceSpeedZeroWithoutEnoughTicks(t *testing.T) {
	m := New("BTCUSDT", Config{})
	if got := m.priceSpeed(0); got != 0 {
		t.Fatalf("priceSpeed() = %v, want 0 with no ticks", got)
	}
}

func TestTickPressureFiresAfterExactlyKTicksMomentumFollow(t *testing.T) {
	m := New("BTCUSDT", Config{TickPressureK: 3})
	ts := int64(0)
	prices := []float64{50000, 50003, 50006}
	for _, p := range prices {
		ts += 100
		m.HandleTrade(market.TradeEvent{TimestampMs: ts, Price: p, Quantity: 4, IsBuyerMaker: false})
	}

	if m.lastTickPressureMsg == "" {
		t.Fatal("expected a tick-pressure signal after exactly K=3 same-side monotonic ticks")
	}
	if got := m.lastTickPressureMsg; !containsAll(got, "Momentum Follow", "buy") {
		t.Fatalf("lastTickPressureMsg = %q, want Momentum Follow buy signal (total volume 12, change 0.012%% < 0.05%%)", got)
	}
}

func TestTickPressureClassifiesIgnitionOnLargePriceMove(t *testing.T) {
	m := New("BTCUSDT", Config{TickPressureK: 3})
	ts := int64(0)
	prices := []float64{50000, 50050, 50100}
	for _, p := range prices {
		ts += 100
		m.HandleTrade(market.TradeEvent{TimestampMs: ts, Price: p, Quantity: 4, IsBuyerMaker: false})
	}

	if got := m.lastTickPressureMsg; !containsAll(got, "Ignition", "buy") {
		t.Fatalf("lastTickPressureMsg = %q, want an Ignition signal (total volume 12 >= 10, change 0.2%% >= 0.05%%)", got)
	}
}

func TestTickPressureDoesNotFireOnMixedSides(t *testing.T) {
	m := New("BTCUSDT", Config{TickPressureK: 3})
	m.HandleTrade(market.TradeEvent{TimestampMs: 100, Price: 100, Quantity: 1, IsBuyerMaker: false})
	m.HandleTrade(market.TradeEvent{TimestampMs: 200, Price: 101, Quantity: 1, IsBuyerMaker: true})
	m.HandleTrade(market.TradeEvent{TimestampMs: 300, Price: 102, Quantity: 1, IsBuyerMaker: false})

	if m.lastTickPressureMsg != "" {
		t.Fatalf("expected no signal with mixed-side trailing ticks, got %q", m.lastTickPressureMsg)
	}
}

func TestTickPressureDoesNotFireOnNonMonotonicPrices(t *testing.T) {
	m := New("BTCUSDT", Config{TickPressureK: 3})
	m.HandleTrade(market.TradeEvent{TimestampMs: 100, Price: 100, Quantity: 1, IsBuyerMaker: false})
	m.HandleTrade(market.TradeEvent{TimestampMs: 200, Price: 101, Quantity: 1, IsBuyerMaker: false})
	m.HandleTrade(market.TradeEvent{TimestampMs: 300, Price: 100.5, Quantity: 1, IsBuyerMaker: false})

	if m.lastTickPressureMsg != "" {
		t.Fatalf("expected no signal when trailing prices aren't strictly monotonic, got %q", m.lastTickPressureMsg)
	}
}

func TestTickPressureKClampedToConfiguredRange(t *testing.T) {
	if got := (Config{TickPressureK: 1}).tickPressureK(); got != 3 {
		t.Fatalf("tickPressureK() with input 1 = %v, want clamped to 3", got)
	}
	if got := (Config{TickPressureK: 50}).tickPressureK(); got != 20 {
		t.Fatalf("tickPressureK() with input 50 = %v, want clamped to 20", got)
	}
	if got := (Config{}).tickPressureK(); got != 5 {
		t.Fatalf("tickPressureK() with no override = %v, want default 5", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestCleanupExpiredDataEvictsStaleEmptyFlows(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 1_000,
		Bids:        []market.PriceLevel{{Price: 100, Quantity: 1}},
	})
	// A trade at the level keeps its flow alive once the depth is
	// cleared, so eviction is left to CleanupExpiredData.
	m.HandleTrade(market.TradeEvent{TimestampMs: 1_500, Price: 100, Quantity: 1})
	// Clear the level with a follow-up batch that doesn't mention it.
	m.HandleDepthUpdate(market.DepthUpdate{TimestampMs: 2_000, Bids: []market.PriceLevel{{Price: 50, Quantity: 1}}})

	if f, ok := m.flows[priceKeyOf(t, 100)]; !ok || f.BidQty != 0 {
		t.Fatalf("expected flow at 100 to still exist, with zeroed qty, immediately after clearing; got %+v ok=%v", f, ok)
	}

	m.CleanupExpiredData(2_000 + staleFlowTimeoutMs + 1)
	if _, ok := m.flows[priceKeyOf(t, 100)]; ok {
		t.Fatal("expected stale empty flow at 100 to be evicted")
	}
}

func TestAggregatedFlowsBucketsToNearestWholeDollar(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.HandleDepthUpdate(market.DepthUpdate{
		TimestampMs: 1_000,
		Bids: []market.PriceLevel{
			{Price: 100.10, Quantity: 2},
			{Price: 100.40, Quantity: 3},
		},
		Asks: []market.PriceLevel{
			{Price: 101.60, Quantity: 1},
		},
	})

	agg := m.AggregatedFlows()
	bucket, ok := agg[100]
	if !ok {
		t.Fatalf("expected a bucket at 100, got %v", agg)
	}
	if bucket.BidQty != 5 {
		t.Fatalf("BidQty = %v, want 5 (2+3 from both levels rounding into 100)", bucket.BidQty)
	}
	if _, ok := agg[102]; !ok {
		t.Fatalf("expected 101.60 to round into bucket 102, got %v", agg)
	}
}

func priceKeyOf(t *testing.T, p float64) market.PriceKey {
	t.Helper()
	k, ok := market.NewPriceKey(p)
	if !ok {
		t.Fatalf("NewPriceKey(%v) rejected", p)
	}
	return k
}

func TestDailyResetClearsVolumeTotals(t *testing.T) {
	m := New("BTCUSDT", Config{})
	m.lastResetDate = "2020-01-01"
	m.totalBuyVolume = 10
	m.totalSellVolume = 5

	// 2020-01-02T00:00:00Z in epoch millis.
	m.checkAndResetDaily(1577923200000)

	if m.totalBuyVolume != 0 || m.totalSellVolume != 0 {
		t.Fatalf("expected daily totals reset, got buy=%v sell=%v", m.totalBuyVolume, m.totalSellVolume)
	}
}
