// Package market defines the data model shared by the order book, the
// signal computations, and everything downstream of them: price keys,
// per-price order flow, and the snapshots that get broadcast to clients.
package market

import "math"

// PriceKey is a price used as a map key. Equality is bit-exact float64
// comparison, never within-epsilon — two prices that differ in the last
// bit are different price levels. NaN prices are rejected by callers
// before a PriceKey is ever constructed.
type PriceKey float64

// NewPriceKey validates p and returns a PriceKey, or ok=false if p is
// NaN or infinite and therefore cannot be a price level.
func NewPriceKey(p float64) (PriceKey, bool) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, false
	}
	return PriceKey(p), true
}

func (k PriceKey) Float() float64 { return float64(k) }

// Side identifies which side of the book a quantity or trade belongs to.
type Side int

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

// TradeRecord is one executed trade against a price level, retained in
// OrderFlow's short trailing windows for tick-pressure and footprint
// analysis.
type TradeRecord struct {
	TimestampMs int64
	Price       float64
	Quantity    float64
	IsBuy       bool // aggressor bought (taker lifted the ask)
}

// CancelRecord and IncreaseRecord track resting-quantity churn at a
// price level over the trailing few seconds; they feed the depth
// cleanup heuristics, not the published signals directly.
type CancelRecord struct {
	TimestampMs int64
	Quantity    float64
}

type IncreaseRecord struct {
	TimestampMs int64
	Quantity    float64
}

// TradeWindow is a buy/sell volume tally over some window of trades at
// a price level, with the window's start timestamp for the decaying
// (realtime) variant.
type TradeWindow struct {
	BuyVolume     float64
	SellVolume    float64
	WindowStartMs int64
}

// OrderFlow holds everything known about a single price level: resting
// bid/ask quantity from depth updates, and the trailing trade/cancel/
// increase history used for footprint and cleanup logic.
type OrderFlow struct {
	Price  PriceKey
	BidQty float64
	AskQty float64

	RecentTrades    []TradeRecord
	RecentCancels   []CancelRecord
	RecentIncreases []IncreaseRecord

	// HistoryTradeRecord is cumulative buy/sell volume at this price
	// level since the last UTC-day rollover. RealtimeTradeRecord is the
	// same split recomputed from RecentTrades on every trade, so it
	// decays as entries age out of the trailing window instead of only
	// ever growing.
	HistoryTradeRecord  TradeWindow
	RealtimeTradeRecord TradeWindow

	LastUpdatedMs int64
}

// IsEmpty reports whether this price level carries no resting quantity
// on either side and can be evicted once also inactive.
func (f *OrderFlow) IsEmpty() bool {
	return f.BidQty <= 0 && f.AskQty <= 0
}

// AddTrade appends a trade to the level's footprint, trims anything
// older than windowMs relative to nowMs, and recomputes both trade
// records from scratch: history accumulates forever (until the daily
// reset), realtime is rebuilt from whatever survived the trim so it
// shrinks as trades age out of the window.
func (f *OrderFlow) AddTrade(nowMs int64, rec TradeRecord, windowMs int64) {
	f.RecentTrades = append(f.RecentTrades, rec)
	if rec.IsBuy {
		f.HistoryTradeRecord.BuyVolume += rec.Quantity
	} else {
		f.HistoryTradeRecord.SellVolume += rec.Quantity
	}
	f.LastUpdatedMs = nowMs
	f.RecentTrades = trimTrades(f.RecentTrades, nowMs, windowMs)
	f.RealtimeTradeRecord = tradeWindowOf(f.RecentTrades, nowMs-windowMs)
}

func trimTrades(recs []TradeRecord, nowMs, windowMs int64) []TradeRecord {
	cutoff := nowMs - windowMs
	i := 0
	for i < len(recs) && recs[i].TimestampMs < cutoff {
		i++
	}
	if i == 0 {
		return recs
	}
	return append([]TradeRecord(nil), recs[i:]...)
}

// tradeWindowOf tallies buy/sell volume across recs, which the caller
// has already trimmed to the window starting at windowStartMs.
func tradeWindowOf(recs []TradeRecord, windowStartMs int64) TradeWindow {
	w := TradeWindow{WindowStartMs: windowStartMs}
	for _, r := range recs {
		if r.IsBuy {
			w.BuyVolume += r.Quantity
		} else {
			w.SellVolume += r.Quantity
		}
	}
	return w
}

// TrimCancelsAndIncreases discards entries older than windowMs.
func (f *OrderFlow) TrimCancelsAndIncreases(nowMs, windowMs int64) {
	cutoff := nowMs - windowMs
	ci := 0
	for ci < len(f.RecentCancels) && f.RecentCancels[ci].TimestampMs < cutoff {
		ci++
	}
	if ci > 0 {
		f.RecentCancels = append([]CancelRecord(nil), f.RecentCancels[ci:]...)
	}
	ii := 0
	for ii < len(f.RecentIncreases) && f.RecentIncreases[ii].TimestampMs < cutoff {
		ii++
	}
	if ii > 0 {
		f.RecentIncreases = append([]IncreaseRecord(nil), f.RecentIncreases[ii:]...)
	}
}

// ResetDaily clears the daily footprint counter on UTC day rollover.
func (f *OrderFlow) ResetDaily() {
	f.HistoryTradeRecord = TradeWindow{}
}

// TickData is one normalized trade tick as consumed by the signal
// computations (price speed, volatility, momentum, tick pressure).
type TickData struct {
	TimestampMs int64
	Price       float64
	Quantity    float64
	IsBuy       bool
}

// BookTickerSnapshot mirrors a best-bid/best-ask update.
type BookTickerSnapshot struct {
	TimestampMs int64
	BestBidPx   float64
	BestBidQty  float64
	BestAskPx   float64
	BestAskQty  float64
}

func (b BookTickerSnapshot) Spread() float64 {
	return b.BestAskPx - b.BestBidPx
}

func (b BookTickerSnapshot) Mid() float64 {
	return (b.BestAskPx + b.BestBidPx) / 2
}

// MarketSnapshot is the full published view of one symbol's state:
// top of book, order book imbalance, and every streaming signal.
type MarketSnapshot struct {
	Symbol      string
	TimestampMs int64

	BestBidPx  float64
	BestBidQty float64
	BestAskPx  float64
	BestAskQty float64
	LastPrice  float64

	// OrderBookImbalance is bid resting quantity / (bid+ask resting
	// quantity) across every tracked price level, in [0,1].
	OrderBookImbalance float64

	PriceSpeed          float64
	LegacyVolatility    float64
	RealizedVolatility  float64
	JumpSignal          float64
	VolumeWeightedMomentum float64
	TradeImbalance      float64

	TickPressureSignal string // human-readable classification, empty when none fired

	TotalBuyVolume  float64
	TotalSellVolume float64
}
