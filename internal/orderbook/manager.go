// Package orderbook maintains per-price order flow for a single
// symbol and derives the streaming micro-structure signals (order book
// imbalance, price speed, volatility, jump detection, volume-weighted
// momentum, tick pressure) from the stream of depth, trade, and
// book-ticker events a Provider emits.
package orderbook

import (
	"log"
	"math"
	"time"

	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/ring"
)

const (
	epsilon = 1e-9

	tradeWindowMs          = 5_000  // recent trade/cancel/increase footprint window
	priceSpeedWindowMs     = 1_000  // 1s tick buffer for price speed
	avgSpeedWindowMs       = 5_000  // averaging window for price speed
	realizedVolWindowMs    = 10_000 // 10s price history window for realized volatility
	momentumWindowMs       = 10_000 // 10s momentum window
	tickPressureTradeDepth = 10     // trailing ticks for trade imbalance
	staleFlowTimeoutMs     = 60_000 // evict empty flows inactive this long
	crossSideBufferRatio   = 0.10   // 10% of spread, buffer for cross-side cleanup

	legacyVolatilityScale = 100000.0 // preserved for UI continuity, display-only
	realizedVolScale      = 10000.0
	jumpZThreshold         = 2.5
	jumpDecay              = 0.95

	maxReturnsHistory    = 1000
	maxRVHistory         = 600
	maxJumpHistory       = 600
	maxMomentumPrices    = 500
	maxMomentumHistory   = 3000
	maxTickPressureSigs  = 512
)

// Config tunes optional/ambiguous behavior called out in the
// specification's open questions.
type Config struct {
	// TradeFallbackToDepth adds trade quantity directly into
	// BidQty/AskQty while no depth update has been received yet. Off by
	// default: depth diffs stay authoritative and a
	// trade alone never fabricates resting liquidity.
	TradeFallbackToDepth bool

	// TickPressureK is the trailing same-side, strictly-monotonic run
	// length required to fire a delta-tick pressure signal. Clamped to
	// [3,20]; 0 defaults to 5.
	TickPressureK int
}

func (c Config) tickPressureK() int {
	k := c.TickPressureK
	if k == 0 {
		k = 5
	}
	if k < 3 {
		k = 3
	}
	if k > 20 {
		k = 20
	}
	return k
}

// tickPressureWindowSize is the trailing-tick window a Manager retains
// for delta-tick pressure evaluation: max(2K, 10) per the specification.
func tickPressureWindowSize(k int) int {
	if w := 2 * k; w > 10 {
		return w
	}
	return 10
}

type priceTick struct {
	timestampMs int64
	price       float64
}

type returnSample struct {
	timestampMs int64
	logReturn   float64
}

type momentumSample struct {
	timestampMs int64
	price       float64
	volumeDelta float64
}

// Manager tracks one symbol's order flow and derived signals. It is
// not safe for concurrent use — callers drive it from the single
// foreground loop that owns the order book.
type Manager struct {
	symbol string
	cfg    Config

	flows       map[market.PriceKey]*market.OrderFlow
	bestBid     float64
	bestBidQty  float64
	bestAsk     float64
	bestAskQty  float64
	lastPrice   float64
	lastUpdated int64
	depthSeen   bool // set by the first HandleDepthUpdate

	totalBuyVolume  float64
	totalSellVolume float64
	lastResetDate   string // YYYY-MM-DD UTC

	priceTicks   *ring.Buffer[priceTick] // 1s window, price speed
	priceHistory *ring.Buffer[priceTick] // 10s window, realized volatility input
	returns      *ring.Buffer[returnSample]
	rvHistory    *ring.Buffer[float64]
	jumpHistory  *ring.Buffer[float64]
	jumpSignal   float64

	momentumPrices *ring.Buffer[momentumSample]
	momentumHist   *ring.Buffer[float64]
	momentumLast   float64

	recentTicks []market.TickData // trailing ticks for trade imbalance, trimmed by tradeWindowMs

	tickPressureK           int
	tickPressureWindowSize  int
	tickPressureWindow      []market.TickData // trailing window capped by count, for delta-tick pressure
	tickPressureSignals     *ring.Buffer[string]
	lastTickPressureMsg     string
}

// New creates a Manager for symbol.
func New(symbol string, cfg Config) *Manager {
	k := cfg.tickPressureK()
	return &Manager{
		symbol:                 symbol,
		cfg:                    cfg,
		flows:                  make(map[market.PriceKey]*market.OrderFlow),
		priceTicks:             ring.NewBuffer[priceTick](2048),
		priceHistory:           ring.NewBuffer[priceTick](4096),
		returns:                ring.NewBuffer[returnSample](maxReturnsHistory),
		rvHistory:              ring.NewBuffer[float64](maxRVHistory),
		jumpHistory:            ring.NewBuffer[float64](maxJumpHistory),
		momentumPrices:         ring.NewBuffer[momentumSample](maxMomentumPrices),
		momentumHist:           ring.NewBuffer[float64](maxMomentumHistory),
		tickPressureK:          k,
		tickPressureWindowSize: tickPressureWindowSize(k),
		tickPressureSignals:    ring.NewBuffer[string](maxTickPressureSigs),
		lastResetDate:          time.Now().UTC().Format("2006-01-02"),
	}
}

func (m *Manager) flow(price float64) (*market.OrderFlow, bool) {
	key, ok := market.NewPriceKey(price)
	if !ok {
		return nil, false
	}
	f, ok := m.flows[key]
	if !ok {
		f = &market.OrderFlow{Price: key}
		m.flows[key] = f
	}
	return f, true
}

// HandleDepthUpdate applies an absolute-quantity depth diff: every
// price mentioned gets its resting quantity set (0 clears it), and,
// for each side that has at least one level in this batch, every price
// NOT mentioned on that side has it cleared. A side with no levels in
// the batch is left as it is.
func (m *Manager) HandleDepthUpdate(du market.DepthUpdate) {
	m.checkAndResetDaily(du.TimestampMs)
	m.depthSeen = true

	touchedBid := make(map[market.PriceKey]bool, len(du.Bids))
	touchedAsk := make(map[market.PriceKey]bool, len(du.Asks))

	for _, lvl := range du.Bids {
		f, ok := m.flow(lvl.Price)
		if !ok {
			continue
		}
		f.BidQty = lvl.Quantity
		f.LastUpdatedMs = du.TimestampMs
		touchedBid[f.Price] = true
	}
	for _, lvl := range du.Asks {
		f, ok := m.flow(lvl.Price)
		if !ok {
			continue
		}
		f.AskQty = lvl.Quantity
		f.LastUpdatedMs = du.TimestampMs
		touchedAsk[f.Price] = true
	}

	m.depthRangeCleanup(touchedBid, touchedAsk)
	m.recomputeBestBidAsk()
	m.lastUpdated = du.TimestampMs
}

// depthRangeCleanup clears, on each side that this depth batch reports
// at least one level for, every flow the batch didn't mention on that
// side, since anything missing implies it fell outside the exchange's
// reported depth range. A side absent from the batch is not touched.
// Flows left empty with no recent trades are deleted.
func (m *Manager) depthRangeCleanup(touchedBid, touchedAsk map[market.PriceKey]bool) {
	if len(touchedBid) == 0 && len(touchedAsk) == 0 {
		return
	}
	for key, f := range m.flows {
		if len(touchedBid) > 0 && !touchedBid[key] && f.BidQty > 0 {
			f.BidQty = 0
		}
		if len(touchedAsk) > 0 && !touchedAsk[key] && f.AskQty > 0 {
			f.AskQty = 0
		}
		if f.IsEmpty() && len(f.RecentTrades) == 0 {
			delete(m.flows, key)
		}
	}
}

// HandleTrade folds a trade into the price level's footprint, updates
// tick-level histories, and recomputes every derived signal.
func (m *Manager) HandleTrade(te market.TradeEvent) {
	m.checkAndResetDaily(te.TimestampMs)

	isBuy := !te.IsBuyerMaker // buyer was the aggressor (taker) when not buyer-maker
	f, ok := m.flow(te.Price)
	if ok {
		f.AddTrade(te.TimestampMs, market.TradeRecord{
			TimestampMs: te.TimestampMs,
			Price:       te.Price,
			Quantity:    te.Quantity,
			IsBuy:       isBuy,
		}, tradeWindowMs)

		if m.cfg.TradeFallbackToDepth && !m.depthSeen {
			if isBuy {
				f.AskQty += te.Quantity
			} else {
				f.BidQty += te.Quantity
			}
		}
	}

	if isBuy {
		m.totalBuyVolume += te.Quantity
	} else {
		m.totalSellVolume += te.Quantity
	}

	m.lastPrice = te.Price

	tick := market.TickData{TimestampMs: te.TimestampMs, Price: te.Price, Quantity: te.Quantity, IsBuy: isBuy}
	m.pushTick(tick)
	m.pushTickPressureWindow(tick)

	m.priceTicks.Push(priceTick{timestampMs: te.TimestampMs, price: te.Price})
	m.priceHistory.Push(priceTick{timestampMs: te.TimestampMs, price: te.Price})
	m.trimWindow(m.priceTicks, te.TimestampMs, priceSpeedWindowMs)
	m.trimWindow(m.priceHistory, te.TimestampMs, realizedVolWindowMs)

	m.updateReturnsAndVolatility(te.TimestampMs)
	m.updateMomentum(te.TimestampMs, te.Price, te.Quantity, isBuy)
	m.updateTickPressure(te.TimestampMs)

	m.lastUpdated = te.TimestampMs
}

func (m *Manager) pushTick(t market.TickData) {
	m.recentTicks = append(m.recentTicks, t)
	cutoff := t.TimestampMs - tradeWindowMs
	i := 0
	for i < len(m.recentTicks) && m.recentTicks[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		m.recentTicks = append([]market.TickData(nil), m.recentTicks[i:]...)
	}
}

// pushTickPressureWindow maintains the trailing tickPressureWindowSize
// ticks by count (not wall-clock age) that delta-tick pressure evaluates.
func (m *Manager) pushTickPressureWindow(t market.TickData) {
	m.tickPressureWindow = append(m.tickPressureWindow, t)
	if over := len(m.tickPressureWindow) - m.tickPressureWindowSize; over > 0 {
		m.tickPressureWindow = append([]market.TickData(nil), m.tickPressureWindow[over:]...)
	}
}

// HandleBookTicker records a best-bid/best-ask update and clears any
// resting quantity that has crossed through the new top of book by
// more than a small buffer — a stale order that the exchange's depth
// stream hasn't gotten around to removing yet.
func (m *Manager) HandleBookTicker(be market.BookTickerEvent) {
	m.checkAndResetDaily(be.TimestampMs)

	m.bestBid = be.BestBidPx
	m.bestBidQty = be.BestBidQty
	m.bestAsk = be.BestAskPx
	m.bestAskQty = be.BestAskQty

	m.crossSideCleanup(be.BestBidPx, be.BestAskPx)
	m.lastUpdated = be.TimestampMs
}

// crossSideCleanup zeroes bid quantity resting above best-ask+buffer
// and ask quantity resting below best-bid-buffer, where buffer is 10%
// of the current spread. This catches liquidity the depth stream
// hasn't yet invalidated but that the top-of-book update proves stale.
func (m *Manager) crossSideCleanup(bestBid, bestAsk float64) {
	spread := bestAsk - bestBid
	if spread <= 0 {
		return
	}
	buffer := spread * crossSideBufferRatio

	for key, f := range m.flows {
		price := key.Float()
		if f.BidQty > 0 && price > bestAsk+buffer {
			f.BidQty = 0
		}
		if f.AskQty > 0 && price < bestBid-buffer {
			f.AskQty = 0
		}
		if f.IsEmpty() && len(f.RecentTrades) == 0 {
			delete(m.flows, key)
		}
	}
}

func (m *Manager) recomputeBestBidAsk() {
	var bestBid, bestAsk float64
	haveBid, haveAsk := false, false
	for key, f := range m.flows {
		price := key.Float()
		if f.BidQty > 0 && (!haveBid || price > bestBid) {
			bestBid, haveBid = price, true
		}
		if f.AskQty > 0 && (!haveAsk || price < bestAsk) {
			bestAsk, haveAsk = price, true
		}
	}
	if haveBid {
		m.bestBid = bestBid
	}
	if haveAsk {
		m.bestAsk = bestAsk
	}
}

// CleanupExpiredData runs periodic housekeeping: trims trailing
// cancel/increase windows and evicts price levels that are both empty
// and have seen no activity for staleFlowTimeoutMs. Intended to be
// called on a steady tick from the reactive loop, independent of
// market activity.
func (m *Manager) CleanupExpiredData(nowMs int64) {
	m.checkAndResetDaily(nowMs)

	for key, f := range m.flows {
		f.TrimCancelsAndIncreases(nowMs, tradeWindowMs)
		if f.IsEmpty() && nowMs-f.LastUpdatedMs > staleFlowTimeoutMs {
			delete(m.flows, key)
		}
	}
}

func (m *Manager) checkAndResetDaily(nowMs int64) {
	today := time.UnixMilli(nowMs).UTC().Format("2006-01-02")
	if today == m.lastResetDate {
		return
	}
	log.Printf("orderbook %s: UTC day rollover, resetting daily totals (buy=%.4f sell=%.4f flows=%d)",
		m.symbol, m.totalBuyVolume, m.totalSellVolume, len(m.flows))
	m.totalBuyVolume = 0
	m.totalSellVolume = 0
	for _, f := range m.flows {
		f.ResetDaily()
	}
	m.lastResetDate = today
}

func (m *Manager) trimWindow(buf *ring.Buffer[priceTick], nowMs, windowMs int64) {
	cutoff := nowMs - windowMs
	all := buf.Slice()
	i := 0
	for i < len(all) && all[i].timestampMs < cutoff {
		i++
	}
	if i == 0 {
		return
	}
	buf.Clear()
	for _, v := range all[i:] {
		buf.Push(v)
	}
}

// Snapshot builds the current published MarketSnapshot.
func (m *Manager) Snapshot() market.MarketSnapshot {
	obi := m.orderBookImbalance()
	return market.MarketSnapshot{
		Symbol:                 m.symbol,
		TimestampMs:            m.lastUpdated,
		BestBidPx:              m.bestBid,
		BestBidQty:             m.bestBidQty,
		BestAskPx:              m.bestAsk,
		BestAskQty:             m.bestAskQty,
		LastPrice:              m.lastPrice,
		OrderBookImbalance:     obi,
		PriceSpeed:             m.priceSpeed(m.lastUpdated),
		LegacyVolatility:       m.legacyVolatility(),
		RealizedVolatility:     m.realizedVolatility(),
		JumpSignal:             m.jumpSignal,
		VolumeWeightedMomentum: m.lastMomentum(),
		TradeImbalance:         m.tradeImbalance(),
		TickPressureSignal:     m.lastTickPressureMsg,
		TotalBuyVolume:         m.totalBuyVolume,
		TotalSellVolume:        m.totalSellVolume,
	}
}

// orderBookImbalance is resting bid quantity / (bid+ask resting
// quantity) across every tracked price level; defaults to 0.5 when
// there is no resting liquidity at all.
func (m *Manager) orderBookImbalance() float64 {
	var bid, ask float64
	for _, f := range m.flows {
		if f.BidQty > 0 {
			bid += f.BidQty
		}
		if f.AskQty > 0 {
			ask += f.AskQty
		}
	}
	total := bid + ask
	if total < epsilon {
		return 0.5
	}
	return bid / total
}

// AggregatedFlows returns a read-only snapshot of the price->OrderFlow
// map with prices bucketed to the nearest whole dollar, summing resting
// quantity from every level that rounds into the same bucket. This is
// the view exposed to UI/test-harness consumers; the unaggregated map
// stays internal so raw exchange tick size never leaks out.
func (m *Manager) AggregatedFlows() map[float64]market.OrderFlow {
	out := make(map[float64]market.OrderFlow, len(m.flows))
	for key, f := range m.flows {
		bucket := math.Round(key.Float())
		agg, ok := out[bucket]
		if !ok {
			agg = market.OrderFlow{Price: market.PriceKey(bucket)}
		}
		agg.BidQty += f.BidQty
		agg.AskQty += f.AskQty
		agg.HistoryTradeRecord.BuyVolume += f.HistoryTradeRecord.BuyVolume
		agg.HistoryTradeRecord.SellVolume += f.HistoryTradeRecord.SellVolume
		agg.RealtimeTradeRecord.BuyVolume += f.RealtimeTradeRecord.BuyVolume
		agg.RealtimeTradeRecord.SellVolume += f.RealtimeTradeRecord.SellVolume
		if f.RealtimeTradeRecord.WindowStartMs > agg.RealtimeTradeRecord.WindowStartMs {
			agg.RealtimeTradeRecord.WindowStartMs = f.RealtimeTradeRecord.WindowStartMs
		}
		if f.LastUpdatedMs > agg.LastUpdatedMs {
			agg.LastUpdatedMs = f.LastUpdatedMs
		}
		out[bucket] = agg
	}
	return out
}

func isFiniteNum(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
