package orderbook

import (
	"fmt"
	"math"
)

// updateReturnsAndVolatility appends the latest log-return to the
// returns window (auto-capped by the ring buffer itself, which rounds
// maxReturnsHistory up to the next power of two, 1024) and refreshes the jump signal off the updated series.
func (m *Manager) updateReturnsAndVolatility(nowMs int64) {
	prices := m.priceHistory.Slice()
	if len(prices) < 2 {
		return
	}
	p0 := prices[len(prices)-2].price
	p1 := prices[len(prices)-1].price
	if p0 <= 0 || p1 <= 0 {
		return
	}
	lr := math.Log(p1 / p0)
	if !isFiniteNum(lr) {
		return
	}
	m.returns.Push(returnSample{timestampMs: nowMs, logReturn: lr})
	m.updateJumpSignal()
}

func meanAndVariance(xs []float64, sampleCorrection bool) (mean, variance float64) {
	n := len(xs)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(n)

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	denom := float64(n)
	if sampleCorrection {
		if n < 2 {
			return mean, 0
		}
		denom = float64(n - 1)
	}
	return mean, sq / denom
}

func returnValues(samples []returnSample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if isFiniteNum(s.logReturn) {
			out = append(out, s.logReturn)
		}
	}
	return out
}

// legacyVolatility is the population-variance standard deviation of
// the log-return series, scaled for UI continuity with the original
// display units. Kept as population variance (n, not n-1) per the
// long-standing behavior this metric is expected to preserve.
func (m *Manager) legacyVolatility() float64 {
	xs := returnValues(m.returns.Slice())
	if len(xs) < 2 {
		return 0
	}
	_, variance := meanAndVariance(xs, false)
	return math.Sqrt(variance) * legacyVolatilityScale
}

// realizedVolatility is the sample-variance (n-1) standard deviation of
// the same log-return series, scaled independently of legacyVolatility.
// Needs at least 5 returns before it reports anything but zero.
func (m *Manager) realizedVolatility() float64 {
	xs := returnValues(m.returns.Slice())
	if len(xs) < 5 {
		return 0
	}
	_, variance := meanAndVariance(xs, true)
	rv := math.Sqrt(variance) * realizedVolScale
	m.rvHistory.Push(rv)
	return rv
}

// updateJumpSignal scores the most recent log-return against the
// series' own mean/stddev. A breach of jumpZThreshold latches the
// signal at |z|; otherwise it decays geometrically so a jump fades out
// over a few ticks instead of vanishing instantly.
func (m *Manager) updateJumpSignal() {
	xs := returnValues(m.returns.Slice())
	if len(xs) < 30 {
		m.jumpSignal *= jumpDecay
		m.jumpHistory.Push(m.jumpSignal)
		return
	}
	mean, variance := meanAndVariance(xs, true)
	stddev := math.Sqrt(variance)
	if stddev < epsilon {
		m.jumpSignal *= jumpDecay
		m.jumpHistory.Push(m.jumpSignal)
		return
	}
	last := xs[len(xs)-1]
	z := (last - mean) / stddev
	if math.Abs(z) > jumpZThreshold {
		m.jumpSignal = math.Abs(z)
	} else {
		m.jumpSignal *= jumpDecay
	}
	m.jumpHistory.Push(m.jumpSignal)
}

// priceSpeed blends an instantaneous speed (price change per second
// over the 1s tick window) with an averaged speed over avgSpeedWindowMs
// of price history, so a single outlier tick doesn't whipsaw the
// reported value.
func (m *Manager) priceSpeed(nowMs int64) float64 {
	ticks := m.priceTicks.Slice()
	instant := speedOf(ticks)

	hist := m.priceHistory.Slice()
	cutoff := nowMs - avgSpeedWindowMs
	i := 0
	for i < len(hist) && hist[i].timestampMs < cutoff {
		i++
	}
	avg := speedOf(hist[i:])

	if len(hist[i:]) < 2 {
		return instant
	}
	return (instant + avg) / 2
}

func speedOf(ticks []priceTick) float64 {
	if len(ticks) < 2 {
		return 0
	}
	first, last := ticks[0], ticks[len(ticks)-1]
	elapsed := last.timestampMs - first.timestampMs
	if elapsed <= 0 {
		return 0
	}
	return (last.price - first.price) / float64(elapsed) * 1000
}

// updateMomentum folds a trade into the momentum window (capped at
// maxMomentumPrices samples) and, once the window is full, recomputes
// the volume-weighted momentum reading.
//
// The volume weight here is a confidence multiplier derived from how
// lopsided buy/sell volume is across the window (0.5 at perfectly
// balanced volume, up to 1.5 at all-one-side), applied to the z-scored
// return. A pure buy/sell-volume ratio isn't usable as a weight on its
// own: total buy volume and total trade volume share the same sum
// whenever every trade is tagged one side or the other, so that ratio
// alone can't discriminate between windows.
func (m *Manager) updateMomentum(nowMs int64, price, quantity float64, isBuy bool) {
	delta := quantity
	if !isBuy {
		delta = -quantity
	}
	m.momentumPrices.Push(momentumSample{timestampMs: nowMs, price: price, volumeDelta: delta})

	samples := m.momentumPrices.Slice()
	if len(samples) > maxMomentumPrices {
		// The ring rounds its capacity up to a power of two; keep the
		// window at exactly maxMomentumPrices samples.
		samples = samples[len(samples)-maxMomentumPrices:]
	}
	if len(samples) < maxMomentumPrices {
		return
	}

	returns := make([]float64, 0, len(samples)-1)
	var buyVolume, totalVolume float64
	for i := 1; i < len(samples); i++ {
		p0, p1 := samples[i-1].price, samples[i].price
		if p0 > 0 && p1 > 0 {
			if lr := math.Log(p1 / p0); isFiniteNum(lr) {
				returns = append(returns, lr)
			}
		}
	}
	for _, s := range samples {
		v := math.Abs(s.volumeDelta)
		totalVolume += v
		if s.volumeDelta > 0 {
			buyVolume += v
		}
	}
	if len(returns) < 2 || totalVolume < epsilon {
		return
	}

	mean, variance := meanAndVariance(returns, true)
	stddev := math.Sqrt(variance)
	if stddev < epsilon {
		return
	}
	z := mean / stddev

	imbalanceRatio := buyVolume / totalVolume // in [0, 1]
	weight := 0.5 + imbalanceRatio            // in [0.5, 1.5]

	m.momentumLast = z * weight
	m.momentumHist.Push(m.momentumLast)
}

func (m *Manager) lastMomentum() float64 {
	return m.momentumLast
}

// tradeImbalance is the buy/sell volume imbalance over the trailing
// tickPressureTradeDepth ticks, in [-1, 1].
func (m *Manager) tradeImbalance() float64 {
	ticks := m.recentTicks
	if len(ticks) > tickPressureTradeDepth {
		ticks = ticks[len(ticks)-tickPressureTradeDepth:]
	}
	var buy, sell float64
	for _, t := range ticks {
		if t.IsBuy {
			buy += t.Quantity
		} else {
			sell += t.Quantity
		}
	}
	total := buy + sell
	if total < epsilon {
		return 0
	}
	return (buy - sell) / total
}

// updateTickPressure checks the trailing K ticks (K = m.tickPressureK)
// of the count-bounded tickPressureWindow: if they're all the same
// side and form a strictly monotonic price sequence (either direction),
// it emits a signal classified as "Ignition" (total volume ≥ 10 and
// price change ≥ 0.05%) or "Momentum Follow" otherwise. Evaluated as
// soon as K trailing ticks qualify — it does not wait for the full
// window to fill.
func (m *Manager) updateTickPressure(nowMs int64) {
	k := m.tickPressureK
	if len(m.tickPressureWindow) < k {
		return
	}
	trailing := m.tickPressureWindow[len(m.tickPressureWindow)-k:]

	firstIsBuy := trailing[0].IsBuy
	for _, t := range trailing {
		if t.IsBuy != firstIsBuy {
			return
		}
	}

	ascending, descending := true, true
	for i := 1; i < len(trailing); i++ {
		if trailing[i].Price <= trailing[i-1].Price {
			ascending = false
		}
		if trailing[i].Price >= trailing[i-1].Price {
			descending = false
		}
	}
	if !ascending && !descending {
		return
	}

	direction := "sell"
	if firstIsBuy {
		direction = "buy"
	}

	var totalVolume float64
	for _, t := range trailing {
		totalVolume += t.Quantity
	}

	first, last := trailing[0].Price, trailing[len(trailing)-1].Price
	if first <= 0 {
		return
	}
	changePct := (last - first) / first * 100

	classification := "Momentum Follow"
	if totalVolume >= 10 && math.Abs(changePct) >= 0.05 {
		classification = "Ignition"
	}

	msg := fmt.Sprintf("%s | %s pressure | %d ticks | start=%.4f end=%.4f | vol=%.2f | change=%.3f%%",
		classification, direction, k, first, last, totalVolume, changePct)
	m.lastTickPressureMsg = msg
	m.tickPressureSignals.Push(msg)
}
