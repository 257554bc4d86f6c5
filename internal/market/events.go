package market

// PriceLevel is one entry in a depth diff: an absolute resting
// quantity at a price (0 clears the level).
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// DepthUpdate is a partial order book update: the symbol's bid/ask
// price levels that changed since the last update, as absolute
// quantities (not deltas).
type DepthUpdate struct {
	Symbol      string
	TimestampMs int64
	Bids        []PriceLevel
	Asks        []PriceLevel
}

// TradeEvent is a single executed trade on the exchange.
type TradeEvent struct {
	Symbol      string
	TimestampMs int64
	Price       float64
	Quantity    float64
	IsBuyerMaker bool // true => the buyer was resting (aggressor sold)
}

// BookTickerEvent is a best-bid/best-ask update, wrapping the snapshot
// type so it can travel through the event bus as a distinct payload.
type BookTickerEvent struct {
	Symbol string
	BookTickerSnapshot
}
