package persist

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ndrandal/flowsight/internal/market"
)

// SnapshotSource is anything that can produce the current published view
// of a symbol's market state. *app.App satisfies this.
type SnapshotSource interface {
	Snapshot() market.MarketSnapshot
}

// ProviderStatusSource reports the health of the active data provider so
// it can be checkpointed alongside market snapshots for after-the-fact
// diagnosis of disconnects.
type ProviderStatusSource interface {
	ActiveProviderName() string
	ActiveProviderConnected() bool
}

// Snapshotter periodically writes the current MarketSnapshot and its
// streaming signal values to MongoDB. Unlike the teacher's transactional
// full-book checkpoint, this is an append-only audit trail: the book
// itself is never restored from Mongo, only replayed from the live feed
// or a local recording, so there is no Load path.
type Snapshotter struct {
	store    *Store
	source   SnapshotSource
	provider ProviderStatusSource
}

// NewSnapshotter creates a snapshotter that reads from source every tick.
// provider may be nil if provider-status checkpointing is not needed.
func NewSnapshotter(store *Store, source SnapshotSource, provider ProviderStatusSource) *Snapshotter {
	return &Snapshotter{store: store, source: source, provider: provider}
}

// Run starts the periodic snapshot loop. Blocks until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Save(shutdownCtx); err != nil {
				log.Printf("final snapshot error: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Save(ctx); err != nil {
				log.Printf("snapshot error: %v", err)
			}
		}
	}
}

// Save writes the current snapshot and its signal values to Mongo.
func (s *Snapshotter) Save(ctx context.Context) error {
	snap := s.source.Snapshot()
	if snap.Symbol == "" {
		return nil // nothing ingested yet
	}

	db := s.store.db

	if _, err := db.Collection(CollectionSnapshots).InsertOne(ctx, bson.M{
		"symbol":        snap.Symbol,
		"timestamp_ms":  snap.TimestampMs,
		"best_bid_px":   snap.BestBidPx,
		"best_bid_qty":  snap.BestBidQty,
		"best_ask_px":   snap.BestAskPx,
		"best_ask_qty":  snap.BestAskQty,
		"last_price":    snap.LastPrice,
		"book_imbalance": snap.OrderBookImbalance,
	}); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := db.Collection(CollectionSignalHistory).InsertOne(ctx, bson.M{
		"symbol":           snap.Symbol,
		"timestamp_ms":     snap.TimestampMs,
		"price_speed":      snap.PriceSpeed,
		"legacy_vol":       snap.LegacyVolatility,
		"realized_vol":     snap.RealizedVolatility,
		"jump_signal":      snap.JumpSignal,
		"momentum":         snap.VolumeWeightedMomentum,
		"trade_imbalance":  snap.TradeImbalance,
		"tick_pressure":    snap.TickPressureSignal,
		"total_buy_volume": snap.TotalBuyVolume,
		"total_sell_volume": snap.TotalSellVolume,
	}); err != nil {
		return fmt.Errorf("insert signal history: %w", err)
	}

	if s.provider != nil {
		name := s.provider.ActiveProviderName()
		if name != "" {
			_, err := db.Collection(CollectionProviderStatus).UpdateOne(ctx,
				bson.M{"name": name},
				bson.M{"$set": bson.M{
					"name":       name,
					"connected":  s.provider.ActiveProviderConnected(),
					"checked_at": time.Now(),
				}},
				options.UpdateOne().SetUpsert(true),
			)
			if err != nil {
				return fmt.Errorf("upsert provider status: %w", err)
			}
		}
	}

	return nil
}
