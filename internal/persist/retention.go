package persist

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// RunRetention periodically deletes snapshot and signal-history documents
// older than the retention period. Blocks until ctx is cancelled. Pass
// retentionDays <= 0 to disable.
func RunRetention(ctx context.Context, store *Store, retentionDays int) {
	if retentionDays <= 0 {
		log.Println("snapshot retention disabled (keep forever)")
		return
	}

	interval := 1 * time.Hour
	log.Printf("snapshot retention: pruning documents older than %d days every %v", retentionDays, interval)

	prune(ctx, store, retentionDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune(ctx, store, retentionDays)
		}
	}
}

func prune(ctx context.Context, store *Store, retentionDays int) {
	cutoffMs := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	filter := bson.M{"timestamp_ms": bson.M{"$lt": cutoffMs}}

	for _, collection := range []string{CollectionSnapshots, CollectionSignalHistory} {
		result, err := store.db.Collection(collection).DeleteMany(ctx, filter)
		if err != nil {
			log.Printf("retention prune error (%s): %v", collection, err)
			continue
		}
		if result.DeletedCount > 0 {
			log.Printf("retention: pruned %d documents from %s older than %d days", result.DeletedCount, collection, retentionDays)
		}
	}
}
