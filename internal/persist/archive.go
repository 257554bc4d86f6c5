package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Archiver periodically moves old snapshot documents (signal history is
// not archived, only pruned by retention) out of MongoDB into local gzipped NDJSON files, uploading each rotated
// file to S3 when a bucket is configured, and deletes the oldest local
// archives once total size exceeds maxBytes.
type Archiver struct {
	db       *mongo.Database
	dir      string
	maxBytes int64
	interval time.Duration
	maxAge   time.Duration

	s3Client *s3.Client // nil disables S3 upload
	s3Bucket string
	s3Prefix string
}

// NewArchiver creates an Archiver. s3Client may be nil to disable S3
// upload and keep archives local-disk only.
func NewArchiver(db *mongo.Database, dir string, maxGB, intervalHours, afterHours int, s3Client *s3.Client, s3Bucket, s3Prefix string) *Archiver {
	return &Archiver{
		db:       db,
		dir:      dir,
		maxBytes: int64(maxGB) * 1 << 30,
		interval: time.Duration(intervalHours) * time.Hour,
		maxAge:   time.Duration(afterHours) * time.Hour,
		s3Client: s3Client,
		s3Bucket: s3Bucket,
		s3Prefix: s3Prefix,
	}
}

// NewS3Client builds an S3 client from the default AWS credential chain
// for the given region. Returns nil, nil when bucket is empty — callers
// should treat a nil client as "archival stays local-disk only".
func NewS3Client(ctx context.Context, bucket, region string) (*s3.Client, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Printf("snapshot archiver: dir=%s max=%dGB interval=%v age=%v s3=%v",
		a.dir, a.maxBytes>>30, a.interval, a.maxAge, a.s3Client != nil)

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		log.Printf("snapshot archiver: load cursor: %v", err)
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	docs, err := a.querySnapshots(ctx, cursor, cutoff)
	if err != nil {
		log.Printf("snapshot archiver: query: %v", err)
		return
	}
	if len(docs) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	batches := groupByDay(docs)

	for day, batch := range batches {
		path, err := a.writeBatch(day, batch)
		if err != nil {
			log.Printf("snapshot archiver: write %s: %v", day, err)
			return
		}

		if a.s3Client != nil {
			if err := a.upload(ctx, path); err != nil {
				log.Printf("snapshot archiver: s3 upload %s: %v", path, err)
				return
			}
		}

		if err := a.deleteBatch(ctx, batch); err != nil {
			log.Printf("snapshot archiver: delete %s: %v", day, err)
			return
		}

		log.Printf("snapshot archiver: archived %d documents for %s", len(batch), day)
	}

	a.saveCursor(ctx, cutoff)
	a.rotate()
}

// snapshotDoc mirrors the "snapshots" collection document written by
// Snapshotter.Save.
type snapshotDoc struct {
	Symbol        string  `bson:"symbol"        json:"symbol"`
	TimestampMs   int64   `bson:"timestamp_ms"  json:"timestamp_ms"`
	BestBidPx     float64 `bson:"best_bid_px"   json:"best_bid_px"`
	BestBidQty    float64 `bson:"best_bid_qty"  json:"best_bid_qty"`
	BestAskPx     float64 `bson:"best_ask_px"   json:"best_ask_px"`
	BestAskQty    float64 `bson:"best_ask_qty"  json:"best_ask_qty"`
	LastPrice     float64 `bson:"last_price"    json:"last_price"`
	BookImbalance float64 `bson:"book_imbalance" json:"book_imbalance"`
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection(CollectionArchiveState).FindOne(ctx, bson.M{"key": "archive_cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection(CollectionArchiveState).UpdateOne(ctx,
		bson.M{"key": "archive_cursor"},
		bson.M{"$set": bson.M{
			"key":        "archive_cursor",
			"value_time": t,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		log.Printf("snapshot archiver: save cursor: %v", err)
	}
}

func (a *Archiver) querySnapshots(ctx context.Context, from, to time.Time) ([]snapshotDoc, error) {
	filter := bson.M{
		"timestamp_ms": bson.M{
			"$gte": from.UnixMilli(),
			"$lt":  to.UnixMilli(),
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp_ms", Value: 1}})

	cur, err := a.db.Collection(CollectionSnapshots).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find snapshots: %w", err)
	}
	defer cur.Close(ctx)

	var docs []snapshotDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}
	return docs, nil
}

func groupByDay(docs []snapshotDoc) map[string][]snapshotDoc {
	batches := make(map[string][]snapshotDoc)
	for _, d := range docs {
		day := time.UnixMilli(d.TimestampMs).UTC().Format("2006/01/02")
		batches[day] = append(batches[day], d)
	}
	return batches
}

// writeBatch writes snapshots as gzipped NDJSON to dir/snapshots/YYYY/MM/DD.jsonl.gz.
func (a *Archiver) writeBatch(day string, docs []snapshotDoc) (string, error) {
	path := filepath.Join(a.dir, "snapshots", day+".jsonl.gz")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			gz.Close()
			return "", fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return path, nil
}

func (a *Archiver) upload(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read for upload: %w", err)
	}
	key := filepath.ToSlash(filepath.Join(a.s3Prefix, filepath.Base(filepath.Dir(path)), filepath.Base(path)))
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.s3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	log.Printf("snapshot archiver: uploaded s3://%s/%s", a.s3Bucket, key)
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, docs []snapshotDoc) error {
	if len(docs) == 0 {
		return nil
	}
	min, max := docs[0].TimestampMs, docs[0].TimestampMs
	for _, d := range docs {
		if d.TimestampMs < min {
			min = d.TimestampMs
		}
		if d.TimestampMs > max {
			max = d.TimestampMs
		}
	}
	_, err := a.db.Collection(CollectionSnapshots).DeleteMany(ctx, bson.M{
		"timestamp_ms": bson.M{"$gte": min, "$lte": max},
	})
	if err != nil {
		return fmt.Errorf("delete archived snapshots: %w", err)
	}
	return nil
}

// rotate deletes the oldest local archive files until total size is
// under maxBytes. Only local-disk retention — S3, once uploaded, is
// retained indefinitely under the bucket's own lifecycle policy.
func (a *Archiver) rotate() {
	root := filepath.Join(a.dir, "snapshots")

	type entry struct {
		path string
		size int64
	}

	var files []entry
	var total int64

	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, entry{path: path, size: info.Size()})
		total += info.Size()
		return nil
	})

	if total <= a.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].path < files[j].path
	})

	for _, f := range files {
		if total <= a.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.Printf("snapshot archiver: remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
		log.Printf("snapshot archiver: rotated out %s (%d bytes)", f.path, f.size)
	}
}
