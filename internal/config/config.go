// Package config loads FlowSight's configuration from flags with
// environment-variable fallbacks, following the teacher's flag+os.Getenv
// pattern rather than a config-file or viper-style library.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig holds the settings for one live WebSocket provider.
type ProviderConfig struct {
	Name              string
	BaseURL           string
	Streams           string // comma-separated stream kinds, e.g. "depth,trade,bookTicker"
	PingIntervalMs    int
	ReconnectDelayMs  int
	MaxReconnectTries int
}

// ReplayConfig holds the settings for the gzip-replay provider.
type ReplayConfig struct {
	DataDir           string
	FilePattern       string
	MinSpeed          float64
	MaxSpeed          float64
	Speed             float64
	AutoStart         bool
	Loop              bool
	StartTimestampNs  int64 // 0 = unbounded
	EndTimestampNs    int64 // 0 = unbounded
	EventTypeFilter   string // "", "depth", "trade", "bookTicker"
}

// ManagerConfig holds ProviderManager-level settings.
type ManagerConfig struct {
	DefaultProvider     string
	FailoverEnabled     bool
	HealthCheckInterval time.Duration
	Strategy            string // FailoverOnly | LoadBalance | QualityFirst | Manual
}

// Config holds all FlowSight configuration.
type Config struct {
	// Server
	WSPort int
	Host   string

	// Core
	Symbol           string
	EventBufferSize  int
	MaxReconnectTries int
	MaxVisibleRows   int
	PricePrecision   int

	Provider ProviderConfig
	Replay   ReplayConfig
	Manager  ManagerConfig

	TradeFallbackToDepth bool

	// TickPressureK is the trailing same-side, strictly-monotonic run
	// length that fires a delta-tick pressure signal. Clamped to [3,20]
	// by orderbook.Config; 0 here lets that default to 5.
	TickPressureK int

	MaxEventsPerCycle int
	TickInterval      time.Duration
	CleanupInterval   time.Duration

	// Optional Mongo analytics sink (empty MongoURI disables it)
	MongoURI           string
	SnapshotInterval   time.Duration
	HistoryRetentionDays int

	// S3 archival (opt-in: only active when S3Bucket is set)
	S3Bucket             string
	S3Region             string
	S3Prefix             string
	ArchiveIntervalHours int
	ArchiveAfterHours    int
	ArchiveDir           string
	ArchiveMaxGB         int

	SendBufferSize int
}

func Load() *Config {
	c := &Config{}

	flag.IntVar(&c.WSPort, "port", envInt("FLOWSIGHT_PORT", 8100), "HTTP/WebSocket server port")
	flag.StringVar(&c.Host, "host", envStr("FLOWSIGHT_HOST", "0.0.0.0"), "Listen host")

	flag.StringVar(&c.Symbol, "symbol", envStr("FLOWSIGHT_SYMBOL", "BTCUSDT"), "Symbol to ingest")
	flag.IntVar(&c.EventBufferSize, "event-buffer-size", envInt("EVENT_BUFFER_SIZE", 4096), "Event bus ring buffer capacity")
	flag.IntVar(&c.MaxReconnectTries, "max-reconnect-attempts", envInt("MAX_RECONNECT_ATTEMPTS", 10), "Max reconnect attempts (parsed but not read by any component; the live provider reconnects without limit)")
	flag.IntVar(&c.MaxVisibleRows, "max-visible-rows", envInt("MAX_VISIBLE_ROWS", 50), "Max order-book price levels per side (parsed but not read by any component)")
	flag.IntVar(&c.PricePrecision, "price-precision", envInt("PRICE_PRECISION", 2), "Decimal places for prices (parsed but not read; aggregation always buckets to whole dollars)")

	flag.StringVar(&c.Provider.Name, "provider-name", envStr("PROVIDER_NAME", "live"), "Live provider name")
	flag.StringVar(&c.Provider.BaseURL, "provider-base-url", envStr("PROVIDER_BASE_URL", "wss://stream.example.com/ws"), "Live provider WebSocket base URL")
	flag.StringVar(&c.Provider.Streams, "provider-streams", envStr("PROVIDER_STREAMS", "depth,trade,bookTicker"), "Comma-separated stream kinds to subscribe per symbol")
	flag.IntVar(&c.Provider.PingIntervalMs, "provider-ping-interval-ms", envInt("PROVIDER_PING_INTERVAL_MS", 15000), "WebSocket ping interval in ms")
	flag.IntVar(&c.Provider.ReconnectDelayMs, "provider-reconnect-delay-ms", envInt("PROVIDER_RECONNECT_DELAY_MS", 1000), "Base reconnect backoff delay in ms")
	flag.IntVar(&c.Provider.MaxReconnectTries, "provider-max-reconnect-attempts", envInt("PROVIDER_MAX_RECONNECT_ATTEMPTS", 10), "Max reconnect attempts for the live provider (parsed but not read; the live provider reconnects without limit)")

	flag.StringVar(&c.Replay.DataDir, "replay-dir", envStr("REPLAY_DIR", "./data/replay"), "Replay input directory")
	flag.StringVar(&c.Replay.FilePattern, "replay-pattern", envStr("REPLAY_PATTERN", "*.jsonl.gz"), "Replay file glob pattern")
	flag.Float64Var(&c.Replay.MinSpeed, "replay-min-speed", envFloat("REPLAY_MIN_SPEED", 0.1), "Replay min playback speed multiplier")
	flag.Float64Var(&c.Replay.MaxSpeed, "replay-max-speed", envFloat("REPLAY_MAX_SPEED", 100.0), "Replay max playback speed multiplier")
	flag.Float64Var(&c.Replay.Speed, "replay-speed", envFloat("REPLAY_SPEED", 1.0), "Replay playback speed multiplier")
	flag.BoolVar(&c.Replay.AutoStart, "replay-auto-start", envBool("REPLAY_AUTO_START", false), "Start replay automatically on launch")
	flag.BoolVar(&c.Replay.Loop, "replay-loop", envBool("REPLAY_LOOP", false), "Loop replay after reaching end of directory")
	flag.Int64Var(&c.Replay.StartTimestampNs, "replay-start-ns", envInt64("REPLAY_START_NS", 0), "Replay start timestamp filter (ns, 0 = unbounded; parsed but not passed to the replay provider, which plays every record)")
	flag.Int64Var(&c.Replay.EndTimestampNs, "replay-end-ns", envInt64("REPLAY_END_NS", 0), "Replay end timestamp filter (ns, 0 = unbounded; parsed but not passed to the replay provider, which plays every record)")
	flag.StringVar(&c.Replay.EventTypeFilter, "replay-event-filter", envStr("REPLAY_EVENT_FILTER", ""), "Replay event-type filter (depth|trade|bookTicker, empty = all; parsed but not passed to the replay provider, which plays every record)")

	flag.StringVar(&c.Manager.DefaultProvider, "default-provider", envStr("DEFAULT_PROVIDER", "live"), "Default active provider name")
	flag.BoolVar(&c.Manager.FailoverEnabled, "failover-enabled", envBool("FAILOVER_ENABLED", true), "Enable automatic provider failover")
	healthCheckMs := flag.Int("health-check-interval-ms", envInt("HEALTH_CHECK_INTERVAL_MS", 5000), "Health-check interval in ms")
	flag.StringVar(&c.Manager.Strategy, "manager-strategy", envStr("MANAGER_STRATEGY", "FailoverOnly"), "ProviderManager auto-switch strategy (FailoverOnly|LoadBalance|QualityFirst|Manual)")

	flag.BoolVar(&c.TradeFallbackToDepth, "trade-fallback-to-depth", envBool("TRADE_FALLBACK_TO_DEPTH", false), "Fold trade quantity into resting depth when no depth snapshot exists yet")
	flag.IntVar(&c.TickPressureK, "tick-pressure-k", envInt("TICK_PRESSURE_K", 5), "Trailing same-side monotonic run length (K) that fires a delta-tick pressure signal, clamped to [3,20]")

	flag.IntVar(&c.MaxEventsPerCycle, "max-events-per-cycle", envInt("MAX_EVENTS_PER_CYCLE", 100), "Max bus events drained per reactive-loop iteration")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", ""), "MongoDB URI for the optional analytics sink (empty = disabled)")
	snapshotIntervalMs := flag.Int("snapshot-interval-ms", envInt("SNAPSHOT_INTERVAL_MS", 30000), "Analytics-sink snapshot interval in ms")
	flag.IntVar(&c.HistoryRetentionDays, "history-retention-days", envInt("HISTORY_RETENTION_DAYS", 7), "Analytics-sink history retention in days (0 = keep forever)")

	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for archived snapshots (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "flowsight"), "S3 key prefix for archived snapshots")
	flag.IntVar(&c.ArchiveIntervalHours, "archive-interval", envInt("ARCHIVE_INTERVAL_HOURS", 6), "Hours between archive runs")
	flag.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 24), "Archive snapshots older than this many hours")
	flag.StringVar(&c.ArchiveDir, "archive-dir", envStr("ARCHIVE_DIR", "./data/archive"), "Local directory for rotated gzip archives")
	flag.IntVar(&c.ArchiveMaxGB, "archive-max-gb", envInt("ARCHIVE_MAX_GB", 5), "Max local archive size in GB before oldest files are rotated out")

	flag.IntVar(&c.SendBufferSize, "send-buffer", envInt("SEND_BUFFER", 4096), "Per-client WebSocket send buffer size")

	flag.Parse()

	c.Manager.HealthCheckInterval = time.Duration(*healthCheckMs) * time.Millisecond
	c.SnapshotInterval = time.Duration(*snapshotIntervalMs) * time.Millisecond
	c.TickInterval = 10 * time.Millisecond
	c.CleanupInterval = 1 * time.Second

	return c
}

// ProviderStreams splits the comma-separated provider-streams flag into
// per-kind stream names.
func (c *Config) ProviderStreams() []string {
	return strings.Split(c.Provider.Streams, ",")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
