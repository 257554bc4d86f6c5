package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ndrandal/flowsight/internal/app"
	"github.com/ndrandal/flowsight/internal/config"
	"github.com/ndrandal/flowsight/internal/event"
	"github.com/ndrandal/flowsight/internal/httpapi"
	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/orderbook"
	"github.com/ndrandal/flowsight/internal/persist"
	"github.com/ndrandal/flowsight/internal/provider"
	"github.com/ndrandal/flowsight/internal/session"
	"github.com/ndrandal/flowsight/internal/wire"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("flowsight starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	book := orderbook.New(cfg.Symbol, orderbook.Config{
		TradeFallbackToDepth: cfg.TradeFallbackToDepth,
		TickPressureK:        cfg.TickPressureK,
	})
	bus := event.NewBus(cfg.EventBufferSize)

	mgr := newProviderManager(cfg)
	if err := mgr.StartAll(ctx); err != nil {
		log.Fatalf("provider manager failed to start: %v", err)
	}
	defer mgr.StopAll(context.Background())

	reactiveApp := app.New(app.Config{
		Symbol:            cfg.Symbol,
		MaxEventsPerCycle: cfg.MaxEventsPerCycle,
		TickInterval:      cfg.TickInterval,
		CleanupInterval:   cfg.CleanupInterval,
	}, mgr, book, bus)

	sessionMgr := session.NewManager([]string{cfg.Symbol}, cfg.SendBufferSize)
	wireBroadcast(bus, sessionMgr, reactiveApp)

	if cfg.MongoURI != "" {
		startAnalyticsSink(ctx, cfg, reactiveApp)
	} else {
		log.Println("MONGO_URI not set: analytics sink disabled, running ingestion-only")
	}

	go reactiveApp.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", session.Handler(sessionMgr))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d,"symbol":%q}`, sessionMgr.ClientCount(), cfg.Symbol)
	})

	apiServer := httpapi.NewServer(reactiveApp, sessionMgr)
	apiServer.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("WebSocket server listening on ws://%s/feed", addr)
	log.Printf("Health check: http://%s/health", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	log.Println("flowsight stopped")
}

// newProviderManager registers the live WebSocket provider and, when a
// replay directory is configured with auto-start, a replay provider
// alongside it so the manager can fail over between them.
func newProviderManager(cfg *config.Config) *provider.Manager {
	strategy := parseStrategy(cfg.Manager.Strategy)
	mgr := provider.NewManager(strategy, cfg.Manager.FailoverEnabled, cfg.Manager.HealthCheckInterval)

	streams := make([]string, 0, len(cfg.ProviderStreams()))
	for _, kind := range cfg.ProviderStreams() {
		streams = append(streams, cfg.Symbol+"@"+kind)
	}

	live := provider.NewLiveProvider(provider.LiveConfig{
		Name:               cfg.Provider.Name,
		URL:                cfg.Provider.BaseURL,
		Streams:            streams,
		BaseReconnectDelay: time.Duration(cfg.Provider.ReconnectDelayMs) * time.Millisecond,
		PingInterval:       time.Duration(cfg.Provider.PingIntervalMs) * time.Millisecond,
	})
	mgr.Register(live)

	if cfg.Replay.AutoStart {
		replay := provider.NewReplayProvider(provider.ReplayConfig{
			Name:        "replay",
			FilePath:    cfg.Replay.DataDir,
			FilePattern: cfg.Replay.FilePattern,
			Speed:       cfg.Replay.Speed,
			MinSpeed:    cfg.Replay.MinSpeed,
			MaxSpeed:    cfg.Replay.MaxSpeed,
			Loop:        cfg.Replay.Loop,
		})
		mgr.Register(replay)
	}

	if name := cfg.Manager.DefaultProvider; name != "" {
		if err := mgr.SwitchTo(context.Background(), name); err != nil {
			log.Printf("default provider %q not registered, keeping %q active: %v", name, cfg.Provider.Name, err)
		}
	}

	return mgr
}

func parseStrategy(s string) provider.Strategy {
	switch s {
	case "LoadBalance":
		return provider.StrategyLoadBalance
	case "QualityFirst":
		return provider.StrategyQualityFirst
	case "Manual":
		return provider.StrategyManual
	default:
		return provider.StrategyFailoverOnly
	}
}

// wireBroadcast subscribes the session manager to bus events so every
// depth/trade/bookTicker update fans out a fresh MarketSnapshot (and, for
// depth updates, a per-level FlowDelta) to connected WebSocket clients.
func wireBroadcast(bus *event.Bus, sessionMgr *session.Manager, reactiveApp *app.App) {
	broadcast := func(event.Event) {
		sessionMgr.BroadcastSnapshot(reactiveApp.Snapshot())
	}
	bus.Subscribe(event.TypeDepthUpdate, broadcast)
	bus.Subscribe(event.TypeTrade, broadcast)
	bus.Subscribe(event.TypeBookTicker, broadcast)

	bus.Subscribe(event.TypeDepthUpdate, func(e event.Event) {
		du, ok := e.Payload.(market.DepthUpdate)
		if !ok {
			return
		}
		for _, lvl := range du.Bids {
			sessionMgr.BroadcastFlowDelta(wire.FlowDelta{Symbol: du.Symbol, TimestampMs: du.TimestampMs, Price: lvl.Price, BidQty: lvl.Quantity})
		}
		for _, lvl := range du.Asks {
			sessionMgr.BroadcastFlowDelta(wire.FlowDelta{Symbol: du.Symbol, TimestampMs: du.TimestampMs, Price: lvl.Price, AskQty: lvl.Quantity})
		}
	})
}

// startAnalyticsSink wires the optional Mongo-backed audit trail:
// periodic MarketSnapshot/signal checkpoints, history retention, and
// gzip/S3 archival. None of this sits on the core ingestion path — a
// Mongo outage here never blocks the reactive loop.
func startAnalyticsSink(ctx context.Context, cfg *config.Config, reactiveApp *app.App) {
	store, err := persist.NewStore(ctx, cfg.MongoURI)
	if err != nil {
		log.Printf("analytics sink: database connection failed, continuing without it: %v", err)
		return
	}

	if err := store.Migrate(ctx); err != nil {
		log.Printf("analytics sink: migration failed, continuing without it: %v", err)
		return
	}

	snapshotter := persist.NewSnapshotter(store, reactiveApp, reactiveApp)
	go snapshotter.Run(ctx, cfg.SnapshotInterval)

	go persist.RunRetention(ctx, store, cfg.HistoryRetentionDays)

	if cfg.S3Bucket != "" || cfg.ArchiveDir != "" {
		s3Client, err := persist.NewS3Client(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			log.Printf("analytics sink: s3 client setup failed, archiving to local disk only: %v", err)
		}
		archiver := persist.NewArchiver(store.DB(), cfg.ArchiveDir, cfg.ArchiveMaxGB, cfg.ArchiveIntervalHours, cfg.ArchiveAfterHours, s3Client, cfg.S3Bucket, cfg.S3Prefix)
		go archiver.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		store.Close(context.Background())
	}()
}
