package provider

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ndrandal/flowsight/internal/event"
	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/ring"
)

// LiveConfig configures a LiveProvider.
type LiveConfig struct {
	Name              string
	URL               string // multiplexed WebSocket endpoint, streams joined server-side or via subscribe message
	Streams           []string
	QueueCapacity     int // internal SPSC queue between reader goroutine and ReadEvents
	MaxReconnectDelay time.Duration
	BaseReconnectDelay time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 30 * time.Second
	}
	return c
}

// frame is the wire envelope every multiplexed stream message arrives in:
// {"stream":"<symbol>@<kind>","data":{...}}.
type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthPayload struct {
	EventTimeMs int64      `json:"E"`
	Bids        [][2]string `json:"b"`
	Asks        [][2]string `json:"a"`
}

type tradePayload struct {
	EventTimeMs int64  `json:"E"`
	TradeTimeMs int64  `json:"T"`
	Price       string `json:"p"`
	Quantity    string `json:"q"`
	IsBuyerMaker bool  `json:"m"`
}

type bookTickerPayload struct {
	BestBidPx  string `json:"b"`
	BestBidQty string `json:"B"`
	BestAskPx  string `json:"a"`
	BestAskQty string `json:"A"`
}

// LiveProvider streams depth/trade/bookTicker events from a live
// exchange WebSocket. The reader runs in its own goroutine, owns the
// socket exclusively, and never blocks the foreground loop: events
// land in a lock-free queue with drop-oldest backpressure when the
// foreground falls behind.
type LiveProvider struct {
	cfg     LiveConfig
	queue   *ring.LockFreeRingBuffer[event.Event]
	backoff *Backoff
	limiter *rate.Limiter

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	eventCount   atomic.Uint64
	errorCount   atomic.Uint64
	droppedCount atomic.Uint64
	lastEventAt  atomic.Int64
	lastErr      atomic.Value // string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewLiveProvider(cfg LiveConfig) *LiveProvider {
	cfg = cfg.withDefaults()
	return &LiveProvider{
		cfg:     cfg,
		queue:   ring.NewLockFreeRingBuffer[event.Event](cfg.QueueCapacity),
		backoff: NewBackoff(cfg.BaseReconnectDelay, cfg.MaxReconnectDelay),
		limiter: rate.NewLimiter(rate.Every(time.Millisecond), 50),
	}
}

func (p *LiveProvider) Name() string { return p.cfg.Name }

func (p *LiveProvider) Capabilities() Capabilities {
	return Capabilities{Live: true}
}

func (p *LiveProvider) Initialize(ctx context.Context) error {
	if p.cfg.URL == "" {
		return NewConfigurationError("live provider requires a URL")
	}
	p.setState(StateDisconnected)
	return nil
}

func (p *LiveProvider) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx)
	return nil
}

func (p *LiveProvider) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.closeConn()
	if p.done != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
	}
	p.setState(StateDisconnected)
	return nil
}

func (p *LiveProvider) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.setState(StateConnecting)
		err := p.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.errorCount.Add(1)
			p.lastErr.Store(err.Error())
			p.setState(StateReconnecting)
			delay := p.backoff.Next()
			log.Printf("live provider %s: %v; reconnecting in %v", p.cfg.Name, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		} else {
			p.backoff.Reset()
		}
	}
}

func (p *LiveProvider) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return NewConnectionError("dial failed", p.cfg.URL, true, err)
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer p.closeConn()

	p.setState(StateConnected)
	p.backoff.Reset()
	log.Printf("live provider %s connected to %s", p.cfg.Name, p.cfg.URL)

	if len(p.cfg.Streams) > 0 {
		sub := map[string]any{"method": "SUBSCRIBE", "params": p.cfg.Streams, "id": 1}
		if err := conn.WriteJSON(sub); err != nil {
			return NewProtocolError("subscribe failed", true, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(p.cfg.PingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return NewConnectionError("read failed", p.cfg.URL, true, err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.errorCount.Add(1)
			continue
		}
		p.handleFrame(f)
	}
}

func (p *LiveProvider) handleFrame(f frame) {
	e, err := decodeFrame(f, time.Now().UnixMilli())
	if err != nil {
		p.errorCount.Add(1)
		return
	}
	if e != nil {
		p.enqueue(*e)
	}
}

// decodeFrame turns one multiplexed wire frame into an event.Event.
// Shared by LiveProvider and ReplayProvider so both sides of the
// Provider interface parse the exact same wire format. Returns
// (nil, nil) for a frame whose stream name or kind is not recognized,
// (nil, err) on a malformed payload, and (event, nil) on success.
func decodeFrame(f frame, nowMs int64) (*event.Event, error) {
	symbol, kind, ok := splitStream(f.Stream)
	if !ok {
		return nil, nil
	}

	switch kind {
	case "depth":
		var dp depthPayload
		if err := json.Unmarshal(f.Data, &dp); err != nil {
			return nil, err
		}
		du := market.DepthUpdate{
			Symbol:      symbol,
			TimestampMs: firstNonZero(dp.EventTimeMs, nowMs),
			Bids:        parseLevels(dp.Bids),
			Asks:        parseLevels(dp.Asks),
		}
		return &event.Event{Type: event.TypeDepthUpdate, Payload: du}, nil

	case "trade", "aggTrade":
		var tp tradePayload
		if err := json.Unmarshal(f.Data, &tp); err != nil {
			return nil, err
		}
		price, _ := strconv.ParseFloat(tp.Price, 64)
		qty, _ := strconv.ParseFloat(tp.Quantity, 64)
		te := market.TradeEvent{
			Symbol:       symbol,
			TimestampMs:  firstNonZero(tp.TradeTimeMs, tp.EventTimeMs, nowMs),
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: tp.IsBuyerMaker,
		}
		return &event.Event{Type: event.TypeTrade, Payload: te}, nil

	case "bookTicker":
		var bp bookTickerPayload
		if err := json.Unmarshal(f.Data, &bp); err != nil {
			return nil, err
		}
		bidPx, _ := strconv.ParseFloat(bp.BestBidPx, 64)
		bidQty, _ := strconv.ParseFloat(bp.BestBidQty, 64)
		askPx, _ := strconv.ParseFloat(bp.BestAskPx, 64)
		askQty, _ := strconv.ParseFloat(bp.BestAskQty, 64)
		be := market.BookTickerEvent{
			Symbol: symbol,
			BookTickerSnapshot: market.BookTickerSnapshot{
				TimestampMs: nowMs,
				BestBidPx:   bidPx,
				BestBidQty:  bidQty,
				BestAskPx:   askPx,
				BestAskQty:  askQty,
			},
		}
		return &event.Event{Type: event.TypeBookTicker, Payload: be}, nil
	}
	return nil, nil
}

func (p *LiveProvider) enqueue(e event.Event) {
	if !p.limiter.Allow() {
		// malformed or runaway upstream sending far faster than any
		// real exchange would; shed load rather than let it swamp the
		// foreground loop.
		p.droppedCount.Add(1)
		return
	}
	if !p.queue.TryPush(e) {
		// drop-oldest: make room by discarding the stalest queued event
		p.queue.TryPop()
		p.queue.TryPush(e)
		p.droppedCount.Add(1)
	}
	p.eventCount.Add(1)
	p.lastEventAt.Store(time.Now().UnixNano())
}

func (p *LiveProvider) ReadEvents() []event.Event {
	out := make([]event.Event, 0, p.queue.Len())
	for {
		e, ok := p.queue.TryPop()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

func (p *LiveProvider) IsConnected() bool {
	return p.getState() == StateConnected
}

func (p *LiveProvider) HealthCheck() bool {
	if !p.IsConnected() {
		return false
	}
	last := p.lastEventAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) < 2*time.Minute
}

func (p *LiveProvider) Status() Status {
	var lastErr string
	if v := p.lastErr.Load(); v != nil {
		lastErr = v.(string)
	}
	var lastEvent time.Time
	if t := p.lastEventAt.Load(); t != 0 {
		lastEvent = time.Unix(0, t)
	}
	return Status{
		Name:         p.cfg.Name,
		State:        p.getState(),
		EventCount:   p.eventCount.Load(),
		ErrorCount:   p.errorCount.Load(),
		LastEventAt:  lastEvent,
		LastErrorMsg: lastErr,
		ReconnectN:   p.backoff.Attempts(),
	}
}

func (p *LiveProvider) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *LiveProvider) getState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *LiveProvider) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func splitStream(stream string) (symbol, kind string, ok bool) {
	i := strings.LastIndex(stream, "@")
	if i < 0 {
		return "", "", false
	}
	return stream[:i], stream[i+1:], true
}

func parseLevels(raw [][2]string) []market.PriceLevel {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err1 := strconv.ParseFloat(pair[0], 64)
		qty, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, market.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
