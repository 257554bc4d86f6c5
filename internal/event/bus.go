// Package event implements the single-threaded event bus the reactive
// loop drains every tick: providers and internal components publish,
// the bus queues on a ring buffer to preserve strict ordering, and
// registered handlers run synchronously when the loop asks for
// drainage. Nothing here is safe for concurrent publish/process from
// multiple goroutines — by design the whole pipeline is single
// threaded except for provider I/O, which hands events across a
// separate lock-free queue before they ever reach the bus.
package event

import (
	"fmt"
	"log"

	"github.com/ndrandal/flowsight/internal/ring"
)

// Type identifies the kind of payload an Event carries.
type Type string

const (
	TypeDepthUpdate  Type = "depth_update"
	TypeTrade        Type = "trade"
	TypeBookTicker   Type = "book_ticker"
	TypeProviderUp   Type = "provider_up"
	TypeProviderDown Type = "provider_down"
	TypeTick         Type = "tick" // periodic housekeeping tick
)

// Event is the envelope carried through the bus. Payload is a
// concrete type owned by the caller (market.DepthUpdate, market.TradeEvent, ...);
// handlers type-assert based on Type.
type Event struct {
	Type    Type
	Payload any
}

// Handler processes one event. Handlers must not block or publish
// synchronously back into the bus being drained — queue a follow-up
// event instead.
type Handler func(Event)

// Filter can veto an event before it is queued.
type Filter func(Event) bool

// Stats mirrors the bus's lifetime counters.
type Stats struct {
	TotalPublished uint64
	TotalProcessed uint64
	Dropped        uint64
	HandlerErrors  uint64
}

// Bus is a FIFO event queue with per-type, global, and filtered
// dispatch, backed by a fixed-capacity overwrite ring buffer so a
// burst that exceeds capacity drops the oldest unprocessed event
// rather than growing unbounded.
type Bus struct {
	queue    *ring.Buffer[Event]
	handlers map[Type][]Handler
	global   []Handler
	filters  []Filter
	stats    Stats
}

// NewBus creates a Bus whose internal queue holds at least capacity
// events before it starts overwriting the oldest unprocessed one.
func NewBus(capacity int) *Bus {
	return &Bus{
		queue:    ring.NewBuffer[Event](capacity),
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeGlobal registers a handler invoked for every event,
// regardless of type.
func (b *Bus) SubscribeGlobal(h Handler) {
	b.global = append(b.global, h)
}

// AddFilter registers a predicate; an event is dropped before queueing
// if any filter returns false for it.
func (b *Bus) AddFilter(f Filter) {
	b.filters = append(b.filters, f)
}

// Publish enqueues an event. If the queue was already at capacity the
// oldest un-processed event is silently overwritten and counted as
// dropped.
func (b *Bus) Publish(e Event) {
	b.stats.TotalPublished++
	for _, f := range b.filters {
		if !f(e) {
			b.stats.Dropped++
			return
		}
	}
	wasFull := b.queue.IsFull()
	b.queue.Push(e)
	if wasFull {
		b.stats.Dropped++
	}
}

// PublishBatch publishes each event in order.
func (b *Bus) PublishBatch(events []Event) {
	for _, e := range events {
		b.Publish(e)
	}
}

// ProcessNext dequeues and dispatches a single event. Returns false if
// the queue was empty.
func (b *Bus) ProcessNext() bool {
	e, ok := b.queue.Pop()
	if !ok {
		return false
	}
	b.dispatch(e)
	b.stats.TotalProcessed++
	return true
}

// ProcessAll drains the queue completely.
func (b *Bus) ProcessAll() {
	for b.ProcessNext() {
	}
}

// ProcessUpTo dispatches at most maxEvents queued events, returning
// how many were actually processed.
func (b *Bus) ProcessUpTo(maxEvents int) int {
	n := 0
	for n < maxEvents && b.ProcessNext() {
		n++
	}
	return n
}

func (b *Bus) dispatch(e Event) {
	for _, h := range b.global {
		b.safeCall(h, e)
	}
	for _, h := range b.handlers[e.Type] {
		b.safeCall(h, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.stats.HandlerErrors++
			log.Printf("event handler panic on %s: %v", e.Type, r)
		}
	}()
	h(e)
}

func (b *Bus) PendingEvents() int    { return b.queue.Len() }
func (b *Bus) Capacity() int         { return b.queue.Capacity() }
func (b *Bus) HasPendingEvents() bool { return !b.queue.IsEmpty() }
func (b *Bus) ClearEvents()          { b.queue.Clear() }
func (b *Bus) Stats() Stats          { return b.stats }
func (b *Bus) ResetStats()           { b.stats = Stats{} }

// String renders stats for logging.
func (s Stats) String() string {
	return fmt.Sprintf("published=%d processed=%d dropped=%d handler_errors=%d",
		s.TotalPublished, s.TotalProcessed, s.Dropped, s.HandlerErrors)
}
