package event

import "testing"

func TestBusPublishAndProcess(t *testing.T) {
	b := NewBus(8)
	got := 0
	b.Subscribe(TypeTrade, func(e Event) { got++ })

	b.Publish(Event{Type: TypeTrade})
	b.Publish(Event{Type: TypeDepthUpdate})

	if n := b.ProcessUpTo(10); n != 2 {
		t.Fatalf("ProcessUpTo = %d, want 2", n)
	}
	if got != 1 {
		t.Fatalf("trade handler ran %d times, want 1", got)
	}
}

func TestBusGlobalHandlerSeesEverything(t *testing.T) {
	b := NewBus(8)
	var seen []Type
	b.SubscribeGlobal(func(e Event) { seen = append(seen, e.Type) })

	b.Publish(Event{Type: TypeTrade})
	b.Publish(Event{Type: TypeBookTicker})
	b.ProcessAll()

	if len(seen) != 2 {
		t.Fatalf("global handler saw %d events, want 2", len(seen))
	}
}

func TestBusFilterDrops(t *testing.T) {
	b := NewBus(8)
	b.AddFilter(func(e Event) bool { return e.Type != TypeTick })

	b.Publish(Event{Type: TypeTick})
	b.Publish(Event{Type: TypeTrade})

	if b.PendingEvents() != 1 {
		t.Fatalf("PendingEvents() = %d, want 1", b.PendingEvents())
	}
	if b.Stats().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Stats().Dropped)
	}
}

func TestBusOverflowDropsOldest(t *testing.T) {
	b := NewBus(2) // rounds up to 2
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeTick, Payload: i})
	}
	if b.Stats().Dropped == 0 {
		t.Fatal("expected overflow to be counted as dropped")
	}
	var kept []any
	b.SubscribeGlobal(func(e Event) { kept = append(kept, e.Payload) })
	b.ProcessAll()
	if len(kept) != 2 || kept[0] != 3 || kept[1] != 4 {
		t.Fatalf("events kept after overflow = %v, want the two newest [3 4]", kept)
	}
}

func TestBusHandlerPanicIsContained(t *testing.T) {
	b := NewBus(8)
	b.Subscribe(TypeTrade, func(e Event) { panic("boom") })

	b.Publish(Event{Type: TypeTrade})
	if !b.ProcessNext() {
		t.Fatal("ProcessNext should report it processed the event despite the panic")
	}
	if b.Stats().HandlerErrors != 1 {
		t.Fatalf("HandlerErrors = %d, want 1", b.Stats().HandlerErrors)
	}
}
