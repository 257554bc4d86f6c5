package session

import (
	"sync/atomic"
	"testing"
)

func newTestClient(bufSize int) *Client {
	return NewClient(nil, bufSize)
}

func TestDefaultFormat(t *testing.T) {
	c := newTestClient(10)
	if c.Format() != FormatJSON {
		t.Fatalf("default format = %d, want FormatJSON (%d)", c.Format(), FormatJSON)
	}
}

func TestSetFormat(t *testing.T) {
	c := newTestClient(10)
	c.SetFormat(FormatBinary)
	if c.Format() != FormatBinary {
		t.Fatalf("format = %d, want FormatBinary (%d)", c.Format(), FormatBinary)
	}
	c.SetFormat(FormatJSON)
	if c.Format() != FormatJSON {
		t.Fatalf("format = %d, want FormatJSON (%d)", c.Format(), FormatJSON)
	}
}

func TestSubscribe(t *testing.T) {
	c := newTestClient(10)
	c.Subscribe([]string{"BTCUSDT", "ETHUSDT"})
	if !c.IsSubscribed("BTCUSDT") {
		t.Fatal("should be subscribed to BTCUSDT")
	}
	if !c.IsSubscribed("ETHUSDT") {
		t.Fatal("should be subscribed to ETHUSDT")
	}
	if c.IsSubscribed("SOLUSDT") {
		t.Fatal("should not be subscribed to SOLUSDT")
	}
}

func TestSubscribeAll(t *testing.T) {
	c := newTestClient(10)
	c.SubscribeAll()
	if !c.IsSubscribed("BTCUSDT") {
		t.Fatal("should be subscribed to any symbol after SubscribeAll")
	}
	if !c.IsSubscribed("ANYTHING") {
		t.Fatal("should be subscribed to any symbol after SubscribeAll")
	}
	if !c.IsAllSubscribed() {
		t.Fatal("IsAllSubscribed should be true")
	}
}

func TestUnsubscribe(t *testing.T) {
	c := newTestClient(10)
	c.Subscribe([]string{"BTCUSDT", "ETHUSDT"})
	c.Unsubscribe([]string{"ETHUSDT"})
	if c.IsSubscribed("ETHUSDT") {
		t.Fatal("should not be subscribed to ETHUSDT after unsubscribe")
	}
	if !c.IsSubscribed("BTCUSDT") {
		t.Fatal("should still be subscribed to BTCUSDT")
	}
}

func TestSubscribedSymbols(t *testing.T) {
	c := newTestClient(10)
	c.Subscribe([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	got := c.SubscribedSymbols()
	if len(got) != 3 {
		t.Fatalf("SubscribedSymbols returned %d, want 3", len(got))
	}
	set := make(map[string]bool)
	for _, s := range got {
		set[s] = true
	}
	for _, want := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if !set[want] {
			t.Fatalf("%s missing from SubscribedSymbols", want)
		}
	}
}

func TestSubscribedSymbolsAllNil(t *testing.T) {
	c := newTestClient(10)
	c.SubscribeAll()
	if got := c.SubscribedSymbols(); got != nil {
		t.Fatalf("SubscribedSymbols should return nil for all-subscribed, got %v", got)
	}
}

func TestSendBufferFull(t *testing.T) {
	c := newTestClient(2) // buffer size 2
	ok1 := c.Send([]byte("msg1"))
	ok2 := c.Send([]byte("msg2"))
	ok3 := c.Send([]byte("msg3")) // should be dropped
	if !ok1 || !ok2 {
		t.Fatal("first two sends should succeed")
	}
	if ok3 {
		t.Fatal("third send should fail (buffer full)")
	}
	dropped := atomic.LoadUint64(&c.Dropped)
	if dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", dropped)
	}
}

func TestSendNotFull(t *testing.T) {
	c := newTestClient(100)
	ok := c.Send([]byte("hello"))
	if !ok {
		t.Fatal("Send should succeed with large buffer")
	}
	dropped := atomic.LoadUint64(&c.Dropped)
	if dropped != 0 {
		t.Fatalf("Dropped = %d, want 0", dropped)
	}
}

func TestUniqueIDs(t *testing.T) {
	atomic.StoreUint64(&clientIDCounter, 0)
	c1 := newTestClient(10)
	c2 := newTestClient(10)
	c3 := newTestClient(10)
	if c1.ID == c2.ID || c2.ID == c3.ID || c1.ID == c3.ID {
		t.Fatalf("client IDs should be unique: %d, %d, %d", c1.ID, c2.ID, c3.ID)
	}
}

func TestIsSubscribedDefault(t *testing.T) {
	c := newTestClient(10)
	if c.IsSubscribed("BTCUSDT") {
		t.Fatal("new client should not be subscribed to any symbol")
	}
}
