package provider

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ndrandal/flowsight/internal/market"
)

func writeReplayFixture(t *testing.T, lines []string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "replay-*.gz")
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	for _, l := range lines {
		fmt.Fprintln(gz, l)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestReplayProviderPlaysTradesInOrder(t *testing.T) {
	nowNs := time.Now().UnixNano()
	lines := []string{
		fmt.Sprintf(`%d {"stream":"BTCUSDT@trade","data":{"T":1,"p":"100.0","q":"1","m":false}}`, nowNs),
		fmt.Sprintf(`%d {"stream":"BTCUSDT@trade","data":{"T":2,"p":"101.0","q":"2","m":true}}`, nowNs+1_000_000),
	}
	path := writeReplayFixture(t, lines)

	p := NewReplayProvider(ReplayConfig{Name: "r1", FilePath: path, Speed: 1000})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var collected []market.TradeEvent
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(collected) < 2 {
		for _, e := range p.ReadEvents() {
			if te, ok := e.Payload.(market.TradeEvent); ok {
				collected = append(collected, te)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop(context.Background())

	if len(collected) != 2 {
		t.Fatalf("collected %d trades, want 2", len(collected))
	}
	if collected[0].Price != 100.0 || collected[1].Price != 101.0 {
		t.Fatalf("trades out of order or misparsed: %+v", collected)
	}
}

func TestReplayProviderPlaysDirectoryInAscendingFilenameOrder(t *testing.T) {
	nowNs := time.Now().UnixNano()
	dir := t.TempDir()

	writeGzFile(t, dir+"/0001.jsonl.gz", []string{
		fmt.Sprintf(`%d {"stream":"BTCUSDT@trade","data":{"T":1,"p":"100.0","q":"1","m":false}}`, nowNs),
	})
	writeGzFile(t, dir+"/0002.jsonl.gz", []string{
		fmt.Sprintf(`%d {"stream":"BTCUSDT@trade","data":{"T":2,"p":"200.0","q":"1","m":false}}`, nowNs+1_000_000),
	})

	p := NewReplayProvider(ReplayConfig{Name: "r1", FilePath: dir, Speed: 1000})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var collected []market.TradeEvent
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(collected) < 2 {
		for _, e := range p.ReadEvents() {
			if te, ok := e.Payload.(market.TradeEvent); ok {
				collected = append(collected, te)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop(context.Background())

	if len(collected) != 2 {
		t.Fatalf("collected %d trades, want 2", len(collected))
	}
	if collected[0].Price != 100.0 || collected[1].Price != 200.0 {
		t.Fatalf("files not played in ascending filename order: %+v", collected)
	}
}

func writeGzFile(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	for _, l := range lines {
		fmt.Fprintln(gz, l)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSetSpeedRejectsOutOfRangeWithoutChangingState(t *testing.T) {
	p := NewReplayProvider(ReplayConfig{Name: "r1", Speed: 2, MinSpeed: 0.5, MaxSpeed: 10})

	err := p.SetSpeed(20)
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindConfiguration {
		t.Fatalf("SetSpeed(20) should return ConfigurationError, got %v", err)
	}
	if got := p.Speed(); got != 2 {
		t.Fatalf("Speed() = %v after rejected SetSpeed, want unchanged 2", got)
	}

	err = p.SetSpeed(0.1)
	if perr, ok = err.(*Error); !ok || perr.Kind != KindConfiguration {
		t.Fatalf("SetSpeed(0.1) should return ConfigurationError, got %v", err)
	}
	if got := p.Speed(); got != 2 {
		t.Fatalf("Speed() = %v after rejected SetSpeed, want unchanged 2", got)
	}

	if err := p.SetSpeed(5); err != nil {
		t.Fatalf("SetSpeed(5) within range returned error: %v", err)
	}
	if got := p.Speed(); got != 5 {
		t.Fatalf("Speed() = %v, want 5 after in-range SetSpeed", got)
	}
}

func TestReplayProviderSeekToUnsupported(t *testing.T) {
	path := writeReplayFixture(t, nil)
	p := NewReplayProvider(ReplayConfig{Name: "r1", FilePath: path})

	err := p.SeekTo(time.Now())
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindConfiguration {
		t.Fatalf("SeekTo should return ConfigurationError, got %v", err)
	}
}

func TestReplayProviderCapabilities(t *testing.T) {
	p := NewReplayProvider(ReplayConfig{Name: "r1"})
	caps := p.Capabilities()
	if !caps.Replay || !caps.Pausable || !caps.Seekable {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}
