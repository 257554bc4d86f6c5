package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ndrandal/flowsight/internal/event"
)

// ReplayConfig configures a ReplayProvider.
type ReplayConfig struct {
	Name string
	// FilePath is either a single gzip file of "<ns_ts> <json_frame>"
	// lines, or a directory of such files — in which case FilePattern
	// selects which files to play, in ascending filename order.
	FilePath string
	// FilePattern is the glob used to select files when FilePath is a
	// directory.
	FilePattern string // glob, e.g. "*.jsonl.gz"; only used when FilePath is a directory
	Speed       float64
	// MinSpeed and MaxSpeed bound SetSpeed; a call outside this range
	// returns a ConfigurationError and leaves the current speed
	// unchanged.
	MinSpeed      float64
	MaxSpeed      float64
	Loop          bool
	QueueCapacity int
	PrefetchLines int
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	if c.Speed <= 0 {
		c.Speed = 1.0
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.PrefetchLines <= 0 {
		c.PrefetchLines = 256
	}
	if c.FilePattern == "" {
		c.FilePattern = "*.jsonl.gz"
	}
	if c.MinSpeed <= 0 {
		c.MinSpeed = 0.1
	}
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = 100.0
	}
	return c
}

type replayRecord struct {
	nsTimestamp int64
	frame       frame
}

// ReplayProvider replays a captured gzip archive at wall-clock pace
// (scaled by Speed), scheduling each record relative to the first
// record's timestamp in the same file rather than relative to now, so
// gaps within a capture file reproduce as gaps in replay. A single
// background goroutine reads, paces and decodes one line at a time;
// there is no read-ahead buffer, and PrefetchLines is not consulted.
type ReplayProvider struct {
	cfg ReplayConfig

	mu      sync.RWMutex
	state   State
	paused  bool
	speed   float64
	queue   []event.Event // simple slice, single consumer (foreground loop) single producer (pacing goroutine)
	queueMu sync.Mutex

	eventCount atomic.Uint64
	errorCount atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReplayProvider(cfg ReplayConfig) *ReplayProvider {
	cfg = cfg.withDefaults()
	return &ReplayProvider{cfg: cfg, speed: cfg.Speed}
}

func (p *ReplayProvider) Name() string { return p.cfg.Name }

func (p *ReplayProvider) Capabilities() Capabilities {
	return Capabilities{Replay: true, Pausable: true, Seekable: true, SpeedRange: [2]float64{p.cfg.MinSpeed, p.cfg.MaxSpeed}}
}

func (p *ReplayProvider) Initialize(ctx context.Context) error {
	if p.cfg.FilePath == "" {
		return NewConfigurationError("replay provider requires a file path")
	}
	if _, err := os.Stat(p.cfg.FilePath); err != nil {
		return NewFileSystemError("replay file not accessible", err)
	}
	p.setState(StateDisconnected)
	return nil
}

func (p *ReplayProvider) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

func (p *ReplayProvider) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
	}
	p.setState(StateDisconnected)
	return nil
}

func (p *ReplayProvider) run(ctx context.Context) {
	defer close(p.done)

	for {
		files, err := p.listFiles()
		if err != nil {
			p.errorCount.Add(1)
			log.Printf("replay provider %s: %v", p.cfg.Name, err)
			p.setState(StateFailed)
			return
		}

		for _, path := range files {
			if ctx.Err() != nil {
				return
			}
			if err := p.playOnce(ctx, path); err != nil {
				p.errorCount.Add(1)
				log.Printf("replay provider %s: %v", p.cfg.Name, err)
				p.setState(StateFailed)
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !p.cfg.Loop {
			return
		}
	}
}

// listFiles returns the file(s) to replay, in ascending filename order.
// FilePath pointing at a single file plays just that file; pointing at
// a directory plays every file matching FilePattern within it.
func (p *ReplayProvider) listFiles() ([]string, error) {
	info, err := os.Stat(p.cfg.FilePath)
	if err != nil {
		return nil, NewFileSystemError("stat replay path", err)
	}
	if !info.IsDir() {
		return []string{p.cfg.FilePath}, nil
	}
	matches, err := filepath.Glob(filepath.Join(p.cfg.FilePath, p.cfg.FilePattern))
	if err != nil {
		return nil, NewFileSystemError("glob replay directory", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *ReplayProvider) playOnce(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return NewFileSystemError("open replay file", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return NewFileSystemError("open gzip reader", err)
	}
	defer gz.Close()

	p.setState(StateConnected)
	log.Printf("replay provider %s playing %s", p.cfg.Name, path)

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var startWall time.Time
	var startRecord int64
	first := true

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if p.isPaused() {
			pausedAt := time.Now()
			for p.isPaused() {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(50 * time.Millisecond):
				}
			}
			// Shift the pacing origin by the time spent paused.
			startWall = startWall.Add(time.Since(pausedAt))
		}

		rec, ok := parseReplayLine(scanner.Text())
		if !ok {
			continue
		}

		if first {
			startWall = time.Now()
			startRecord = rec.nsTimestamp
			first = false
		} else {
			elapsedRecordNs := rec.nsTimestamp - startRecord
			speed := p.Speed()
			targetWall := startWall.Add(time.Duration(float64(elapsedRecordNs) / speed))
			if d := time.Until(targetWall); d > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(d):
				}
			}
		}

		e, err := decodeFrame(rec.frame, rec.nsTimestamp/1_000_000)
		if err != nil {
			p.errorCount.Add(1)
			continue
		}
		if e != nil {
			p.enqueue(*e)
		}
	}
	return scanner.Err()
}

func parseReplayLine(line string) (replayRecord, bool) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return replayRecord{}, false
	}
	ts, err := strconv.ParseInt(line[:idx], 10, 64)
	if err != nil {
		return replayRecord{}, false
	}
	var f frame
	if err := json.Unmarshal([]byte(line[idx+1:]), &f); err != nil {
		return replayRecord{}, false
	}
	return replayRecord{nsTimestamp: ts, frame: f}, true
}

func (p *ReplayProvider) enqueue(e event.Event) {
	p.queueMu.Lock()
	if len(p.queue) >= p.cfg.QueueCapacity {
		p.queue = p.queue[1:] // drop-oldest
	}
	p.queue = append(p.queue, e)
	p.queueMu.Unlock()
	p.eventCount.Add(1)
}

func (p *ReplayProvider) ReadEvents() []event.Event {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	out := p.queue
	p.queue = nil
	return out
}

func (p *ReplayProvider) IsConnected() bool { return p.getState() == StateConnected }

func (p *ReplayProvider) HealthCheck() bool { return p.getState() != StateFailed }

func (p *ReplayProvider) Status() Status {
	return Status{
		Name:       p.cfg.Name,
		State:      p.getState(),
		EventCount: p.eventCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Pause halts playback without closing the file; the pacing clock
// resumes from the same relative offset on Resume.
func (p *ReplayProvider) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *ReplayProvider) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

// SetSpeed changes the playback speed multiplier. A value outside
// [MinSpeed, MaxSpeed] is rejected with a ConfigurationError and the
// current speed is left unchanged.
func (p *ReplayProvider) SetSpeed(multiplier float64) error {
	if multiplier < p.cfg.MinSpeed || multiplier > p.cfg.MaxSpeed {
		return NewConfigurationError(fmt.Sprintf("speed %v outside allowed range [%v, %v]", multiplier, p.cfg.MinSpeed, p.cfg.MaxSpeed))
	}
	p.mu.Lock()
	p.speed = multiplier
	p.mu.Unlock()
	return nil
}

// SeekTo is declared by Capabilities (Seekable: true) but not
// implemented, matching the original implementation, which declares
// the operation without a working body.
func (p *ReplayProvider) SeekTo(ts time.Time) error {
	return NewConfigurationError(fmt.Sprintf("seek_to is not supported by this replay provider (requested %s)", ts))
}

func (p *ReplayProvider) isPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *ReplayProvider) Speed() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.speed
}

func (p *ReplayProvider) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *ReplayProvider) getState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}
