// Package provider implements the data-source abstraction: a live
// exchange WebSocket feed and a gzip-compressed replay feed behind the
// same interface, plus the manager that owns failover between
// registered providers. Only I/O happens in the provider's own
// goroutine; events cross into the foreground loop through a bounded
// queue (lock-free for the live provider, a mutex-guarded slice for
// replay) so a stalled or bursty provider can never block order book
// processing.
package provider

import (
	"context"
	"time"

	"github.com/ndrandal/flowsight/internal/event"
)

// State is the provider connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Capabilities describes what a provider supports, so the manager and
// UI layer can gate operations like Pause/SetSpeed/SeekTo that only
// make sense for replay.
type Capabilities struct {
	Live       bool
	Replay     bool
	Pausable   bool
	Seekable   bool
	SpeedRange [2]float64 // [min,max] playback speed multiplier, replay only
}

// Status is a point-in-time readout of a provider's health.
type Status struct {
	Name         string
	State        State
	EventCount   uint64
	ErrorCount   uint64
	LastEventAt  time.Time
	LastErrorMsg string
	ReconnectN   int
}

// Provider is the common interface for live and replay data sources.
// Initialize/Start/Stop manage lifecycle; ReadEvents drains whatever
// the provider has queued internally, non-blocking, returning however
// many events are currently available (possibly zero).
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ReadEvents() []event.Event
	IsConnected() bool
	HealthCheck() bool
	Status() Status
}

// Controllable is implemented by providers whose Capabilities report
// Pausable/Seekable — practically, ReplayProvider.
type Controllable interface {
	Pause() error
	Resume() error
	SetSpeed(multiplier float64) error
	SeekTo(ts time.Time) error
}
