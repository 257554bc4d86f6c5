// Package httpapi provides REST endpoints exposing the live
// MarketSnapshot, order-flow levels, and provider health, following the
// teacher's Go 1.22+ net/http mux routing pattern.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/provider"
	"github.com/ndrandal/flowsight/internal/session"
)

// Source is the read-only view of the running reactive app that the
// HTTP layer is allowed to touch. *app.App satisfies this.
type Source interface {
	Snapshot() market.MarketSnapshot
	Throughput() int
	AggregatedFlows() map[float64]market.OrderFlow
	ProviderStatuses() []provider.Status
}

// Server serves the REST API.
type Server struct {
	source  Source
	mgr     *session.Manager
	startAt time.Time
}

// NewServer creates a new API server. mgr may be nil if WebSocket
// session fan-out isn't wired up (e.g. in a headless analytics-only
// deployment).
func NewServer(source Source, mgr *session.Manager) *Server {
	return &Server{source: source, mgr: mgr, startAt: time.Now()}
}

// Register attaches API routes to the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/book", s.handleBookDepth)
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleSnapshot returns the current MarketSnapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

type levelJSON struct {
	Price  float64 `json:"price"`
	BidQty float64 `json:"bidQty"`
	AskQty float64 `json:"askQty"`
}

type depthResponse struct {
	Symbol string      `json:"symbol"`
	Levels []levelJSON `json:"levels"`
}

// handleBookDepth returns the aggregated order-flow levels for the
// ingested symbol, sorted ascending by price.
func (s *Server) handleBookDepth(w http.ResponseWriter, r *http.Request) {
	flows := s.source.AggregatedFlows()
	levels := make([]levelJSON, 0, len(flows))
	for price, f := range flows {
		levels = append(levels, levelJSON{Price: price, BidQty: f.BidQty, AskQty: f.AskQty})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })

	writeJSON(w, http.StatusOK, depthResponse{
		Symbol: s.source.Snapshot().Symbol,
		Levels: levels,
	})
}

// handleProviders returns the status of every registered data provider.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.ProviderStatuses())
}

type statsResponse struct {
	Uptime     string `json:"uptime"`
	Clients    int    `json:"clients"`
	Throughput int    `json:"throughputPerSecond"`
}

// handleStats returns runtime statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.mgr != nil {
		clients = s.mgr.ClientCount()
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:     time.Since(s.startAt).Truncate(time.Second).String(),
		Clients:    clients,
		Throughput: s.source.Throughput(),
	})
}
