package session

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ndrandal/flowsight/internal/market"
	"github.com/ndrandal/flowsight/internal/wire"
)

// Manager handles client registration, subscriptions, and snapshot/
// order-flow fan-out.
type Manager struct {
	mu         sync.RWMutex
	clients    map[uint64]*Client
	symbols    map[string]bool
	bufferSize int
}

// NewManager creates a session manager tracking the given known symbols.
func NewManager(symbols []string, bufferSize int) *Manager {
	known := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		known[s] = true
	}
	return &Manager{
		clients:    make(map[uint64]*Client),
		symbols:    known,
		bufferSize: bufferSize,
	}
}

// Register adds a new client. Returns the client for further use.
func (m *Manager) Register(conn *websocket.Conn) *Client {
	c := NewClient(conn, m.bufferSize)

	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()

	log.Printf("client %d connected (%s)", c.ID, conn.RemoteAddr())
	return c
}

// Unregister removes a client.
func (m *Manager) Unregister(c *Client) {
	m.mu.Lock()
	delete(m.clients, c.ID)
	m.mu.Unlock()

	c.Close()
	log.Printf("client %d disconnected", c.ID)
}

// ResolveSymbols validates requested symbol subscriptions against the
// known symbol set. "*" selects every symbol; unknown symbols are
// silently dropped rather than erroring, matching the teacher's
// permissive subscription behavior.
func (m *Manager) ResolveSymbols(requested []string) (symbols []string, all bool) {
	for _, s := range requested {
		if s == "*" {
			return nil, true
		}
		if m.symbols[s] {
			symbols = append(symbols, s)
		}
	}
	return symbols, false
}

// BroadcastSnapshot fans a MarketSnapshot out to every client subscribed
// to its symbol, encoding once per requested format.
func (m *Manager) BroadcastSnapshot(snap market.MarketSnapshot) {
	var jsonEncoded []byte
	var binaryEncoded []byte
	var jsonOnce, binaryOnce sync.Once

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if !c.IsSubscribed(snap.Symbol) {
			continue
		}
		switch c.Format() {
		case FormatJSON:
			jsonOnce.Do(func() {
				jsonEncoded, _ = json.Marshal(snap)
			})
			if jsonEncoded != nil {
				c.Send(jsonEncoded)
			}
		case FormatBinary:
			binaryOnce.Do(func() {
				binaryEncoded = wire.EncodeSnapshot(snap)
			})
			c.Send(binaryEncoded)
		}
	}
}

// BroadcastFlowDelta fans a single price-level order-flow update out to
// subscribed clients in binary form only — flow deltas are a high-volume
// stream not worth a JSON encoding path.
func (m *Manager) BroadcastFlowDelta(d wire.FlowDelta) {
	encoded := wire.EncodeFlowDelta(d)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if c.Format() != FormatBinary || !c.IsSubscribed(d.Symbol) {
			continue
		}
		c.Send(encoded)
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// KnownSymbols returns the symbols this manager recognizes.
func (m *Manager) KnownSymbols() []string {
	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	return out
}
