// Package hub fans received frames out to live session subscribers.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

type BackpressurePolicy int

const (
	// PolicyDropOldest evicts the oldest queued delivery to make room and
	// increments the subscriber's dropped counter; the counter is surfaced on
	// the next delivery the subscriber reads. Slow subscribers never block
	// the pump.
	PolicyDropOldest BackpressurePolicy = iota
	// PolicyKick disconnects a subscriber whose queue is full.
	PolicyKick
)

// Delivery is one fan-out unit: the frame, its optional annotation, and the
// number of deliveries dropped for this subscriber since the previous one it
// received.
type Delivery struct {
	Frame   can.Frame
	Decoded *symbols.DecodeResult
	Dropped uint64
}

// Client is one session subscriber. Out is its bounded queue.
type Client struct {
	Out       chan Delivery
	Closed    chan struct{}
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewClient allocates a subscriber with the given queue capacity.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = DefaultBufSize
	}
	return &Client{Out: make(chan Delivery, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// DroppedTotal reports deliveries dropped for this client so far.
func (c *Client) DroppedTotal() uint64 { return c.dropped.Load() }

const DefaultBufSize = 1024

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
	pending    map[*Client]uint64 // drops not yet surfaced on a delivery
}

// New creates a Hub with default settings.
func New() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		pending:    make(map[*Client]uint64),
		OutBufSize: DefaultBufSize,
	}
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("subscribers_first_attached")
	}
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	delete(h.pending, c)
	cur := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("subscribers_last_detached")
	}
}

// Broadcast delivers to all subscribers honoring the backpressure policy.
// Called only from the receive pump goroutine, so per-client queues stay
// single-producer.
func (h *Hub) Broadcast(fr can.Frame, decoded *symbols.DecodeResult) {
	clients := h.Snapshot()
	for _, c := range clients {
		d := Delivery{Frame: fr, Decoded: decoded, Dropped: h.takePending(c)}
		select {
		case c.Out <- d:
			continue
		default:
		}
		switch h.Policy {
		case PolicyKick:
			metrics.IncHubKick()
			c.Close() // reader will Remove on disconnect
		default:
			// Evict the oldest delivery; its own pending-drop count folds into
			// the one we are about to surface.
			select {
			case old := <-c.Out:
				d.Dropped += old.Dropped + 1
			default:
			}
			c.dropped.Add(1)
			metrics.IncHubDrop()
			select {
			case c.Out <- d:
			default:
				// Still full (consumer raced a refill): remember the drops.
				h.addPending(c, d.Dropped+1)
			}
		}
	}
}

func (h *Hub) takePending(c *Client) uint64 {
	h.mu.Lock()
	n := h.pending[c]
	if n != 0 {
		delete(h.pending, c)
	}
	h.mu.Unlock()
	return n
}

func (h *Hub) addPending(c *Client, n uint64) {
	h.mu.Lock()
	h.pending[c] += n
	h.mu.Unlock()
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
