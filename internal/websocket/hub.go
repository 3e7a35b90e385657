package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dm-go/internal/metrics"
)

// delivery is one payload addressed to the groups of several users.
type delivery struct {
	userIDs []uint
	payload []byte
}

// Hub maintains the multicast groups of live connections, keyed by user ID.
// A user may hold several connections (multi-device); every one of them
// receives the user's events. All group mutations happen in Run.
type Hub struct {
	// mu guards groups for readers outside the Run loop.
	mu     sync.RWMutex
	groups map[uint]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	multicast  chan delivery
	done       chan struct{}
	log        *zap.Logger
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		groups:     make(map[uint]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		multicast:  make(chan delivery, 1024),
		done:       make(chan struct{}),
		log:        zap.L().Named("hub"),
	}
}

// Multicast queues payload for every connection of userIDs. It never blocks;
// when the hub is saturated the payload is dropped.
func (h *Hub) Multicast(userIDs []uint, payload []byte) {
	if len(userIDs) == 0 {
		return
	}
	select {
	case h.multicast <- delivery{userIDs: userIDs, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn("hub multicast channel is full, dropping event", zap.Uints("targets", userIDs))
	}
}

// ConnectionCount returns the number of live connections of userID.
func (h *Hub) ConnectionCount(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

// Register adds c to its user's group. It returns false once the hub stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run starts the hub loop. It returns when ctx is done, after closing every
// connection's send channel.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket Hub Run loop started.")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.log.Info("WebSocket Hub Run loop stopped.")
			return

		case c := <-h.register:
			h.mu.Lock()
			group, ok := h.groups[c.UserID]
			if !ok {
				group = make(map[*Client]struct{})
				h.groups[c.UserID] = group
			}
			group[c] = struct{}{}
			h.mu.Unlock()
			metrics.WSConnections.Inc()
			h.log.Debug("客户端已注册", zap.Uint("userId", c.UserID), zap.Int("connections", len(group)))

		case c := <-h.unregister:
			if h.remove(c) {
				h.log.Debug("客户端已注销", zap.Uint("userId", c.UserID))
			}

		case d := <-h.multicast:
			for _, userID := range d.userIDs {
				h.deliver(userID, d.payload)
			}
		}
	}
}

// deliver writes payload to every connection of userID. A connection whose
// buffer is full is considered dead and dropped.
func (h *Hub) deliver(userID uint, payload []byte) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.groups[userID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.remove(c) {
			metrics.WSDropped.Inc()
			h.log.Warn("发送缓冲区已满，断开慢速连接", zap.Uint("userId", c.UserID))
		}
	}
}

// remove deletes c from its group. It reports false if c was already gone.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[c.UserID]
	if !ok {
		return false
	}
	if _, ok := group[c]; !ok {
		return false
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, c.UserID)
	}
	close(c.send)
	metrics.WSConnections.Dec()
	return true
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, group := range h.groups {
		for c := range group {
			close(c.send)
			metrics.WSConnections.Dec()
		}
		delete(h.groups, userID)
	}
}
