package relay

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/bslsalud/opchat/internal/transport"
)

// Client is one websocket connection of a logged-in agent. An agent may hold
// several (console plus phone, say); each gets its own send buffer.
type Client struct {
	Agent string
	Conn  *websocket.Conn
	Send  chan transport.Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

// Hub tracks connected agents and fans envelopes out to them. Sends never
// block: a client whose buffer is full misses the frame and catches up on the
// next poll.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: map[string]map[*Client]struct{}{},
	}
}

// AddClient registers a connection and starts its write and keepalive loops.
func (h *Hub) AddClient(agent string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		Agent:  agent,
		Conn:   conn,
		Send:   make(chan transport.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	if h.clients[agent] == nil {
		h.clients[agent] = map[*Client]struct{}{}
	}
	h.clients[agent][c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	go c.keepAliveLoop()

	return c
}

// RemoveClient unregisters a connection and closes it. The client leaves the
// map before its loops are cancelled, so no broadcast can race the teardown.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.Agent]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.Agent)
		}
	}
	h.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "bye")
}

// BroadcastToAgent sends an envelope to every connection of one agent.
func (h *Hub) BroadcastToAgent(agent string, env transport.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[agent] {
		select {
		case c.Send <- env:
		default:
			// Buffer full, drop. The poll path recovers the miss.
		}
	}
}

// BroadcastAll sends an envelope to every connected client.
func (h *Hub) BroadcastAll(env transport.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, set := range h.clients {
		for c := range set {
			select {
			case c.Send <- env:
			default:
			}
		}
	}
}

// ConnectedAgents returns the usernames with at least one live connection.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	agents := make([]string, 0, len(h.clients))
	for agent := range h.clients {
		agents = append(agents, agent)
	}
	return agents
}

// writeLoop drains the send buffer. It never closes c.Send: a broadcast may
// still hold a reference after removal, and a send on a closed channel would
// panic. The channel is simply dropped with the client.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.Send:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = wsjson.Write(writeCtx, c.Conn, env)
			cancel()
		}
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.Conn.Ping(pingCtx)
			cancel()
		}
	}
}
