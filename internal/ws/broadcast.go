package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster pushes monitoring results and status snapshots to
// connected clients. Result delivery is latest-wins end to end: while
// the throttle timer is pending only the newest queued result survives,
// matching the mailbox semantics upstream.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	throttle   time.Duration
	statusFn   func() StatusPayload
	statusTick *time.Ticker
	flushMu    sync.Mutex
	pending    *ResultPayload
	flushTimer *time.Timer
}

func NewBroadcaster(throttle, statusInterval time.Duration, statusFn func() StatusPayload) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		throttle: throttle,
		statusFn: statusFn,
	}
	b.statusTick = time.NewTicker(statusInterval)
	go b.statusLoop()
	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	// Greet with a status snapshot so the UI renders immediately.
	if b.statusFn != nil {
		data, err := json.Marshal(WSMessage{Type: MsgStatus, Payload: b.statusFn()})
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueResult schedules a result broadcast. A result queued while the
// throttle timer is pending replaces the previous one.
func (b *Broadcaster) QueueResult(p ResultPayload) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = &p

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	p := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if p == nil {
		return
	}
	b.broadcast(WSMessage{Type: MsgResult, Payload: *p})
}

func (b *Broadcaster) statusLoop() {
	for range b.statusTick.C {
		if b.statusFn == nil {
			continue
		}
		b.broadcast(WSMessage{Type: MsgStatus, Payload: b.statusFn()})
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("broadcast marshal error", "err", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it.
			slog.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
