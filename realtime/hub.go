package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

const (
	textMessage     = 1 // websocket.TextMessage
	maxQueuedBytes  = 1 << 20
	sendQueueFrames = 256
)

// Conn is the slice of a websocket connection the hub needs. The fiber
// websocket handler passes the real connection; tests pass a fake.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	userID string
	admin  bool
	conn   Conn

	mu     sync.Mutex
	queue  chan []byte
	queued int
	closed bool
}

func (c *client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.queued+len(frame) > maxQueuedBytes {
		return false
	}
	select {
	case c.queue <- frame:
		c.queued += len(frame)
		return true
	default:
		return false
	}
}

func (c *client) dequeued(n int) {
	c.mu.Lock()
	c.queued -= n
	c.mu.Unlock()
}

func (c *client) shut() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
}

// Hub routes events to websocket rooms. One hub per process; cross-process
// delivery goes through the optional redis bridge.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]bool

	bridge *RedisBridge
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*client]bool)}
}

// AttachBridge wires a redis bridge so other processes receive our events.
func (h *Hub) AttachBridge(b *RedisBridge) {
	h.bridge = b
	b.onRemote = h.deliverLocal
}

// Publish delivers to local subscribers and, when bridged, to peers.
func (h *Hub) Publish(evt Event) {
	if evt.SentAt.IsZero() {
		evt.SentAt = time.Now().UTC()
	}
	h.deliverLocal(evt)
	if h.bridge != nil {
		h.bridge.publish(evt)
	}
}

func (h *Hub) deliverLocal(evt Event) {
	frame, err := evt.encode()
	if err != nil {
		log.Printf("[FANOUT] drop unencodable event type=%s: %v", evt.Type, err)
		return
	}
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[evt.Room]))
	for c := range h.rooms[evt.Room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.enqueue(frame) {
			// Send buffer overflowed; drop the connection rather than
			// reorder or block the publisher.
			h.drop(c, "send buffer overflow, reconnect")
		}
	}
}

// RoomSize reports current local subscriber count (admin status endpoint).
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(room string, c *client) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]bool)
	}
	h.rooms[room][c] = true
	h.mu.Unlock()
}

func (h *Hub) leave(room string, c *client) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) leaveAll(c *client) {
	h.mu.Lock()
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// drop queues a reconnect hint (best effort, the queue may be full) and shuts
// the send queue; the writer goroutine drains what it can and closes the conn.
func (h *Hub) drop(c *client, hint string) {
	msg, _ := json.Marshal(map[string]string{"type": "connection:drop", "hint": hint})
	c.enqueue(msg)
	h.leaveAll(c)
	c.shut()
}

type clientCommand struct {
	Action string `json:"action"` // subscribe | unsubscribe | ping
	Room   string `json:"room,omitempty"`
}

// ack goes through the send queue like every other frame; only the writer
// goroutine may touch the Conn.
func (c *client) ack(typ, room, reason string) {
	payload := map[string]string{"type": typ}
	if room != "" {
		payload["room"] = room
	}
	if reason != "" {
		payload["reason"] = reason
	}
	msg, _ := json.Marshal(payload)
	c.enqueue(msg)
}

// ServeConn runs one authenticated connection until it closes. The caller has
// already verified the session token; admin gates shared-room subscriptions.
// The connection is implicitly joined to its own user room.
func (h *Hub) ServeConn(conn Conn, userID string, admin bool) {
	c := &client{
		userID: userID,
		admin:  admin,
		conn:   conn,
		queue:  make(chan []byte, sendQueueFrames),
	}
	h.join(UserRoom(userID), c)

	// Writer: the single goroutine that owns the Conn. Everything — events,
	// acks, the drop notice — arrives through c.queue, which both keeps
	// per-room publish order and keeps WriteMessage single-threaded (the
	// fasthttp websocket conn forbids concurrent writes).
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		for frame := range c.queue {
			c.dequeued(len(frame))
			if err := conn.WriteMessage(textMessage, frame); err != nil {
				return
			}
		}
	}()

	c.ack("connection:ready", UserRoom(userID), "")

	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		switch cmd.Action {
		case "subscribe":
			if !IsSharedRoom(cmd.Room) {
				c.ack("subscription:failed", cmd.Room, "unknown room")
				continue
			}
			if !c.admin {
				c.ack("subscription:failed", cmd.Room, "admin role required")
				continue
			}
			h.join(cmd.Room, c)
			c.ack("subscription:confirmed", cmd.Room, "")
		case "unsubscribe":
			if cmd.Room != UserRoom(c.userID) {
				h.leave(cmd.Room, c)
			}
			c.ack("subscription:removed", cmd.Room, "")
		case "ping":
			c.ack("pong", "", "")
		default:
			c.ack("error", "", "unknown action")
		}
	}

	h.leaveAll(c)
	c.shut()
	<-done
}
