package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event types pushed to battle rooms.
const (
	EventSnapshot       = "battle_snapshot"
	EventBattleCreated  = "battle_created"
	EventSeatFilled     = "seat_filled"
	EventBattleActive   = "battle_active"
	EventBattleFinished = "battle_finished"
)

// Msg is one event on the battle feed.
type Msg struct {
	Type     string `json:"type"`
	BattleID string `json:"battle_id"`
	Data     any    `json:"data"`
}

// SnapshotFunc loads the current state of a battle so a new
// subscriber starts from a consistent view instead of mid-stream.
// Nil data with a nil error means the battle does not exist.
type SnapshotFunc func(ctx context.Context, battleID string) (any, error)

// Hub fans battle events out to per-battle rooms. A connection
// watches at most one battle at a time; watching another battle
// leaves the previous room.
type Hub struct {
	snapshot SnapshotFunc

	mu    sync.RWMutex
	rooms map[string]map[*conn]bool // battleID -> set of conns
	conns map[*conn]bool
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	battle string // guarded by hub.mu
}

func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		snapshot: snapshot,
		rooms:    make(map[string]map[*conn]bool),
		conns:    make(map[*conn]bool),
	}
}

// Publish sends an event to every subscriber of a battle. The read
// lock is held across the fan-out so the room cannot be mutated, and
// no send channel closed, mid-loop. Sends never block; a subscriber
// with a full buffer misses the event and recovers from the next
// snapshot.
func (h *Hub) Publish(battleID, msgType string, data any) {
	raw, err := json.Marshal(Msg{Type: msgType, BattleID: battleID, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[battleID] {
		select {
		case c.send <- raw:
		default:
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.drop(c)
		c.ws.Close()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// Client messages: {"action":"subscribe","battle_id":"..."}
		var req struct {
			Action   string `json:"action"`
			BattleID string `json:"battle_id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.watch(req.BattleID)
		case "unsubscribe":
			c.hub.leave(c, req.BattleID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for raw := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			break
		}
	}
}

// watch validates the battle, joins its room and pushes the current
// state, so the client never renders from a partial event stream.
func (c *conn) watch(battleID string) {
	if battleID == "" {
		return
	}
	var state any
	if c.hub.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		b, err := c.hub.snapshot(ctx, battleID)
		cancel()
		if err != nil {
			log.Printf("[ws] snapshot %s: %v", battleID, err)
			return
		}
		if b == nil {
			c.push(Msg{Type: "error", BattleID: battleID, Data: "unknown battle"})
			return
		}
		state = b
	}
	c.hub.join(c, battleID)
	c.push(Msg{Type: EventSnapshot, BattleID: battleID, Data: state})
}

func (c *conn) push(m Msg) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (h *Hub) join(c *conn, battleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
	c.battle = battleID
	room := h.rooms[battleID]
	if room == nil {
		room = make(map[*conn]bool)
		h.rooms[battleID] = room
	}
	room[c] = true
}

func (h *Hub) leave(c *conn, battleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.battle == battleID {
		h.detachLocked(c)
	}
}

// drop removes a closing connection. The send channel is closed under
// the write lock, after the conn has left its room, so Publish can
// never select on a closed channel.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
	delete(h.conns, c)
	close(c.send)
}

func (h *Hub) detachLocked(c *conn) {
	if c.battle == "" {
		return
	}
	if room, ok := h.rooms[c.battle]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.battle)
		}
	}
	c.battle = ""
}
