package ws

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestConn(h *Hub) *conn {
	c := &conn{send: make(chan []byte, 4), hub: h}
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
	return c
}

func mustReceive(t *testing.T, c *conn) []byte {
	t.Helper()
	select {
	case raw := <-c.send:
		return raw
	default:
		t.Fatal("no message on send channel")
		return nil
	}
}

func TestWatchPushesSnapshot(t *testing.T) {
	h := NewHub(func(ctx context.Context, battleID string) (any, error) {
		if battleID == "battle-1" {
			return map[string]string{"status": "WAITING"}, nil
		}
		return nil, nil
	})
	c := newTestConn(h)

	c.watch("battle-1")
	if !h.rooms["battle-1"][c] {
		t.Fatal("conn not in battle-1 room")
	}
	raw := mustReceive(t, c)
	if !bytes.Contains(raw, []byte(EventSnapshot)) {
		t.Fatalf("expected %s message, got %s", EventSnapshot, raw)
	}
	if !bytes.Contains(raw, []byte("WAITING")) {
		t.Fatalf("snapshot missing battle state: %s", raw)
	}
}

func TestWatchRejectsUnknownBattle(t *testing.T) {
	h := NewHub(func(ctx context.Context, battleID string) (any, error) {
		return nil, nil
	})
	c := newTestConn(h)

	c.watch("ghost")
	if len(h.rooms) != 0 {
		t.Fatal("conn joined a room for an unknown battle")
	}
	raw := mustReceive(t, c)
	if !bytes.Contains(raw, []byte("error")) {
		t.Fatalf("expected error message, got %s", raw)
	}
}

func TestWatchSkipsRoomOnSnapshotFailure(t *testing.T) {
	h := NewHub(func(ctx context.Context, battleID string) (any, error) {
		return nil, errors.New("db down")
	})
	c := newTestConn(h)

	c.watch("battle-1")
	if len(h.rooms) != 0 {
		t.Fatal("conn joined a room despite snapshot failure")
	}
}

func TestJoinMovesConnBetweenRooms(t *testing.T) {
	h := NewHub(nil)
	c := newTestConn(h)

	h.join(c, "battle-1")
	if !h.rooms["battle-1"][c] {
		t.Fatal("conn not in battle-1 room")
	}

	h.join(c, "battle-2")
	if _, ok := h.rooms["battle-1"]; ok {
		t.Fatal("empty battle-1 room not cleaned up")
	}
	if !h.rooms["battle-2"][c] {
		t.Fatal("conn not moved to battle-2 room")
	}
}

func TestPublishDeliversToRoom(t *testing.T) {
	h := NewHub(nil)
	c := newTestConn(h)
	h.join(c, "battle-1")

	h.Publish("battle-1", EventSeatFilled, map[string]int{"seats": 2})
	raw := mustReceive(t, c)
	if !bytes.Contains(raw, []byte(EventSeatFilled)) {
		t.Fatalf("expected %s message, got %s", EventSeatFilled, raw)
	}

	// Publishing to an unknown battle is a no-op.
	h.Publish("battle-9", EventSeatFilled, nil)
}

func TestDropCleansRoom(t *testing.T) {
	h := NewHub(nil)
	c := newTestConn(h)
	h.join(c, "battle-1")

	h.drop(c)
	if _, ok := h.rooms["battle-1"]; ok {
		t.Fatal("room survived last conn removal")
	}
	if h.conns[c] {
		t.Fatal("conn still tracked after removal")
	}
	if _, open := <-c.send; open {
		t.Fatal("send channel left open after drop")
	}
}

// Publishes race against subscribers joining, leaving and dropping in
// the same room; run with -race.
func TestPublishDuringChurn(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			h.Publish("battle-1", EventSeatFilled, i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c := newTestConn(h)
			h.join(c, "battle-1")
			h.leave(c, "battle-1")
			h.drop(c)
		}
	}()
	wg.Wait()

	if len(h.rooms) != 0 || len(h.conns) != 0 {
		t.Fatalf("hub not empty after churn: %d rooms, %d conns", len(h.rooms), len(h.conns))
	}
}
