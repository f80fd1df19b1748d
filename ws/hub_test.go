package ws

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(zap.NewNop().Sugar())
	go h.Run()
	return h
}

func drain(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNewConnectionJoinsGlobalRoom(t *testing.T) {
	h := testHub(t)
	c := newClient(h, nil, nil, "conn-1", "127.0.0.1")
	h.Register(c)
	time.Sleep(10 * time.Millisecond)

	h.EmitAll(Event{Op: "ping"})
	ev := drain(t, c)
	if ev.Op != "ping" {
		t.Fatalf("expected every connection to receive a global broadcast, got %+v", ev)
	}
}

func TestEmitRoomOnlyReachesSubscribers(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	b := newClient(h, nil, nil, "conn-b", "127.0.0.1")
	h.Register(a)
	h.Register(b)
	time.Sleep(10 * time.Millisecond)

	h.JoinRoom(a, "room-1")
	h.EmitRoom("room-1", Event{Op: "chat"})

	ev := drain(t, a)
	if ev.Op != "chat" {
		t.Fatalf("expected subscriber to receive room event, got %+v", ev)
	}

	select {
	case <-b.send:
		t.Fatal("expected non-subscriber to receive nothing on room-1")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitRoomExceptSkipsOriginator(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	b := newClient(h, nil, nil, "conn-b", "127.0.0.1")
	h.Register(a)
	h.Register(b)
	time.Sleep(10 * time.Millisecond)

	h.JoinRoom(a, "room-1")
	h.JoinRoom(b, "room-1")
	h.EmitRoomExcept("room-1", "conn-a", Event{Op: "voice:signal"})

	ev := drain(t, b)
	if ev.Op != "voice:signal" {
		t.Fatalf("expected the non-excluded subscriber to receive the event, got %+v", ev)
	}
	select {
	case <-a.send:
		t.Fatal("expected the excluded originator to receive nothing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveRoomStopsFurtherDelivery(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	h.Register(a)
	time.Sleep(10 * time.Millisecond)

	h.JoinRoom(a, "room-1")
	h.LeaveRoom(a, "room-1")
	h.EmitRoom("room-1", Event{Op: "chat"})

	select {
	case <-a.send:
		t.Fatal("expected no delivery after leaving the room")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitConnTargetsOneConnection(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	b := newClient(h, nil, nil, "conn-b", "127.0.0.1")
	h.Register(a)
	h.Register(b)
	time.Sleep(10 * time.Millisecond)

	h.EmitConn("conn-a", Event{Op: "auth:success"})
	ev := drain(t, a)
	if ev.Op != "auth:success" {
		t.Fatalf("expected target connection to receive the event, got %+v", ev)
	}
	select {
	case <-b.send:
		t.Fatal("expected the other connection to receive nothing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterRemovesFromEveryRoomAndClosesSend(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	h.Register(a)
	time.Sleep(10 * time.Millisecond)
	h.JoinRoom(a, "room-1")

	h.Unregister(a)
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-a.send; ok {
		t.Fatal("expected send channel to be closed after unregister")
	}
	h.EmitRoom("room-1", Event{Op: "chat"})
}

func TestDeliverDropsSlowConsumer(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	h.Register(a)
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < sendBufferSize; i++ {
		h.EmitConn("conn-a", Event{Op: "chat"})
	}
	// the queue is now full; one more emit should trigger an async unregister
	// instead of blocking the hub.
	h.EmitConn("conn-a", Event{Op: "chat"})
	time.Sleep(50 * time.Millisecond)

	h.mu.RLock()
	_, stillConnected := h.conns["conn-a"]
	h.mu.RUnlock()
	if stillConnected {
		t.Fatal("expected a slow consumer to be dropped rather than block the hub")
	}
}

func TestShutdownClosesEveryConnection(t *testing.T) {
	h := testHub(t)
	a := newClient(h, nil, nil, "conn-a", "127.0.0.1")
	b := newClient(h, nil, nil, "conn-b", "127.0.0.1")
	h.Register(a)
	h.Register(b)
	time.Sleep(10 * time.Millisecond)

	h.Shutdown()

	if _, ok := <-a.send; ok {
		t.Fatal("expected conn-a's send channel to be closed on shutdown")
	}
	if _, ok := <-b.send; ok {
		t.Fatal("expected conn-b's send channel to be closed on shutdown")
	}
}
