package handler

import (
	"encoding/json"
	"testing"

	"github.com/chaosdice/server/internal/service"
)

func newTestSubscriber(sessionID, playerID, connID string) *subscriber {
	return &subscriber{
		sessionID: sessionID,
		playerID:  playerID,
		connID:    connID,
		send:      make(chan []byte, 8),
	}
}

// drain decodes every frame currently buffered on the subscriber.
func drain(t *testing.T, s *subscriber) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case data := <-s.send:
			var payload map[string]any
			if err := json.Unmarshal(data, &payload); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			out = append(out, payload)
		default:
			return out
		}
	}
}

func TestDeliverBroadcastAndTargeted(t *testing.T) {
	hub := NewHub()
	p1 := newTestSubscriber("s1", "p1", "c1")
	p2 := newTestSubscriber("s1", "p2", "c2")
	hub.register(p1)
	hub.register(p2)

	hub.Deliver("s1", []service.Frame{
		service.BroadcastFrame("turn_start", map[string]any{"playerId": "p1"}),
		service.DirectFrame("p2", "player_notification", map[string]any{"message": "hi"}),
	})

	got1 := drain(t, p1)
	if len(got1) != 1 || got1[0]["type"] != "turn_start" {
		t.Errorf("p1 frames = %+v, want only the broadcast", got1)
	}
	got2 := drain(t, p2)
	if len(got2) != 2 {
		t.Fatalf("p2 frames = %d, want broadcast plus direct", len(got2))
	}
	if got2[0]["type"] != "turn_start" || got2[1]["type"] != "player_notification" {
		t.Errorf("p2 frame order = [%v %v]", got2[0]["type"], got2[1]["type"])
	}
	if got2[1]["message"] != "hi" {
		t.Errorf("direct payload = %+v", got2[1])
	}
}

func TestDeliverUnknownSessionIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Deliver("nowhere", []service.Frame{service.BroadcastFrame("turn_start", nil)})
}

func TestRegisterDuplicateConnectionReplaced(t *testing.T) {
	hub := NewHub()
	old := newTestSubscriber("s1", "p1", "c1")
	if prev := hub.register(old); prev != nil {
		t.Fatalf("first register returned %v, want nil", prev)
	}
	fresh := newTestSubscriber("s1", "p1", "c2")
	if prev := hub.register(fresh); prev != old {
		t.Fatalf("second register returned %v, want the first connection", prev)
	}
	if n := hub.SessionSubscriberCount("s1"); n != 1 {
		t.Errorf("subscribers = %d, want the newest only", n)
	}

	hub.Deliver("s1", []service.Frame{service.BroadcastFrame("turn_start", nil)})
	if got := drain(t, old); len(got) != 0 {
		t.Errorf("replaced connection received %d frames", len(got))
	}
	if got := drain(t, fresh); len(got) != 1 {
		t.Errorf("newest connection received %d frames, want 1", len(got))
	}

	// Unregistering the stale connection must not evict the newest one.
	hub.unregister(old)
	if n := hub.SessionSubscriberCount("s1"); n != 1 {
		t.Errorf("subscribers after stale unregister = %d, want 1", n)
	}
}

func TestUnregisterCleansUpSession(t *testing.T) {
	hub := NewHub()
	s := newTestSubscriber("s1", "p1", "c1")
	hub.register(s)
	hub.unregister(s)

	if n := hub.SessionSubscriberCount("s1"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	if n := hub.ConnectionCount(); n != 0 {
		t.Errorf("connections = %d, want 0", n)
	}
	// The send channel is closed exactly once; a second unregister is a no-op.
	hub.unregister(s)
	if _, open := <-s.send; open {
		t.Error("send channel still open after unregister")
	}
}

func TestConnectionCountSpansSessions(t *testing.T) {
	hub := NewHub()
	hub.register(newTestSubscriber("s1", "p1", "c1"))
	hub.register(newTestSubscriber("s1", "p2", "c2"))
	hub.register(newTestSubscriber("s2", "p1", "c3"))

	if n := hub.ConnectionCount(); n != 3 {
		t.Errorf("connections = %d, want 3", n)
	}
	if n := hub.SessionSubscriberCount("s2"); n != 1 {
		t.Errorf("s2 subscribers = %d, want 1", n)
	}
}

func TestSendToTargetsOnePlayer(t *testing.T) {
	hub := NewHub()
	p1 := newTestSubscriber("s1", "p1", "c1")
	p2 := newTestSubscriber("s1", "p2", "c2")
	hub.register(p1)
	hub.register(p2)

	hub.SendTo("s1", "p2", service.DirectFrame("p2", "room_channel_error", map[string]any{"code": "room_channel_blocked"}))

	if got := drain(t, p1); len(got) != 0 {
		t.Errorf("p1 received %d frames, want none", len(got))
	}
	got := drain(t, p2)
	if len(got) != 1 || got[0]["code"] != "room_channel_blocked" {
		t.Errorf("p2 frames = %+v", got)
	}
}

func TestEnqueueDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	s := &subscriber{sessionID: "s1", playerID: "p1", connID: "c1", send: make(chan []byte, 1)}
	hub.register(s)

	hub.Deliver("s1", []service.Frame{
		service.BroadcastFrame("turn_start", nil),
		service.BroadcastFrame("turn_start", nil),
	})

	// First frame fills the buffer; the overflow one is dropped, not blocked.
	if got := drain(t, s); len(got) != 1 {
		t.Errorf("buffered frames = %d, want 1", len(got))
	}
}
