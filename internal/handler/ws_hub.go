package handler

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/service"
)

// WebSocket close codes beyond the RFC set.
const (
	CloseAuthFailed       = 4401
	CloseSessionGone      = 4404
	CloseDuplicateConnect = 4409
)

// subscriber is one live WebSocket bound to a (session, player) pair.
type subscriber struct {
	sessionID string
	playerID  string
	connID    string

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

// enqueue hands marshalled bytes to the subscriber's writer. A full buffer
// drops the frame rather than blocking the session lane.
func (s *subscriber) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		metrics.FrameDropped()
		log.Warn().
			Str("session_id", s.sessionID).
			Str("player_id", s.playerID).
			Msg("Dropping frame, subscriber buffer full")
	}
}

// closeSend shuts the writer's channel exactly once.
func (s *subscriber) closeSend() {
	s.closeOnce.Do(func() { close(s.send) })
}

// Hub owns the per-session subscriber sets and fans frames out to them.
// It implements service.Broadcaster: Deliver is called while the session
// lane is still held, so every subscriber sees one session's frames in the
// order the lane produced them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*subscriber]bool
	byPlayer map[string]map[string]*subscriber // sessionID -> playerID -> newest conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*subscriber]bool),
		byPlayer: make(map[string]map[string]*subscriber),
	}
}

var _ service.Broadcaster = (*Hub)(nil)

// register binds a subscriber to its session. If the player already holds
// a connection in the session, the old one is returned so the caller can
// close it with a duplicate-connect code: the new connection wins.
func (h *Hub) register(s *subscriber) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.sessionID] == nil {
		h.sessions[s.sessionID] = make(map[*subscriber]bool)
	}
	h.sessions[s.sessionID][s] = true

	if h.byPlayer[s.sessionID] == nil {
		h.byPlayer[s.sessionID] = make(map[string]*subscriber)
	}
	prev := h.byPlayer[s.sessionID][s.playerID]
	h.byPlayer[s.sessionID][s.playerID] = s
	if prev != nil {
		delete(h.sessions[s.sessionID], prev)
	}
	metrics.ConnOpened()
	return prev
}

// unregister removes a subscriber. A no-op if a newer connection for the
// same player already replaced it.
func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.sessions[s.sessionID]; ok {
		if conns[s] {
			delete(conns, s)
			metrics.ConnClosed()
		}
		if len(conns) == 0 {
			delete(h.sessions, s.sessionID)
		}
	}
	if players, ok := h.byPlayer[s.sessionID]; ok {
		if players[s.playerID] == s {
			delete(players, s.playerID)
		}
		if len(players) == 0 {
			delete(h.byPlayer, s.sessionID)
		}
	}
	s.closeSend()
}

// Deliver fans a batch of frames out to one session's subscribers in
// order. Broadcast frames reach everyone; direct frames only the target
// player's connection.
func (h *Hub) Deliver(sessionID string, frames []service.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.sessions[sessionID]
	if len(conns) == 0 {
		return
	}
	for _, frame := range frames {
		data, err := json.Marshal(frame.Payload())
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Str("frame_type", frame.Type).Msg("Frame marshal failed")
			continue
		}
		metrics.FrameRelayed(frame.Type)
		for s := range conns {
			if frame.Target != "" && s.playerID != frame.Target {
				continue
			}
			s.enqueue(data)
		}
	}
}

// SendTo delivers a single frame to one player in a session, outside any
// lane. Used for error frames back to a misbehaving sender.
func (h *Hub) SendTo(sessionID, playerID string, frame service.Frame) {
	data, err := json.Marshal(frame.Payload())
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[sessionID] {
		if s.playerID == playerID {
			s.enqueue(data)
		}
	}
}

// CloseSession force-closes every connection of a session with the given
// close code. Used when a session is torn down under live subscribers.
func (h *Hub) CloseSession(sessionID string, code int, reason string) {
	h.mu.Lock()
	var victims []*subscriber
	for s := range h.sessions[sessionID] {
		victims = append(victims, s)
	}
	h.mu.Unlock()
	for _, s := range victims {
		closeWithCode(s.conn, code, reason)
		h.unregister(s)
	}
}

// ConnectionCount returns the number of live subscribers across sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.sessions {
		n += len(conns)
	}
	return n
}

// SessionSubscriberCount returns the live subscriber count for a session.
func (h *Hub) SessionSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
