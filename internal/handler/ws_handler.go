package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/service"
	"github.com/chaosdice/server/pkg/dice"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second // must be less than pongWait
	maxMsgSize  = 4096
	sendBufSize = 256

	// Inbound frame budget per connection; excess frames are dropped.
	inboundRate  = 10
	inboundBurst = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS handled by middleware; tighten in production
	},
}

// WSHandler accepts realtime connections and routes inbound frames.
type WSHandler struct {
	hub      *Hub
	registry *service.Registry
	relay    *service.Relay
	tokens   *auth.TokenManager
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *Hub, registry *service.Registry, relay *service.Relay, tokens *auth.TokenManager) *WSHandler {
	return &WSHandler{hub: hub, registry: registry, relay: relay, tokens: tokens}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// ServeWS handles GET /api/multiplayer/ws. Auth rides the query string
// (session, playerId, token) because browsers cannot set WS headers; auth
// failures close with 4401 after the upgrade so clients see the code.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	playerID := q.Get("playerId")
	token := q.Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	rec := h.tokens.VerifyAccess(token)
	if rec == nil || rec.PlayerID != playerID || rec.SessionID != sessionID {
		closeWithCode(conn, CloseAuthFailed, "invalid_auth")
		return
	}
	if !h.registry.IsSessionLive(sessionID) {
		closeWithCode(conn, CloseSessionGone, "session_expired")
		return
	}

	sub := &subscriber{
		sessionID: sessionID,
		playerID:  playerID,
		connID:    uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendBufSize),
	}
	if prev := h.hub.register(sub); prev != nil {
		// Newest connection wins; the replaced one learns why.
		closeWithCode(prev.conn, CloseDuplicateConnect, "duplicate_connect")
		prev.closeSend()
	}

	go h.writePump(sub)
	go h.readPump(sub)

	log.Info().
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Str("conn_id", sub.connID).
		Int("total", h.hub.ConnectionCount()).
		Msg("WebSocket client connected")
}

// readPump reads frames from the connection and routes them.
func (h *WSHandler) readPump(s *subscriber) {
	defer func() {
		h.hub.unregister(s)
		s.conn.Close()
		log.Info().
			Str("session_id", s.sessionID).
			Str("player_id", s.playerID).
			Msg("WebSocket client disconnected")
	}()

	limiter := rate.NewLimiter(inboundRate, inboundBurst)

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("player_id", s.playerID).Msg("WebSocket unexpected close")
			}
			break
		}
		if !limiter.Allow() {
			log.Debug().Str("player_id", s.playerID).Msg("Inbound frame rate limited")
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(message, &frame); err != nil {
			h.sendError(s, "invalid_action", "frames must be JSON objects")
			continue
		}
		frameType, _ := frame["type"].(string)
		h.route(s, frameType, frame, message)
	}
}

// route dispatches one inbound frame by type.
func (h *WSHandler) route(s *subscriber, frameType string, frame map[string]any, raw []byte) {
	switch frameType {
	case service.FrameTurnAction:
		h.handleTurnAction(s, raw)
	case service.FrameTurnEnd:
		if err := h.registry.TurnEnd(s.sessionID, s.playerID); err != nil {
			h.sendServiceError(s, err)
		}
	case service.FrameRoomChannel:
		verdict, err := h.relay.RoomChannel(s.sessionID, s.playerID, frame)
		if err != nil {
			h.sendServiceError(s, err)
			return
		}
		if !verdict.Allowed {
			h.sendVerdictError(s, verdict)
		}
	case service.FrameChaosAttack, service.FrameParticleEmit, service.FrameGameUpdate, service.FramePlayerNotification:
		verdict, err := h.relay.RelayFrame(s.sessionID, s.playerID, frameType, frame)
		if err != nil {
			h.sendServiceError(s, err)
			return
		}
		if !verdict.Allowed {
			h.sendVerdictError(s, verdict)
		}
	default:
		h.sendError(s, "invalid_action", "unknown frame type")
	}
}

// turnActionMsg is the inbound turn_action envelope. The server never
// trusts client dice values; only ids and shapes pass through.
type turnActionMsg struct {
	Action string `json:"action"`
	Roll   *struct {
		RollIndex int `json:"rollIndex"`
		Dice      []struct {
			DieID string `json:"dieId"`
			Sides int    `json:"sides"`
		} `json:"dice"`
	} `json:"roll"`
	Score *struct {
		SelectedDiceIDs []string `json:"selectedDiceIds"`
		Points          int      `json:"points"`
		RollServerID    string   `json:"rollServerId"`
	} `json:"score"`
}

func (h *WSHandler) handleTurnAction(s *subscriber, raw []byte) {
	var msg turnActionMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(s, "invalid_action", "malformed turn_action")
		return
	}
	switch msg.Action {
	case "roll":
		if msg.Roll == nil {
			h.sendError(s, "turn_action_required", "roll payload is required")
			return
		}
		specs := make([]dice.Spec, len(msg.Roll.Dice))
		for i, d := range msg.Roll.Dice {
			specs[i] = dice.Spec{ID: d.DieID, Sides: d.Sides}
		}
		if _, err := h.registry.TurnRoll(s.sessionID, s.playerID, msg.Roll.RollIndex, specs); err != nil {
			h.sendServiceError(s, err)
		}
	case "score":
		if msg.Score == nil {
			h.sendError(s, "turn_action_required", "score payload is required")
			return
		}
		if _, err := h.registry.TurnScore(s.sessionID, s.playerID, msg.Score.RollServerID, msg.Score.SelectedDiceIDs, msg.Score.Points); err != nil {
			h.sendServiceError(s, err)
		}
	default:
		h.sendError(s, "invalid_action", "turn_action requires action roll or score")
	}
}

func (h *WSHandler) sendError(s *subscriber, code, reason string) {
	h.hub.SendTo(s.sessionID, s.playerID, service.DirectFrame(s.playerID, service.FrameError, map[string]any{
		"code":   code,
		"reason": reason,
	}))
}

func (h *WSHandler) sendServiceError(s *subscriber, err error) {
	var se *service.SessionError
	if errors.As(err, &se) {
		h.sendError(s, se.Code, se.Message)
		return
	}
	log.Error().Err(err).Str("session_id", s.sessionID).Msg("Realtime action failed")
	h.sendError(s, "internal_error", "action failed")
}

func (h *WSHandler) sendVerdictError(s *subscriber, v *service.RelayVerdict) {
	data := map[string]any{
		"code":   v.Code,
		"reason": v.Reason,
	}
	for k, val := range v.Payload {
		data[k] = val
	}
	h.hub.SendTo(s.sessionID, s.playerID, service.DirectFrame(s.playerID, service.FrameError, data))
}

// writePump writes frames to the connection, batching queued frames one
// per line into a single write.
func (h *WSHandler) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued frames into the same write, one per line.
			n := len(s.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-s.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
