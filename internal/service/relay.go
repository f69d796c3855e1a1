package service

import (
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/filter"
	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
)

// Room channels.
const (
	ChannelPublic = "public"
	ChannelDirect = "direct"
)

// RelayVerdict is the outcome of routing one inbound frame through the
// filter pipeline. Blocked frames carry the filter's code and reason back
// to the sender; nothing is relayed.
type RelayVerdict struct {
	Allowed bool
	Code    string
	Reason  string
	Payload map[string]any
}

// Relay routes inbound realtime frames through the filter pipeline and
// hands allowed ones to the session's subscribers. Filters run inside the
// session lane, so they may touch conduct state directly.
type Relay struct {
	registry *Registry
	filters  *filter.Registry
}

// NewRelay wires the relay over the shared filter registry.
func NewRelay(registry *Registry, filters *filter.Registry) *Relay {
	return &Relay{registry: registry, filters: filters}
}

// RoomChannel routes one room_channel frame: preflight (sender standing,
// mutes), then conduct scanning, then fan-out. A conduct strike that tips
// the auto-ban policy bans the sender after the lane releases.
func (rl *Relay) RoomChannel(sessionID, playerID string, frame map[string]any) (*RelayVerdict, error) {
	verdict := &RelayVerdict{Allowed: true}
	autoBan := false
	err := rl.registry.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		now := rl.registry.now()
		fctx := &filter.Context{
			SessionID:      sessionID,
			PlayerID:       playerID,
			TargetPlayerID: stringField(frame, "targetPlayerId"),
			Type:           FrameRoomChannel,
			Channel:        stringField(frame, "channel"),
			Message:        stringField(frame, "message"),
			Frame:          frame,
			Session:        sess,
			Snapshot:       snap,
			Now:            now,
		}

		pre := rl.filters.Execute(filter.ScopeRoomChannelPreflight, fctx)
		if !pre.Allowed {
			*verdict = blockedVerdict(pre)
			return nil
		}

		in := rl.filters.Execute(filter.ScopeRoomChannelInbound, fctx)
		if !in.Allowed {
			*verdict = blockedVerdict(in)
			if in.Outcome != nil && in.Outcome.Payload != nil {
				if banned, _ := in.Outcome.Payload["autoBan"].(bool); banned {
					autoBan = true
				}
			}
			return nil
		}

		if fctx.Channel == ChannelDirect && fctx.TargetPlayerID != "" {
			direct := rl.filters.Execute(filter.ScopeDirectDelivery, fctx)
			if !direct.Allowed {
				v := blockedVerdict(direct)
				// Channel messages report the channel-specific code.
				if v.Code == "interaction_blocked" {
					v.Code = "room_channel_blocked"
				}
				*verdict = v
				return nil
			}
			emit.Direct(fctx.TargetPlayerID, FrameRoomChannel, relayPayload(sessionID, playerID, frame))
			emit.Direct(playerID, FrameRoomChannel, relayPayload(sessionID, playerID, frame))
			return nil
		}

		emit.Broadcast(FrameRoomChannel, relayPayload(sessionID, playerID, frame))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		metrics.FilterBlocked(verdict.Code)
	}
	if autoBan {
		log.Warn().
			Str("session_id", sessionID).
			Str("player_id", playerID).
			Msg("Conduct auto-ban triggered")
		if err := rl.registry.SystemBan(sessionID, playerID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Conduct auto-ban failed")
		}
	}
	return verdict, nil
}

// RelayFrame routes a passthrough frame (chaos_attack, particle:emit,
// game_update, player_notification). Frames with a targetPlayerId run the
// direct-delivery scope and go to that player only.
func (rl *Relay) RelayFrame(sessionID, playerID, frameType string, frame map[string]any) (*RelayVerdict, error) {
	verdict := &RelayVerdict{Allowed: true}
	err := rl.registry.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		target := stringField(frame, "targetPlayerId")
		if target != "" {
			fctx := &filter.Context{
				SessionID:      sessionID,
				PlayerID:       playerID,
				TargetPlayerID: target,
				Type:           frameType,
				Frame:          frame,
				Session:        sess,
				Snapshot:       snap,
				Now:            rl.registry.now(),
			}
			direct := rl.filters.Execute(filter.ScopeDirectDelivery, fctx)
			if !direct.Allowed {
				*verdict = blockedVerdict(direct)
				return nil
			}
			emit.Direct(target, frameType, relayPayload(sessionID, playerID, frame))
			return nil
		}
		emit.Broadcast(frameType, relayPayload(sessionID, playerID, frame))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		metrics.FilterBlocked(verdict.Code)
	}
	return verdict, nil
}

func blockedVerdict(res filter.Result) RelayVerdict {
	v := RelayVerdict{Code: res.Code, Reason: res.Reason}
	if res.Outcome != nil && res.Outcome.Payload != nil {
		v.Payload = res.Outcome.Payload
	}
	return v
}

// relayPayload rebuilds the inbound frame with server-stamped sender
// fields, dropping any the client tried to forge.
func relayPayload(sessionID, playerID string, frame map[string]any) map[string]any {
	out := make(map[string]any, len(frame)+2)
	for k, v := range frame {
		out[k] = v
	}
	out["sessionId"] = sessionID
	out["playerId"] = playerID
	delete(out, "type")
	return out
}

func stringField(frame map[string]any, key string) string {
	s, _ := frame[key].(string)
	return s
}
