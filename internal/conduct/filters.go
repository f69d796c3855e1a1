package conduct

import (
	"github.com/chaosdice/server/internal/filter"
)

// SenderRestrictionFilter rejects room-channel frames from anyone who is
// not an active participant of the session. Registered on the preflight
// scope with a block policy: if this check cannot run, nothing passes.
func SenderRestrictionFilter() filter.Filter {
	return filter.Filter{
		ID:    "sender_restriction",
		Scope: filter.ScopeRoomChannelPreflight,
		Run: func(fctx *filter.Context) filter.Outcome {
			if fctx.Session == nil {
				return filter.Block("room_channel_blocked", "session unavailable")
			}
			p, ok := fctx.Session.Participants[fctx.PlayerID]
			if !ok || !p.Active() {
				return filter.Block("room_channel_blocked", "sender is not an active participant")
			}
			return filter.Allow()
		},
		Policy: filter.Policy{Enabled: true, TimeoutMs: 50, OnError: filter.OnErrorBlock},
	}
}

// MuteFilter blocks messages from muted senders and lifts mutes whose
// window has passed, flagging the lift as a state change so it persists.
func MuteFilter(engine *Engine) filter.Filter {
	return filter.Filter{
		ID:    "conduct_mute",
		Scope: filter.ScopeRoomChannelPreflight,
		Run: func(fctx *filter.Context) filter.Outcome {
			if fctx.Session == nil {
				return filter.Allow()
			}
			rec := fctx.Session.Conduct().Players[fctx.PlayerID]
			now := fctx.Now
			if now.IsZero() {
				now = engine.now()
			}
			muted, lifted := MutedNow(rec, now)
			if muted {
				return filter.Block("room_channel_sender_muted", "you are temporarily muted")
			}
			out := filter.Allow()
			out.StateChanged = lifted
			return out
		},
		Policy: filter.Policy{Enabled: true, TimeoutMs: 50, OnError: filter.OnErrorBlock},
	}
}

// ConductFilter scans message bodies and applies strike policy. Runs on
// the inbound scope with a noop error policy: a scanner fault degrades to
// unmoderated chat rather than silencing the room.
func ConductFilter(engine *Engine) filter.Filter {
	return filter.Filter{
		ID:    "chat_conduct",
		Scope: filter.ScopeRoomChannelInbound,
		Run: func(fctx *filter.Context) filter.Outcome {
			if fctx.Session == nil || fctx.Message == "" {
				return filter.Allow()
			}
			v := engine.EvaluateMessage(fctx.Session, fctx.PlayerID, fctx.Message)
			if !v.Blocked {
				return filter.Allow()
			}
			out := filter.Block(v.Code, v.Warning)
			out.StateChanged = true
			out.Payload = map[string]any{
				"warning": v.Warning,
				"muted":   v.Muted,
			}
			if v.AutoBan {
				out.Payload["autoBan"] = true
			}
			return out
		},
		Policy: filter.Policy{Enabled: true, TimeoutMs: 100, OnError: filter.OnErrorNoop},
	}
}

// InteractionFilter guards direct deliveries: a frame aimed at a player
// who has blocked the sender (or whom the sender blocked) is dropped with
// interaction_blocked.
func InteractionFilter() filter.Filter {
	return filter.Filter{
		ID:    "interaction_block",
		Scope: filter.ScopeDirectDelivery,
		Run: func(fctx *filter.Context) filter.Outcome {
			if fctx.Snapshot == nil || fctx.TargetPlayerID == "" {
				return filter.Allow()
			}
			target := fctx.Snapshot.Players[fctx.TargetPlayerID]
			if target != nil && target.HasBlocked(fctx.PlayerID) {
				return filter.Block("interaction_blocked", "recipient is not accepting messages from you")
			}
			sender := fctx.Snapshot.Players[fctx.PlayerID]
			if sender != nil && sender.HasBlocked(fctx.TargetPlayerID) {
				return filter.Block("interaction_blocked", "you have blocked this player")
			}
			return filter.Allow()
		},
		Policy: filter.Policy{Enabled: true, TimeoutMs: 50, OnError: filter.OnErrorBlock},
	}
}
