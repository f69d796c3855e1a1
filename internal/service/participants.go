package service

import (
	"fmt"
	"time"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

// Participant state actions.
const (
	ActionSit         = "sit"
	ActionStand       = "stand"
	ActionReady       = "ready"
	ActionUnready     = "unready"
	ActionToggleReady = "toggle-ready"
)

func removeParticipant(sess *model.Session, playerID string) {
	delete(sess.Participants, playerID)
	if sess.TurnState != nil {
		sess.TurnState.RemoveFromOrder(playerID)
	}
}

// UpdateParticipantState transitions a participant between observer, seated,
// and ready. When the last seated human readies up in a fresh lobby, the
// game begins and the opening turn_start goes out in the same hand-off.
func (r *Registry) UpdateParticipantState(sessionID, playerID, action string) error {
	var opened *turnOpened
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		p := sess.Participants[playerID]
		if p == nil {
			return ErrNotInSession
		}
		now := r.now()
		switch action {
		case ActionSit:
			if !p.IsSeated {
				if r.lifecycle.IsGameInProgress(sess) {
					return ErrGameInProgress
				}
				p.IsSeated = true
				p.IsReady = false
				p.Score = 0
				p.RemainingDice = dice.DefaultCount
				p.IsComplete = false
				p.CompletedAt = nil
			}
		case ActionStand:
			if p.IsSeated && !p.IsComplete && r.lifecycle.IsGameInProgress(sess) {
				return ErrGameInProgress
			}
			p.IsSeated = false
			p.IsReady = false
			if sess.TurnState != nil {
				sess.TurnState.RemoveFromOrder(playerID)
			}
		case ActionReady:
			p.IsReady = true
		case ActionUnready:
			p.IsReady = false
		case ActionToggleReady:
			p.IsReady = !p.IsReady
		default:
			return withDetail(ErrInvalidAction, fmt.Sprintf("unknown participant action %q", action))
		}
		p.LastSeenAt = now
		sess.LastActivityAt = now
		r.lifecycle.MarkPostGameAction(sess, now)

		turn := sess.Turn()
		if turn.ActiveTurnPlayerID == "" && len(turn.Order) == 0 &&
			!r.lifecycle.IsGameInProgress(sess) && r.turns.AllHumansReady(sess) {
			if first := r.turns.BeginGame(sess, now); first != "" {
				opened = capturedTurn(sess)
				emit.Broadcast(FrameTurnStart, turnStartPayload(sess, nil))
			}
		}
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		return nil
	})
	if err != nil {
		return err
	}
	r.afterTurnOpened(sessionID, opened)
	return nil
}

// Heartbeat stamps player and session activity.
func (r *Registry) Heartbeat(sessionID, playerID string) error {
	return r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		p := sess.Participants[playerID]
		if p == nil {
			return ErrNotInSession
		}
		now := r.now()
		p.LastSeenAt = now
		sess.LastActivityAt = now
		r.lifecycle.MarkPostGameAction(sess, now)
		return nil
	})
}

// detachPlayer removes a player from the session inside a lane mutation:
// turn order, host seat, and tokens all go in the same atomic step. If they
// held the active turn, play advances. Shared by Leave, moderation, and the
// stale-participant sweep. Returns post-mutation directives: a turn to arm,
// whether the turn machine went idle, and whether the session was deleted.
func (r *Registry) detachPlayer(snap *model.Snapshot, sess *model.Session, playerID string, emit *FrameBuffer) (opened *turnOpened, idled, collected bool) {
	now := r.now()
	wasActive := sess.TurnState != nil && sess.TurnState.ActiveTurnPlayerID == playerID
	removeParticipant(sess, playerID)
	auth.RevokePlayerSessionIn(snap, playerID, sess.SessionID)

	if sess.HostPlayerID == playerID {
		sess.HostPlayerID = ""
		for _, cand := range sess.ParticipantList() {
			if !cand.IsBot && cand.IsSeated {
				sess.HostPlayerID = cand.PlayerID
				break
			}
		}
		if sess.HostPlayerID == "" {
			for _, cand := range sess.ParticipantList() {
				if !cand.IsBot {
					sess.HostPlayerID = cand.PlayerID
					break
				}
			}
		}
	}

	if wasActive {
		adv := r.turns.AdvanceTurn(sess, AdvanceSourceModeration, now)
		if adv.NextPlayerID != "" {
			opened = capturedTurn(sess)
			emit.Broadcast(FrameTurnStart, turnStartPayload(sess, adv))
		} else {
			idled = true
		}
	}

	if sess.HumanCount() == 0 {
		if sess.RoomType == model.RoomTypePublicDefault {
			r.resetPublicRoom(sess, now)
			return nil, true, false
		}
		delete(snap.MultiplayerSessions, sess.SessionID)
		return nil, false, true
	}

	sess.LastActivityAt = now
	return opened, idled, false
}

// Moderate lets the host kick or ban another human. Kick removes the
// participant and revokes their session tokens in the same mutation; ban
// additionally bars rejoining. No partial effect on error.
func (r *Registry) Moderate(sessionID, requesterID, targetID, action string) error {
	if action != "kick" && action != "ban" {
		return withDetail(ErrInvalidAction, fmt.Sprintf("unknown moderation action %q", action))
	}
	var opened *turnOpened
	var idled, collected bool
	roomCode := ""
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		if sess.HostPlayerID == "" || sess.HostPlayerID != requesterID {
			return ErrNotHost
		}
		target := sess.Participants[targetID]
		if target == nil {
			return ErrNotInSession
		}
		if target.IsBot {
			return withDetail(ErrInvalidAction, "bots cannot be moderated")
		}
		roomCode = sess.RoomCode
		if action == "ban" {
			sess.Ban(targetID)
		}
		emit.Direct(targetID, FramePlayerNotification, map[string]any{
			"event":     "moderated",
			"action":    action,
			"sessionId": sess.SessionID,
		})
		opened, idled, collected = r.detachPlayer(snap, sess, targetID, emit)
		if !collected {
			emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if collected {
		r.dropSessionLocal(sessionID, roomCode)
		return nil
	}
	if idled {
		r.cancelTurnTimer(sessionID)
	}
	r.afterTurnOpened(sessionID, opened)
	return nil
}

// AdminDetach removes a player with administrative rather than host
// authority. Semantics match Leave; the split name keeps audit call sites
// honest.
func (r *Registry) AdminDetach(sessionID, playerID string) error {
	return r.Leave(sessionID, playerID)
}

// SystemBan bans and detaches a player on the server's own authority, used
// for conduct auto-bans. The ban directive survives even if the player
// already left.
func (r *Registry) SystemBan(sessionID, targetID string) error {
	var opened *turnOpened
	var idled, collected bool
	roomCode := ""
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		roomCode = sess.RoomCode
		sess.Ban(targetID)
		if sess.Participants[targetID] == nil {
			return nil
		}
		emit.Direct(targetID, FramePlayerNotification, map[string]any{
			"event":     "moderated",
			"action":    "ban",
			"sessionId": sess.SessionID,
		})
		opened, idled, collected = r.detachPlayer(snap, sess, targetID, emit)
		if !collected {
			emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if collected {
		r.dropSessionLocal(sessionID, roomCode)
		return nil
	}
	if idled {
		r.cancelTurnTimer(sessionID)
	}
	r.afterTurnOpened(sessionID, opened)
	return nil
}

// QueueForNextGame marks a participant to be seated when the current game
// ends. Only meaningful while a game is in progress.
func (r *Registry) QueueForNextGame(sessionID, playerID string) error {
	return r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		p := sess.Participants[playerID]
		if p == nil {
			return ErrNotInSession
		}
		if !r.lifecycle.IsGameInProgress(sess) {
			return ErrQueueUnavailable
		}
		now := r.now()
		p.QueuedForNextGame = true
		p.LastSeenAt = now
		sess.LastActivityAt = now
		r.lifecycle.MarkPostGameAction(sess, now)
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		return nil
	})
}

// Leave removes a player. The host seat transfers to the next seated human;
// a room left without humans is reset (default pool rooms) or collected.
func (r *Registry) Leave(sessionID, playerID string) error {
	var opened *turnOpened
	var idled, collected bool
	roomCode := ""
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		if sess.Participants[playerID] == nil {
			return ErrNotInSession
		}
		roomCode = sess.RoomCode
		opened, idled, collected = r.detachPlayer(snap, sess, playerID, emit)
		if !collected {
			emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if collected {
		r.dropSessionLocal(sessionID, roomCode)
		return nil
	}
	if idled {
		r.cancelTurnTimer(sessionID)
	}
	r.afterTurnOpened(sessionID, opened)
	return nil
}

// RefreshAuth rotates a refresh token for a fresh bundle. The old refresh
// token is revoked; its access sibling simply expires.
func (r *Registry) RefreshAuth(refreshToken string) (*auth.Bundle, error) {
	rec := r.tokens.VerifyRefresh(refreshToken)
	if rec == nil {
		return nil, ErrInvalidAuth
	}
	r.tokens.Revoke(refreshToken)
	bundle, err := r.tokens.IssueBundle(rec.PlayerID, rec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("issue token bundle: %w", err)
	}
	return bundle, nil
}

// RefreshSessionAuth is RefreshAuth bound to a session route: the token must
// belong to the named player inside the named session. Mismatches report the
// same opaque invalid_auth as unknown tokens.
func (r *Registry) RefreshSessionAuth(sessionID, playerID, refreshToken string) (*auth.Bundle, error) {
	rec := r.tokens.VerifyRefresh(refreshToken)
	if rec == nil || rec.PlayerID != playerID || rec.SessionID != sessionID {
		return nil, ErrInvalidAuth
	}
	r.tokens.Revoke(refreshToken)
	bundle, err := r.tokens.IssueBundle(rec.PlayerID, rec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("issue token bundle: %w", err)
	}
	return bundle, nil
}

// resetPublicRoom returns an emptied default pool room to a fresh lobby:
// bots stay re-readied, everything else resets, and the room waits for
// walk-ins. Bans survive the reset.
func (r *Registry) resetPublicRoom(sess *model.Session, now time.Time) {
	for id, p := range sess.Participants {
		if !p.IsBot {
			delete(sess.Participants, id)
		}
	}
	r.lifecycle.ResetForNextGame(sess, now)
	sess.GameStartedAt = nil
	sess.HostPlayerID = ""
}
