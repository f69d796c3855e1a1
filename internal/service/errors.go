package service

import (
	"errors"
	"net/http"
)

// SessionError is an error with a stable wire code and HTTP status. Handlers
// map these to response bodies; the realtime layer maps them to error frames.
type SessionError struct {
	Code    string
	Status  int
	Message string
}

func (e *SessionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Is matches by code so errors.Is works against detail-carrying copies.
func (e *SessionError) Is(target error) bool {
	var se *SessionError
	if errors.As(target, &se) {
		return se.Code == e.Code
	}
	return false
}

func clientErr(status int, code, msg string) *SessionError {
	return &SessionError{Code: code, Status: status, Message: msg}
}

// withDetail copies a sentinel with a more specific message, keeping the
// code and status so errors.Is still matches.
func withDetail(base *SessionError, detail string) *SessionError {
	return &SessionError{Code: base.Code, Status: base.Status, Message: detail}
}

var (
	ErrSessionExpired         = clientErr(http.StatusNotFound, "session_expired", "session no longer exists")
	ErrRoomNotFound           = clientErr(http.StatusNotFound, "room_not_found", "no room with that code")
	ErrRoomFull               = clientErr(http.StatusConflict, "room_full", "no free human slots")
	ErrRoomBanned             = clientErr(http.StatusForbidden, "room_banned", "banned from this room")
	ErrNotHost                = clientErr(http.StatusForbidden, "not_host", "only the host may do that")
	ErrNotInSession           = clientErr(http.StatusNotFound, "not_in_session", "player is not in this session")
	ErrTurnNotActive          = clientErr(http.StatusConflict, "turn_not_active", "it is not this player's turn")
	ErrTurnActionRequired     = clientErr(http.StatusConflict, "turn_action_required", "turn action does not fit the current phase")
	ErrTurnActionInvalidScore = clientErr(http.StatusConflict, "turn_action_invalid_score", "score selection does not match the server roll")
	ErrQueueUnavailable       = clientErr(http.StatusConflict, "queue_unavailable", "queueing requires a game in progress")
	ErrGameInProgress         = clientErr(http.StatusConflict, "game_in_progress", "a game is already in progress")
	ErrInvalidAction          = clientErr(http.StatusBadRequest, "invalid_action", "unknown or malformed action")
	ErrInvalidAuth            = clientErr(http.StatusUnauthorized, "invalid_auth", "invalid credentials")
)
