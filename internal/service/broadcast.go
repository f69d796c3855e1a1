package service

// Frame types pushed to subscribers. The same names arrive inbound from
// clients where the protocol allows it (turn_action, room_channel, relays).
const (
	FrameSessionState       = "session_state"
	FrameTurnStart          = "turn_start"
	FrameTurnEnd            = "turn_end"
	FrameTurnAction         = "turn_action"
	FrameError              = "error"
	FrameRoomChannel        = "room_channel"
	FrameGameUpdate         = "game_update"
	FramePlayerNotification = "player_notification"
	FrameChaosAttack        = "chaos_attack"
	FrameParticleEmit       = "particle:emit"
)

// Frame is one realtime message bound for a session's subscribers. Target is
// empty for broadcasts and a player id for direct delivery. Data must be a
// detached payload: built inside the store mutation, never aliasing live
// session state, because the hub serializes after the store lock releases.
type Frame struct {
	Type   string
	Target string
	Data   map[string]any
}

// Payload merges the frame type into the data map for the wire.
func (f Frame) Payload() map[string]any {
	out := make(map[string]any, len(f.Data)+1)
	for k, v := range f.Data {
		out[k] = v
	}
	out["type"] = f.Type
	return out
}

// BroadcastFrame builds a frame for every subscriber in the session.
func BroadcastFrame(frameType string, data map[string]any) Frame {
	return Frame{Type: frameType, Data: data}
}

// DirectFrame builds a frame for a single player's connections.
func DirectFrame(playerID, frameType string, data map[string]any) Frame {
	return Frame{Type: frameType, Target: playerID, Data: data}
}

// FrameBuffer collects frames during a session mutation. Frames are handed
// to the broadcaster only after the mutation commits, in append order.
type FrameBuffer struct {
	frames []Frame
}

// Broadcast appends a broadcast frame.
func (b *FrameBuffer) Broadcast(frameType string, data map[string]any) {
	b.frames = append(b.frames, BroadcastFrame(frameType, data))
}

// Direct appends a single-player frame.
func (b *FrameBuffer) Direct(playerID, frameType string, data map[string]any) {
	b.frames = append(b.frames, DirectFrame(playerID, frameType, data))
}

// Frames returns the buffered frames in append order.
func (b *FrameBuffer) Frames() []Frame {
	return b.frames
}

// Broadcaster fans frames out to a session's live subscribers.
// Implemented by the WebSocket hub.
type Broadcaster interface {
	Deliver(sessionID string, frames []Frame)
}

// NoopBroadcaster is used in tests and when no hub is attached.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Deliver(string, []Frame) {}
