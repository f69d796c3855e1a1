package service

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/bot"
	"github.com/chaosdice/server/internal/config"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/internal/store"
	"github.com/chaosdice/server/pkg/dice"
)

const (
	defaultMaxHumans = 4
	maxHumanLimit    = 8
	maxBotsPerRoom   = 7
)

// Room codes avoid I, L, O, U, 0, and 1 so they survive being read aloud.
const (
	roomCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"
	roomCodeLen      = 6
)

const (
	joinRetryAttempts = 3
	joinRetryDelay    = 150 * time.Millisecond
)

// Scheduler requests an eventual snapshot persist after a mutation.
// Satisfied by store.SyncController.
type Scheduler interface {
	Schedule()
}

type noopScheduler struct{}

func (noopScheduler) Schedule() {}

// TurnScheduler arms a bot to play its turn after a think delay. Satisfied
// by BotRunner; an interface so tests can drive bot turns synchronously.
type TurnScheduler interface {
	ScheduleBotTurn(sessionID, playerID, epoch string)
}

// Registry owns the live session set: creation, joining, the public pool,
// per-session serialization lanes, and turn deadline timers. Every session
// mutation flows through one lane so state changes and their frames reach
// subscribers in a single total order per session.
type Registry struct {
	store  *store.Store
	sched  Scheduler
	tokens *auth.TokenManager
	cfg    *config.Config

	lifecycle *Lifecycle
	turns     *TurnEngine
	timeouts  *TimeoutEngine

	caster Broadcaster
	bots   TurnScheduler
	sink   LeaderboardSink

	lanes  sync.Map // sessionID -> *sync.Mutex
	timers sync.Map // sessionID -> *turnTimer

	mu     sync.RWMutex
	byCode map[string]string // roomCode -> sessionID

	now   func() time.Time
	sleep func(time.Duration)
}

// NewRegistry wires the registry and its engines. The broadcaster and bot
// scheduler may be attached later; both default to no-ops.
func NewRegistry(st *store.Store, sched Scheduler, tokens *auth.TokenManager, cfg *config.Config, caster Broadcaster) *Registry {
	if sched == nil {
		sched = noopScheduler{}
	}
	if caster == nil {
		caster = NoopBroadcaster{}
	}
	lifecycle := NewLifecycle(cfg)
	turns := NewTurnEngine(cfg, lifecycle)
	return &Registry{
		store:     st,
		sched:     sched,
		tokens:    tokens,
		cfg:       cfg,
		lifecycle: lifecycle,
		turns:     turns,
		timeouts:  NewTimeoutEngine(turns, lifecycle),
		caster:    caster,
		byCode:    make(map[string]string),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// SetBroadcaster attaches the realtime hub. The hub needs the registry to
// exist first, so this runs post-construction.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = NoopBroadcaster{}
	}
	r.caster = b
}

// SetBotScheduler attaches the bot runner post-construction.
func (r *Registry) SetBotScheduler(b TurnScheduler) {
	r.bots = b
}

// lane returns the session's serialization mutex, creating it on first use.
func (r *Registry) lane(sessionID string) *sync.Mutex {
	mu, _ := r.lanes.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// mutateSession runs fn against one session under its lane. On success a
// persist is scheduled and buffered frames are handed to the broadcaster
// before the lane releases, so every subscriber observes mutations and
// frames in the same per-session order.
func (r *Registry) mutateSession(sessionID string, fn func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error) error {
	lane := r.lane(sessionID)
	lane.Lock()
	defer lane.Unlock()

	var emit FrameBuffer
	err := r.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil {
			return ErrSessionExpired
		}
		return fn(snap, sess, &emit)
	})
	if err != nil {
		return err
	}
	r.sched.Schedule()
	if frames := emit.Frames(); len(frames) > 0 {
		r.caster.Deliver(sessionID, frames)
	}
	return nil
}

func newRoomCode() (string, error) {
	b := make([]byte, roomCodeLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("room code entropy: %w", err)
	}
	out := make([]byte, roomCodeLen)
	for i, v := range b {
		out[i] = roomCodeAlphabet[int(v)%len(roomCodeAlphabet)]
	}
	return string(out), nil
}

func uniqueRoomCode(snap *model.Snapshot) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := newRoomCode()
		if err != nil {
			return "", err
		}
		taken := false
		for _, sess := range snap.MultiplayerSessions {
			if sess.RoomCode == code {
				taken = true
				break
			}
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("room code space exhausted")
}

func (r *Registry) indexCode(code, sessionID string) {
	r.mu.Lock()
	r.byCode[code] = sessionID
	r.mu.Unlock()
}

func (r *Registry) lookupCode(code string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCode[code]
}

// resolveRoomCode maps a room code to a session id, falling back to a
// snapshot scan when the in-memory index is behind (fresh rehydrate).
func (r *Registry) resolveRoomCode(code string) string {
	if id := r.lookupCode(code); id != "" {
		return id
	}
	var id string
	r.store.View(func(snap *model.Snapshot) {
		for sid, sess := range snap.MultiplayerSessions {
			if sess.RoomCode == code {
				id = sid
				break
			}
		}
	})
	if id != "" {
		r.indexCode(code, id)
	}
	return id
}

// RebuildIndexes reconstructs the room-code index from the snapshot.
// Called at boot and after every rehydrate.
func (r *Registry) RebuildIndexes() {
	idx := make(map[string]string)
	r.store.View(func(snap *model.Snapshot) {
		for id, sess := range snap.MultiplayerSessions {
			if sess.RoomCode != "" {
				idx[sess.RoomCode] = id
			}
		}
	})
	r.mu.Lock()
	r.byCode = idx
	r.mu.Unlock()
}

// dropSessionLocal clears registry-local state for a removed session.
func (r *Registry) dropSessionLocal(sessionID, roomCode string) {
	r.cancelTurnTimer(sessionID)
	r.lanes.Delete(sessionID)
	if roomCode != "" {
		r.mu.Lock()
		if r.byCode[roomCode] == sessionID {
			delete(r.byCode, roomCode)
		}
		r.mu.Unlock()
	}
}

// upsertPlayer keeps the global player record in step with session joins.
func upsertPlayer(snap *model.Snapshot, playerID, displayName string, now time.Time) {
	p := snap.Players[playerID]
	if p == nil {
		p = &model.Player{ID: playerID, CreatedAt: now}
		snap.Players[playerID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.UpdatedAt = now
}

// CreateOptions configures a new session.
type CreateOptions struct {
	BotCount      int
	BotProfile    string
	IsPublic      bool
	Difficulty    string
	MaxHumanCount int
}

// JoinResult is what a successful create or join hands back: the session
// view plus the caller's token bundle.
type JoinResult struct {
	SessionID string         `json:"sessionId"`
	RoomCode  string         `json:"roomCode"`
	Session   map[string]any `json:"session"`
	Auth      *auth.Bundle   `json:"auth"`
}

// CreateSession builds a new room with the creator seated as host and any
// requested bots seated and ready.
func (r *Registry) CreateSession(playerID, displayName string, opts CreateOptions) (*JoinResult, error) {
	if playerID == "" {
		return nil, withDetail(ErrInvalidAction, "playerId is required")
	}
	difficulty := opts.Difficulty
	if difficulty == "" {
		difficulty = model.DifficultyNormal
	}
	if !model.ValidDifficulty(difficulty) {
		return nil, withDetail(ErrInvalidAction, fmt.Sprintf("unknown difficulty %q", difficulty))
	}
	if opts.BotCount < 0 || opts.BotCount > maxBotsPerRoom {
		return nil, withDetail(ErrInvalidAction, fmt.Sprintf("botCount must be 0..%d", maxBotsPerRoom))
	}
	if opts.BotProfile != "" && !bot.ValidProfile(opts.BotProfile) {
		return nil, withDetail(ErrInvalidAction, fmt.Sprintf("unknown bot profile %q", opts.BotProfile))
	}
	maxHumans := opts.MaxHumanCount
	if maxHumans <= 0 {
		maxHumans = defaultMaxHumans
	}
	if maxHumans > maxHumanLimit {
		maxHumans = maxHumanLimit
	}

	sessionID := uuid.NewString()
	now := r.now()
	var result *JoinResult
	err := r.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		code, err := uniqueRoomCode(snap)
		if err != nil {
			return err
		}

		roomType := model.RoomTypePrivate
		if opts.IsPublic {
			roomType = model.RoomTypePublicDefault
		}
		sess := &model.Session{
			SessionID:      sessionID,
			RoomCode:       code,
			RoomType:       roomType,
			IsPublic:       opts.IsPublic,
			GameDifficulty: difficulty,
			MaxHumanCount:  maxHumans,
			HostPlayerID:   playerID,
			CreatedAt:      now,
			LastActivityAt: now,
			Participants:   make(map[string]*model.Participant),
		}
		sess.Participants[playerID] = &model.Participant{
			PlayerID:      playerID,
			DisplayName:   displayName,
			IsSeated:      true,
			RemainingDice: dice.DefaultCount,
			JoinedAt:      now,
			LastSeenAt:    now,
		}
		for i := 1; i <= opts.BotCount; i++ {
			profile := opts.BotProfile
			if profile == "" {
				profile = bot.Profiles[(i-1)%len(bot.Profiles)]
			}
			botID := fmt.Sprintf("bot-%d-%s", i, sessionID[:8])
			sess.Participants[botID] = &model.Participant{
				PlayerID:      botID,
				DisplayName:   fmt.Sprintf("Bot %d", i),
				IsBot:         true,
				BotProfile:    profile,
				IsSeated:      true,
				IsReady:       true,
				RemainingDice: dice.DefaultCount,
				JoinedAt:      now.Add(time.Duration(i) * time.Millisecond),
				LastSeenAt:    now,
			}
		}
		sess.Turn()
		snap.MultiplayerSessions[sessionID] = sess
		upsertPlayer(snap, playerID, displayName, now)
		result = &JoinResult{SessionID: sessionID, RoomCode: code, Session: sessionStatePayload(sess)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.sched.Schedule()
	r.indexCode(result.RoomCode, sessionID)

	bundle, err := r.tokens.IssueBundle(playerID, sessionID)
	if err != nil {
		// Roll the room back rather than strand one nobody can auth into.
		_ = r.store.Mutate(func(snap *model.Snapshot) error {
			delete(snap.MultiplayerSessions, sessionID)
			return nil
		})
		r.dropSessionLocal(sessionID, result.RoomCode)
		return nil, fmt.Errorf("issue token bundle: %w", err)
	}
	result.Auth = bundle
	log.Info().
		Str("session_id", sessionID).
		Str("room_code", result.RoomCode).
		Str("player_id", playerID).
		Int("bots", opts.BotCount).
		Msg("Session created")
	return result, nil
}

// JoinBySessionID adds or rejoins a player as an observer. Seating is a
// separate participant-state transition.
func (r *Registry) JoinBySessionID(sessionID, playerID, displayName string) (*JoinResult, error) {
	if playerID == "" {
		return nil, withDetail(ErrInvalidAction, "playerId is required")
	}
	var result *JoinResult
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		if sess.Banned(playerID) {
			return ErrRoomBanned
		}
		now := r.now()
		p := sess.Participants[playerID]
		if p == nil {
			if sess.AvailableHumanSlots() <= 0 {
				return ErrRoomFull
			}
			p = &model.Participant{
				PlayerID:      playerID,
				DisplayName:   displayName,
				RemainingDice: dice.DefaultCount,
				JoinedAt:      now,
				LastSeenAt:    now,
			}
			sess.Participants[playerID] = p
		} else {
			if displayName != "" {
				p.DisplayName = displayName
			}
			p.LastSeenAt = now
		}
		sess.LastActivityAt = now
		r.lifecycle.MarkPostGameAction(sess, now)
		upsertPlayer(snap, playerID, displayName, now)
		result = &JoinResult{SessionID: sess.SessionID, RoomCode: sess.RoomCode, Session: sessionStatePayload(sess)}
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		return nil
	})
	if err != nil {
		return nil, err
	}
	bundle, err := r.tokens.IssueBundle(playerID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("issue token bundle: %w", err)
	}
	result.Auth = bundle
	return result, nil
}

// JoinRoomByCode resolves a room code and joins. Transient misses are
// retried: the pool sweeper may be replacing the room mid-join.
func (r *Registry) JoinRoomByCode(roomCode, playerID, displayName string) (*JoinResult, error) {
	code := strings.ToUpper(strings.TrimSpace(roomCode))
	if code == "" {
		return nil, ErrRoomNotFound
	}
	var lastErr error = ErrRoomNotFound
	for attempt := 0; attempt < joinRetryAttempts; attempt++ {
		if attempt > 0 {
			r.sleep(joinRetryDelay)
		}
		sessionID := r.resolveRoomCode(code)
		if sessionID == "" {
			lastErr = ErrRoomNotFound
			continue
		}
		result, err := r.JoinBySessionID(sessionID, playerID, displayName)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrRoomNotFound) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// RoomInfo is one public room listing.
type RoomInfo struct {
	SessionID           string    `json:"sessionId"`
	RoomCode            string    `json:"roomCode"`
	RoomType            string    `json:"roomType"`
	GameDifficulty      string    `json:"gameDifficulty"`
	MaxHumanCount       int       `json:"maxHumanCount"`
	HumanCount          int       `json:"humanCount"`
	AvailableHumanSlots int       `json:"availableHumanSlots"`
	BotCount            int       `json:"botCount"`
	GameInProgress      bool      `json:"gameInProgress"`
	CreatedAt           time.Time `json:"createdAt"`
}

func difficultyRank(d string) int {
	for i, known := range model.Difficulties {
		if d == known {
			return i
		}
	}
	return len(model.Difficulties)
}

// ListRooms returns the public rooms in a stable order: by difficulty, then
// age, then id. Private rooms are never listed.
func (r *Registry) ListRooms() []RoomInfo {
	return r.listRooms(false)
}

// ListAllRooms includes private rooms. Admin surface only.
func (r *Registry) ListAllRooms() []RoomInfo {
	return r.listRooms(true)
}

func (r *Registry) listRooms(includePrivate bool) []RoomInfo {
	var out []RoomInfo
	r.store.View(func(snap *model.Snapshot) {
		for _, sess := range snap.MultiplayerSessions {
			if !sess.IsPublic && !includePrivate {
				continue
			}
			bots := 0
			for _, p := range sess.Participants {
				if p.IsBot {
					bots++
				}
			}
			out = append(out, RoomInfo{
				SessionID:           sess.SessionID,
				RoomCode:            sess.RoomCode,
				RoomType:            sess.RoomType,
				GameDifficulty:      sess.GameDifficulty,
				MaxHumanCount:       sess.MaxHumanCount,
				HumanCount:          sess.HumanCount(),
				AvailableHumanSlots: sess.AvailableHumanSlots(),
				BotCount:            bots,
				GameInProgress:      r.lifecycle.IsGameInProgress(sess),
				CreatedAt:           sess.CreatedAt,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if a, b := difficultyRank(out[i].GameDifficulty), difficultyRank(out[j].GameDifficulty); a != b {
			return a < b
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// SessionState returns a detached wire view of one session.
func (r *Registry) SessionState(sessionID string) (map[string]any, error) {
	var data map[string]any
	r.store.View(func(snap *model.Snapshot) {
		if sess := snap.MultiplayerSessions[sessionID]; sess != nil {
			data = sessionStatePayload(sess)
		}
	})
	if data == nil {
		return nil, ErrSessionExpired
	}
	return data, nil
}

// DeleteSession force-removes a session and its registry-local state.
func (r *Registry) DeleteSession(sessionID string) error {
	code := ""
	err := r.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil {
			return ErrSessionExpired
		}
		code = sess.RoomCode
		delete(snap.MultiplayerSessions, sessionID)
		return nil
	})
	if err != nil {
		return err
	}
	r.sched.Schedule()
	r.dropSessionLocal(sessionID, code)
	log.Info().Str("session_id", sessionID).Msg("Session removed")
	return nil
}
