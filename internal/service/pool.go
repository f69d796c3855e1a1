package service

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/model"
)

// EnsurePublicPool keeps the lobby stocked: at least one default public room
// per difficulty, and an overflow room whenever every public room for a
// difficulty is full. Runs at boot and from every sweeper pass.
func (r *Registry) EnsurePublicPool() {
	type need struct {
		difficulty string
		overflow   bool
	}
	var needs []need
	r.store.View(func(snap *model.Snapshot) {
		for _, difficulty := range model.Difficulties {
			var defaults, joinable int
			for _, sess := range snap.MultiplayerSessions {
				if !sess.IsPublic || sess.GameDifficulty != difficulty {
					continue
				}
				if sess.RoomType == model.RoomTypePublicDefault {
					defaults++
				}
				if sess.AvailableHumanSlots() > 0 {
					joinable++
				}
			}
			switch {
			case defaults == 0:
				needs = append(needs, need{difficulty: difficulty})
			case joinable == 0:
				needs = append(needs, need{difficulty: difficulty, overflow: true})
			}
		}
	})
	for _, n := range needs {
		roomType := model.RoomTypePublicDefault
		if n.overflow {
			roomType = model.RoomTypePublicOverflow
		}
		if err := r.spawnPublicRoom(n.difficulty, roomType); err != nil {
			log.Error().Err(err).
				Str("difficulty", n.difficulty).
				Str("room_type", roomType).
				Msg("Public pool seeding failed")
		}
	}
}

// spawnPublicRoom creates one hostless pool room.
func (r *Registry) spawnPublicRoom(difficulty, roomType string) error {
	sessionID := uuid.NewString()
	now := r.now()
	var code string
	err := r.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		var err error
		code, err = uniqueRoomCode(snap)
		if err != nil {
			return err
		}
		sess := &model.Session{
			SessionID:      sessionID,
			RoomCode:       code,
			RoomType:       roomType,
			IsPublic:       true,
			GameDifficulty: difficulty,
			MaxHumanCount:  defaultMaxHumans,
			CreatedAt:      now,
			LastActivityAt: now,
			Participants:   make(map[string]*model.Participant),
		}
		sess.Turn()
		snap.MultiplayerSessions[sessionID] = sess
		return nil
	})
	if err != nil {
		return err
	}
	r.sched.Schedule()
	r.indexCode(code, sessionID)
	log.Info().
		Str("session_id", sessionID).
		Str("room_code", code).
		Str("difficulty", difficulty).
		Str("room_type", roomType).
		Msg("Seeded public room")
	return nil
}
