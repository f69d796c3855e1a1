// Package metrics exposes Prometheus instrumentation for the game server.
// All series are registered at init via promauto and kept at low
// cardinality: labels are closed enums (room type, section, code), never
// session or player IDs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chaosdice_sessions_active",
		Help: "Number of live game sessions in the registry by room type.",
	}, []string{"room_type"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chaosdice_ws_connections",
		Help: "Number of open WebSocket subscriber connections.",
	})

	framesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosdice_frames_relayed_total",
		Help: "Realtime frames delivered to subscribers by frame type.",
	}, []string{"type"})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chaosdice_frames_dropped_total",
		Help: "Frames dropped because a subscriber send buffer was full.",
	})

	filterBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosdice_filter_blocks_total",
		Help: "Inbound frames blocked by the filter pipeline by block code.",
	}, []string{"code"})

	persistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosdice_persist_total",
		Help: "Persistence flushes by outcome (ok or error).",
	}, []string{"outcome"})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chaosdice_persist_duration_seconds",
		Help:    "Wall time of a single snapshot persist.",
		Buckets: prometheus.DefBuckets,
	})

	rehydrateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosdice_rehydrate_total",
		Help: "Snapshot rehydrations by outcome (ok, error, or skipped).",
	}, []string{"outcome"})

	turnTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chaosdice_turn_timeouts_total",
		Help: "Turns auto-completed by the timeout engine.",
	})

	botTurns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chaosdice_bot_turns_total",
		Help: "Turns played by the bot engine.",
	})
)

// SetSessionsActive records the current session count for a room type.
func SetSessionsActive(roomType string, n int) {
	sessionsActive.WithLabelValues(roomType).Set(float64(n))
}

// ConnOpened increments the open WebSocket connection gauge.
func ConnOpened() { wsConnections.Inc() }

// ConnClosed decrements the open WebSocket connection gauge.
func ConnClosed() { wsConnections.Dec() }

// FrameRelayed counts one delivered frame of the given type.
func FrameRelayed(frameType string) {
	framesRelayed.WithLabelValues(frameType).Inc()
}

// FrameDropped counts a frame lost to a saturated subscriber buffer.
func FrameDropped() { framesDropped.Inc() }

// FilterBlocked counts an inbound frame rejected with a block code.
func FilterBlocked(code string) {
	filterBlocks.WithLabelValues(code).Inc()
}

// PersistObserved records one persist attempt and its duration.
func PersistObserved(err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	persistTotal.WithLabelValues(outcome).Inc()
	persistDuration.Observe(elapsed.Seconds())
}

// RehydrateObserved records one rehydrate attempt.
func RehydrateObserved(outcome string) {
	rehydrateTotal.WithLabelValues(outcome).Inc()
}

// TurnTimedOut counts a turn ended by the timeout engine.
func TurnTimedOut() { turnTimeouts.Inc() }

// BotTurnPlayed counts a bot-driven turn.
func BotTurnPlayed() { botTurns.Inc() }
