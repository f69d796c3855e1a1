package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/conduct"
	"github.com/chaosdice/server/internal/config"
	"github.com/chaosdice/server/internal/filter"
	"github.com/chaosdice/server/internal/handler"
	"github.com/chaosdice/server/internal/logger"
	"github.com/chaosdice/server/internal/middleware"
	"github.com/chaosdice/server/internal/service"
	"github.com/chaosdice/server/internal/store"
)

// rehydrateCooldown suppresses repeated snapshot reloads triggered close
// together (e.g. a burst of admin-forced refreshes).
const rehydrateCooldown = 5 * time.Second

func main() {
	logger.Init()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Config invalid")
	}
	log.Info().
		Str("backend", cfg.StoreBackend).
		Str("adminMode", cfg.AdminAccessMode).
		Str("identityMode", cfg.IdentityMode).
		Str("speedProfile", cfg.SpeedProfile).
		Msg("Config loaded")

	// Store adapter
	adapter, closeAdapter, err := buildAdapter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Store adapter setup failed")
	}
	defer closeAdapter()

	snap, err := adapter.Load(context.Background())
	if err != nil {
		log.Fatal().Err(err).Str("adapter", adapter.Name()).Msg("Snapshot load failed")
	}
	st := store.New(snap)
	syncCtl := store.NewSyncController(st, adapter, rehydrateCooldown)

	// Auth
	tokens := auth.NewTokenManager(st, syncCtl, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	var identity auth.IdentityVerifier
	if cfg.IdentityMode == config.IdentityModeJWT {
		identity = auth.NewJWTIdentity(cfg.IdentityJWTSecret)
	}

	// Filter pipeline and conduct engine
	engine := conduct.NewEngine(conduct.Options{
		AutoBanStrikes: 2 * conduct.DefaultStrikeLimit,
	}, cfg.ChatBannedTerms...)
	filters := filter.NewRegistry()
	registered := []filter.Filter{
		conduct.SenderRestrictionFilter(),
		conduct.InteractionFilter(),
	}
	if cfg.ChatConductEnabled {
		registered = append(registered, conduct.MuteFilter(engine), conduct.ConductFilter(engine))
	}
	for _, f := range registered {
		if err := filters.Register(f); err != nil {
			log.Fatal().Err(err).Str("filter", f.ID).Msg("Filter registration failed")
		}
	}

	// Realtime hub, registry, and the services around it
	hub := handler.NewHub()
	registry := service.NewRegistry(st, syncCtl, tokens, cfg, hub)
	bots := service.NewBotRunner(registry)
	registry.SetBotScheduler(bots)
	sink := service.NewSnapshotLeaderboardSink(st, syncCtl)
	registry.SetLeaderboardSink(sink)
	relay := service.NewRelay(registry, filters)
	players := service.NewPlayerService(st, syncCtl)
	admin := service.NewAdminService(st, syncCtl, registry, engine)
	admin.SetConnectionCounter(hub)
	admin.SetRehydrator(syncCtl)

	// A rehydrate swaps the whole snapshot out from under the registry, so
	// its indexes, timers, and the conduct term set must be rebuilt against
	// the new state. Recovery can reopen turn deadlines, so ask for a
	// follow-up persist.
	syncCtl.AfterRehydrate = func(string) bool {
		registry.RebuildIndexes()
		registry.RecoverActiveSessions()
		admin.ReloadTerms(cfg.ChatBannedTerms...)
		return true
	}

	syncCtl.Start()
	registry.RebuildIndexes()
	registry.EnsurePublicPool()
	registry.RecoverActiveSessions()
	admin.ReloadTerms(cfg.ChatBannedTerms...)

	// Handlers
	mp := handler.NewMultiplayerHandler(registry, players, identity)
	authHandler := handler.NewAuthHandler(tokens)
	playerHandler := handler.NewPlayerHandler(players)
	leaderboard := handler.NewLeaderboardHandler(players, sink)
	logs := handler.NewLogsHandler(players)
	adminHandler := handler.NewAdminHandler(admin, registry)
	wsHandler := handler.NewWSHandler(hub, registry, relay, tokens)

	authMw := auth.Middleware(tokens)
	guard := auth.NewAdminGuard(cfg.AdminAccessMode, cfg.AdminToken, st, tokens)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Public: session entry points authenticate by identity claim, not by
	// session token (the caller has no token yet).
	mux.HandleFunc("POST /api/multiplayer/sessions", mp.CreateSession)
	mux.HandleFunc("GET /api/multiplayer/rooms", mp.ListRooms)
	mux.HandleFunc("POST /api/multiplayer/rooms/{code}/join", mp.JoinByCode)
	mux.HandleFunc("POST /api/multiplayer/sessions/{id}/join", mp.JoinSession)
	mux.HandleFunc("POST /api/multiplayer/sessions/{id}/auth/refresh", mp.RefreshSessionAuth)

	// Session routes that require a live access token.
	mux.Handle("GET /api/multiplayer/sessions/{id}", authMw(http.HandlerFunc(mp.GetSession)))
	mux.Handle("POST /api/multiplayer/sessions/{id}/heartbeat", authMw(http.HandlerFunc(mp.Heartbeat)))
	mux.Handle("POST /api/multiplayer/sessions/{id}/participant-state", authMw(http.HandlerFunc(mp.ParticipantState)))
	mux.Handle("POST /api/multiplayer/sessions/{id}/moderate", authMw(http.HandlerFunc(mp.Moderate)))
	mux.Handle("POST /api/multiplayer/sessions/{id}/queue-next", authMw(http.HandlerFunc(mp.QueueNext)))
	mux.Handle("POST /api/multiplayer/sessions/{id}/leave", authMw(http.HandlerFunc(mp.Leave)))

	// WebSocket: auth happens after the upgrade, inside the handler.
	mux.HandleFunc("GET /api/multiplayer/ws", wsHandler.ServeWS)

	mux.HandleFunc("GET /api/auth/me", authHandler.Me)
	mux.HandleFunc("POST /api/auth/token/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", authHandler.Logout)

	mux.HandleFunc("GET /api/players/{id}", playerHandler.GetProfile)
	mux.Handle("PUT /api/players/{id}", authMw(http.HandlerFunc(playerHandler.PutProfile)))
	mux.HandleFunc("GET /api/players/{id}/scores", playerHandler.GetScores)

	mux.HandleFunc("GET /api/leaderboard/global", leaderboard.Global)
	mux.Handle("POST /api/leaderboard/scores", authMw(http.HandlerFunc(leaderboard.Submit)))

	mux.HandleFunc("POST /api/logs/batch", logs.Batch)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /api/admin/overview", adminHandler.Overview)
	adminMux.HandleFunc("GET /api/admin/rooms", adminHandler.Rooms)
	adminMux.HandleFunc("GET /api/admin/sessions/{id}/conduct", adminHandler.SessionConduct)
	adminMux.HandleFunc("GET /api/admin/players/{id}/conduct", adminHandler.PlayerConduct)
	adminMux.HandleFunc("GET /api/admin/audit", adminHandler.AuditLog)
	adminMux.HandleFunc("GET /api/admin/terms", adminHandler.Terms)
	adminMux.HandleFunc("POST /api/admin/terms", adminHandler.UpsertTerm)
	adminMux.HandleFunc("DELETE /api/admin/terms/{id}", adminHandler.RemoveTerm)
	adminMux.HandleFunc("POST /api/admin/conduct/clear", adminHandler.ClearConduct)
	adminMux.HandleFunc("POST /api/admin/rehydrate", adminHandler.Rehydrate)
	adminMux.HandleFunc("POST /api/admin/sessions/{id}/expire", adminHandler.ExpireSession)
	adminMux.HandleFunc("DELETE /api/admin/sessions/{id}/participants/{playerId}", adminHandler.RemoveParticipant)
	adminMux.HandleFunc("PUT /api/admin/roles/{playerId}", adminHandler.UpsertRole)
	adminMux.HandleFunc("DELETE /api/admin/roles/{playerId}", adminHandler.RemoveRole)
	mux.Handle("/api/admin/", guard.Middleware(adminMux))

	mux.Handle("GET /metrics", promhttp.Handler())

	root := middleware.Chain(mux, middleware.Recover, middleware.Logger, middleware.CORS("*"), middleware.JSON)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go registry.RunSweeper(sweepCtx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	cancelSweep()
	bots.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if err := syncCtl.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Final snapshot save failed")
	}
	log.Info().Msg("Server stopped")
}

// buildAdapter selects the persistence backend from config. The returned
// close func releases whatever connection the adapter holds.
func buildAdapter(cfg *config.Config) (store.Adapter, func(), error) {
	if cfg.StoreBackend == config.StoreBackendFile {
		return store.NewFileAdapter(cfg.StoreFilePath), func() {}, nil
	}
	switch cfg.RemoteDriver {
	case config.RemoteDriverPostgres:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		adapter, err := store.NewPgAdapter(context.Background(), db, cfg.StorePrefix)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return adapter, func() { db.Close() }, nil
	default:
		client, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisAdapter(client, cfg.StorePrefix), func() { client.Close() }, nil
	}
}
