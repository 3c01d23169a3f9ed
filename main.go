package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"teleprompter/internal/app/httpapi"
	"teleprompter/internal/app/rooms"
	"teleprompter/internal/config"
	"teleprompter/internal/logging"
	"teleprompter/pkg/presence"
	"teleprompter/pkg/signaling"
	"teleprompter/pkg/webrtc/ice"
	broker "teleprompter/pkg/webrtc/signaling"
)

func main() {
	loadEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger, err := logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceMode, iceServers := ice.Resolve(cfg.ICE)
	stores, closeStores := setupStores(ctx, cfg)
	defer closeStores()

	relayHub := signaling.NewHub(signaling.HubOptions{
		Fanout: stores.fanout,
		Rooms:  stores.rooms,
		Logger: &logger,
	})
	go func() {
		if err := relayHub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay fanout stopped")
		}
	}()

	peerHub := broker.NewHub(stores.presence, broker.HubOptions{
		ICEServers: iceServers,
		ICEMode:    iceMode,
		Logger:     &logger,
	})

	handler := httpapi.NewRouter(httpapi.Deps{
		Relay:  relayHub.HTTPHandler(),
		Broker: peerHub.HTTPHandler(),
		Rooms:  stores.rooms,
		Settings: httpapi.Settings{
			ICEMode:      iceMode,
			ICEServers:   iceServers,
			PublicWSURL:  cfg.HTTP.PublicWSURL,
			PublicOrigin: cfg.HTTP.PublicOrigin,
			AllowOrigins: cfg.HTTP.AllowOrigins,
		},
		StaticDir: cfg.HTTP.StaticDir,
		Logger:    &logger,
	})

	srv := setupServer(cfg, handler)
	logConfig(cfg, iceMode, len(iceServers), stores.backend)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}
}

type stores struct {
	backend  string
	presence presence.Store
	rooms    rooms.Store
	fanout   signaling.Fanout
}

// setupStores uses Redis when configured so several server instances share
// peer ids, rooms and relay traffic; otherwise everything stays in memory.
func setupStores(ctx context.Context, cfg *config.Config) (stores, func()) {
	if cfg.Redis.Addr == "" {
		return stores{
			backend:  "memory",
			presence: presence.NewMemoryStore(),
			rooms:    rooms.NewMemoryStore(),
		}, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("redis_addr", cfg.Redis.Addr).Msg("redis ping failed")
	}

	store := presence.NewRedisStore(rdb, cfg.Redis.Prefix)
	if err := store.Reset(pingCtx); err != nil {
		log.Warn().Err(err).Msg("redis reset presence")
	}

	return stores{
		backend:  "redis",
		presence: store,
		rooms:    rooms.NewRedisStore(rdb, cfg.Redis.Prefix),
		fanout:   signaling.NewRedisFanout(rdb, cfg.Redis.Prefix),
	}, func() { _ = rdb.Close() }
}

func setupServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
}

func loadEnv() {
	paths := []string{
		".env",
		filepath.Join("backend", ".env"),
		"../.env",
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", p).Msg("could not load .env file")
		}
	}
}

func logConfig(cfg *config.Config, iceMode string, iceServers int, backend string) {
	turnConfigured := len(cfg.ICE.TURNURLs) > 0 && cfg.ICE.TURNUsername != ""

	log.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("static_dir", cfg.HTTP.StaticDir).
		Str("store_backend", backend).
		Str("redis_addr", cfg.Redis.Addr).
		Str("ice_mode", iceMode).
		Int("ice_servers", iceServers).
		Bool("turn_configured", turnConfigured).
		Msg("starting teleprompter server")
}
