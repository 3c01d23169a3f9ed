package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/internal/app/rooms"
	"teleprompter/internal/discovery"
	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
)

const (
	lookupTimeout = 3 * time.Second
	minQRSize     = 64
	maxQRSize     = 1024
)

// Settings is what clients need to reach the relay and the peer broker.
type Settings struct {
	ICEMode    string
	ICEServers []protocol.ICEServer
	// PublicWSURL overrides the relay URL derived from the request host.
	PublicWSURL string
	// PublicOrigin overrides the discovery origin derived from the request host.
	PublicOrigin string
	AllowOrigins []string
}

// Deps are the handlers and stores the router serves.
type Deps struct {
	Relay     http.Handler
	Broker    http.Handler
	Rooms     rooms.Store
	Settings  Settings
	StaticDir string
	Logger    *zerolog.Logger
}

// NewRouter wires every HTTP route of the server.
func NewRouter(d Deps) http.Handler {
	logger := log.Logger
	if d.Logger != nil {
		logger = *d.Logger
	}
	logger = logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	})

	// WebSocket endpoints stay outside the request timeout.
	r.Handle("/relay", d.Relay)
	r.Handle("/peer", d.Broker)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(10 * time.Second))
		api.Get("/settings", SettingsHandler(d.Settings, logger).ServeHTTP)
		api.Route("/rooms/{code}", func(rt chi.Router) {
			rt.Get("/", RoomLookupHandler(d.Rooms, d.Settings, logger).ServeHTTP)
			rt.Get("/qr.png", QRHandler(d.Settings, logger).ServeHTTP)
		})
	})

	r.Get("/debug/ice", DebugICEHandler(d.Settings, logger).ServeHTTP)
	r.Handle("/*", SPAHandler(d.StaticDir))

	c := cors.New(cors.Options{
		AllowedOrigins: allowOrigins(d.Settings.AllowOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

func allowOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// RequestLogger logs one line per request at a level matching its status.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			ev := logger.Debug()
			switch status := ww.Status(); {
			case status >= 500:
				ev = logger.Error()
			case status >= 400:
				ev = logger.Warn()
			}
			ev.Str("req_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Msg("http request")
		})
	}
}

// SPAHandler serves files from staticDir and falls back to index.html, which
// also receives the discovery links (/?remote=CODE).
func SPAHandler(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(staticDir, "index.html")
		http.ServeFile(w, r, index)
	})
}

func DebugICEHandler(settings Settings, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		}
		writeJSON(w, http.StatusOK, payload, logger)
	})
}

func SettingsHandler(settings Settings, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"relayURL":   resolveWSURL(settings, r),
			"brokerURL":  wsURL(r, "/peer"),
			"origin":     resolveOrigin(settings, r),
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
		}
		writeJSON(w, http.StatusOK, payload, logger)
	})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}
	return wsURL(r, "/relay")
}

func wsURL(r *http.Request, path string) string {
	proto := "ws"
	if isTLS(r) {
		proto = "wss"
	}
	return fmt.Sprintf("%s://%s%s", proto, host(r), path)
}

func resolveOrigin(settings Settings, r *http.Request) string {
	if settings.PublicOrigin != "" {
		return strings.TrimRight(settings.PublicOrigin, "/")
	}
	proto := "http"
	if isTLS(r) {
		proto = "https"
	}
	return fmt.Sprintf("%s://%s", proto, host(r))
}

func isTLS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func host(r *http.Request) string {
	if r.Host == "" {
		return "localhost:8080"
	}
	return r.Host
}

// RoomLookupHandler reports whether a host is live in a room, so a remote can
// show "room not found" instead of waiting for the connect timeout.
func RoomLookupHandler(store rooms.Store, settings Settings, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := roomcode.Normalize(chi.URLParam(r, "code"))
		if err != nil {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		room, err := store.Get(ctx, code)
		if err != nil {
			if errors.Is(err, rooms.ErrNotFound) {
				http.Error(w, "room not found", http.StatusNotFound)
				return
			}
			logger.Error().Err(err).Str("room_code", code).Msg("room lookup")
			http.Error(w, "failed to lookup room", http.StatusInternalServerError)
			return
		}

		payload := map[string]interface{}{
			"code":     room.Code,
			"hosts":    room.Hosts,
			"openedAt": room.OpenedAt,
			"url":      roomcode.DiscoveryURL(resolveOrigin(settings, r), room.Code),
		}
		writeJSON(w, http.StatusOK, payload, logger)
	})
}

// QRHandler renders the discovery URL of a room as a PNG. ?size= sets the edge
// in pixels.
func QRHandler(settings Settings, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := roomcode.Normalize(chi.URLParam(r, "code"))
		if err != nil {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		size := discovery.DefaultQRSize
		if v := r.URL.Query().Get("size"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < minQRSize || n > maxQRSize {
				http.Error(w, "invalid size", http.StatusBadRequest)
				return
			}
			size = n
		}

		png, err := discovery.QRCode(roomcode.DiscoveryURL(resolveOrigin(settings, r), code), size)
		if err != nil {
			logger.Error().Err(err).Str("room_code", code).Msg("render qr")
			http.Error(w, "failed to render qr", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}
