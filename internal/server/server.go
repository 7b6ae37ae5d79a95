// Package server exposes the chat service over HTTP: the WebSocket upgrade
// endpoint and a small read-only API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/evolvechat/evolvechat/internal/chat"
	"github.com/evolvechat/evolvechat/internal/config"
	"github.com/evolvechat/evolvechat/internal/hub"
	"github.com/evolvechat/evolvechat/internal/identity"
)

// New creates a configured HTTP server with all routes registered. Sessions
// spawned for upgraded connections run under ctx, which must outlive the
// server.
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config, chatServer *chat.ChatServer, h hub.Hub, resolver identity.Resolver) *http.Server {
	mux := http.NewServeMux()
	handlers := &Handlers{
		ctx:      ctx,
		logger:   logger,
		chat:     chatServer,
		hub:      h,
		resolver: resolver,
		sessionCfg: chat.SessionConfig{
			HeartbeatInterval: cfg.Chat.HeartbeatInterval,
			ClientTimeout:     cfg.Chat.ClientTimeout,
		},
		startTime: time.Now(),
	}

	mux.HandleFunc("GET /api/health", handlers.Health)
	mux.HandleFunc("GET /api/rooms", handlers.ListRooms)

	// Upgrade attempts are rate limited per client IP before any identity
	// lookup happens.
	limiter := newIPRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	mux.Handle("GET /ws/{token}", limiter.wrap(http.HandlerFunc(handlers.HandleWS)))

	handler := requestLogger(logger, corsMiddleware(mux))

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(limiter.stop)
	return srv
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Microsecond))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
