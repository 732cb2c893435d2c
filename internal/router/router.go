package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"classwatch-backend/internal/handlers"
	"classwatch-backend/internal/middleware"
	"classwatch-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	presenceHandler *handlers.PresenceHandler,
	wsHub *websocket.Hub,
	wsLimiter *middleware.UpgradeLimiter,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Presence Routes (staff) ────
		r.Route("/presence", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/", presenceHandler.List)
			r.Get("/{id}", presenceHandler.Get)
		})

		// ──── Device Artifact Routes (staff) ────
		r.Route("/devices", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/{deviceID}/screen", presenceHandler.Screen)
		})

		// ──── WebSocket ────
		r.Group(func(r chi.Router) {
			r.Use(wsLimiter.Middleware)
			r.Get("/ws", wsHub.HandleWebSocket)
		})
	})

	return r
}
