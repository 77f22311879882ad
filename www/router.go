// Package www serves the relay's HTTP surface: a JSON status API, an
// admin-only command injection endpoint, and live event streams over SSE
// and WebSocket.
package www

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agvlink/engine"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	sessions *adminSessions
	eventHub *EventHub
	wsHub    *Hub
}

// NewRouter builds the HTTP handler and starts the stream hubs. The returned
// func detaches from the engine and closes every stream.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	h := &Handlers{
		engine:   eng,
		sessions: newAdminSessions(eng.AppConfig().Web.SessionSecret),
		eventHub: NewEventHub(),
		wsHub:    NewHub(),
	}
	h.wsHub.Start()
	subID := h.setupEngineListeners(eng)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})

	r.Get("/events", h.eventHub.HandleSSE)
	r.Handle("/ws", h.wsHub.Handler())
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Route("/api", func(r chi.Router) {
		// streams above are long-lived; plain API calls are not
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/health", h.apiHealth)
		r.Get("/vehicles", h.apiListVehicles)
		r.Get("/vehicles/{id}", h.apiGetVehicle)
		r.Get("/events/log", h.apiEventLog)
		r.With(h.requireAdmin).Post("/commands", h.apiSendCommand)
	})

	return r, func() {
		eng.Events.Unsubscribe(subID)
		h.eventHub.Stop()
		h.wsHub.Stop()
	}
}
