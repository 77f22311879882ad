package www

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agvlink/engine"
	"agvlink/fleet"
	"agvlink/location"
	"agvlink/protocol"
	"agvlink/registry"
	"agvlink/store"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	BridgeID  string                  `json:"bridge_id"`
	Upstream  fleet.LinkState         `json:"upstream"`
	PubSub    fleet.LinkState         `json:"pubsub"`
	Vehicles  int                     `json:"vehicles"`
	Sessions  map[registry.Status]int `json:"sessions"`
	SSE       int                     `json:"sse_clients"`
	WebSocket int                     `json:"ws_clients"`
}

func (h *Handlers) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		BridgeID:  h.engine.AppConfig().BridgeID,
		Upstream:  h.engine.UpstreamState(),
		PubSub:    h.engine.PubSubState(),
		Vehicles:  h.engine.Roster().Len(),
		Sessions:  h.engine.Registry().Counts(),
		SSE:       h.eventHub.Clients(),
		WebSocket: h.wsHub.Clients(),
	})
}

// vehicles merges the roster with the registry. Roster vehicles that have
// not reported yet show as idle.
func (h *Handlers) vehicles() []registry.Session {
	reg := h.engine.Registry()
	seen := make(map[string]bool)
	var ids []string
	for _, id := range h.engine.Roster().List() {
		seen[id] = true
		ids = append(ids, id)
	}
	for _, s := range reg.List() {
		if !seen[s.VehicleID] {
			ids = append(ids, s.VehicleID)
		}
	}
	fleet.SortIDs(ids)

	out := make([]registry.Session, 0, len(ids))
	for _, id := range ids {
		s, ok := reg.Get(id)
		if !ok {
			s = registry.Session{VehicleID: id, Status: registry.StatusIdle}
		}
		out = append(out, s)
	}
	return out
}

func (h *Handlers) apiListVehicles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.vehicles())
}

func (h *Handlers) apiGetVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s, ok := h.engine.Registry().Get(id); ok {
		writeJSON(w, s)
		return
	}
	if h.engine.Roster().Has(id) {
		writeJSON(w, registry.Session{VehicleID: id, Status: registry.StatusIdle})
		return
	}
	writeError(w, http.StatusNotFound, "unknown vehicle "+id)
}

func (h *Handlers) apiEventLog(w http.ResponseWriter, r *http.Request) {
	el := h.engine.EventLog()
	if el == nil {
		writeError(w, http.StatusServiceUnavailable, "event log disabled")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	entries, err := el.Tail(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, entries)
}

// apiSendCommand injects a command as if the central server had sent it.
// The body uses the server wire format.
func (h *Handlers) apiSendCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := protocol.DecodeCommand(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := h.engine.HandleCommand(in)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, cmd)
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrVehicleBusy):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, location.ErrInvalidLocation), errors.Is(err, engine.ErrCommandExpired):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
