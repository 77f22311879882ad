// Package registry tracks one work session per vehicle from the telemetry
// stream. It is owned by the relay's telemetry path and safe for
// concurrent readers.
package registry

import (
	"sync"
	"time"

	"agvlink/fleet"
	"agvlink/protocol"
)

// Status is a session lifecycle status.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusFinished Status = "finished"
)

// Event names written to the work log.
const (
	EventWorkStart    = "work_start"
	EventCollision    = "collision"
	EventWorkComplete = "work_complete"
	EventIdle         = "idle"
)

// Session is the registry entry for one vehicle.
type Session struct {
	VehicleID      string     `json:"vehicle_id"`
	WorkID         *int64     `json:"work_id"`
	Status         Status     `json:"status"`
	CollisionCount int        `json:"collision_count"`
	TargetIndex    int        `json:"manipulation_target_index"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
}

func (s *Session) clone() Session {
	out := *s
	if s.WorkID != nil {
		id := *s.WorkID
		out.WorkID = &id
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Transition describes what one telemetry event did to a session.
type Transition struct {
	VehicleID string
	Marker    protocol.Marker
	// Event is the log event name, or EventIdle for a settle tick, or empty
	// when the session status did not move.
	Event string
	// Logged is true for marker transitions that belong in the work log.
	Logged bool
	// Duplicate is true when a repeated started/finished was ignored.
	Duplicate bool
	Previous  Status
	Session   Session
	At        time.Time
}

// Registry is the set of per-vehicle sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// Apply folds one telemetry event into the vehicle's session.
//
//	started  -> working, collisions reset (ignored if already working the same work_id)
//	col      -> collisions + 1
//	finished -> finished (ignored if already finished for the same work_id)
//	none     -> idle, but only when finished (the settle tick)
func (r *Registry) Apply(ev *protocol.TelemetryEvent) Transition {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[ev.VehicleID]
	if !ok {
		s = &Session{VehicleID: ev.VehicleID, Status: StatusIdle}
		r.sessions[ev.VehicleID] = s
	}
	tr := Transition{VehicleID: ev.VehicleID, Marker: ev.Marker, Previous: s.Status, At: now}
	s.LastSeenAt = now

	switch ev.Marker {
	case protocol.MarkerStarted:
		if s.Status == StatusWorking && sameWork(s.WorkID, ev.WorkID) {
			tr.Duplicate = true
			break
		}
		s.Status = StatusWorking
		s.WorkID = copyID(ev.WorkID)
		s.CollisionCount = 0
		s.TargetIndex = ev.TargetIndex
		started := now
		s.StartedAt = &started
		s.FinishedAt = nil
		tr.Event, tr.Logged = EventWorkStart, true
	case protocol.MarkerCollision:
		s.CollisionCount++
		tr.Event, tr.Logged = EventCollision, true
	case protocol.MarkerFinished:
		if s.Status == StatusFinished && sameWork(s.WorkID, ev.WorkID) {
			tr.Duplicate = true
			break
		}
		s.Status = StatusFinished
		if ev.WorkID != nil {
			s.WorkID = copyID(ev.WorkID)
		}
		finished := now
		s.FinishedAt = &finished
		tr.Event, tr.Logged = EventWorkComplete, true
	case protocol.MarkerNone:
		if s.Status == StatusFinished {
			s.Status = StatusIdle
			s.WorkID = nil
			s.StartedAt = nil
			s.FinishedAt = nil
			tr.Event = EventIdle
		}
	}
	tr.Session = s.clone()
	return tr
}

func sameWork(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Get returns a copy of one vehicle's session.
func (r *Registry) Get(vehicleID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[vehicleID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Status returns a vehicle's status, idle when unknown.
func (r *Registry) Status(vehicleID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[vehicleID]; ok {
		return s.Status
	}
	return StatusIdle
}

// List returns copies of all sessions ordered by vehicle ID.
func (r *Registry) List() []Session {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	fleet.SortIDs(ids)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sessions[id].clone())
	}
	return out
}

// Counts tallies sessions by status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Status]int{StatusIdle: 0, StatusWorking: 0, StatusFinished: 0}
	for _, s := range r.sessions {
		out[s.Status]++
	}
	return out
}
