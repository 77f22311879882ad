package fleet

import (
	"sort"
	"strconv"
	"sync"
)

// Roster is the set of vehicle IDs the relay knows about. It starts from
// configuration and grows when commands name new vehicles.
type Roster struct {
	mu  sync.RWMutex
	ids map[string]bool
}

// NewRoster creates a roster seeded with ids.
func NewRoster(ids ...string) *Roster {
	r := &Roster{ids: make(map[string]bool)}
	for _, id := range ids {
		r.Add(id)
	}
	return r
}

// Add inserts id and reports whether it was new.
func (r *Roster) Add(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids[id] {
		return false
	}
	r.ids[id] = true
	return true
}

// Has reports whether id is on the roster.
func (r *Roster) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids[id]
}

// List returns the IDs in numeric order where possible, then lexical.
func (r *Roster) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.RUnlock()
	SortIDs(out)
	return out
}

// Len returns the number of vehicles on the roster.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// SortIDs orders vehicle IDs so "2" sorts before "10".
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}
