package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// replayDepth is how many recent events a reconnecting SSE client can catch
// up on through Last-Event-ID.
const replayDepth = 128

// StreamEvent is the typed envelope sent to SSE and WebSocket clients.
type StreamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// sequenced is a StreamEvent with its encoded payload and stream position.
type sequenced struct {
	id   uint64
	typ  string
	data []byte
}

type sseClient struct {
	events chan sequenced
}

// EventHub fans relay events out to SSE clients. Every event gets a
// monotonically increasing id; the last replayDepth events are kept so a
// browser that reconnects with Last-Event-ID misses nothing still buffered.
type EventHub struct {
	mu      sync.Mutex
	seq     uint64
	history []sequenced
	clients map[*sseClient]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[*sseClient]struct{}),
		stop:    make(chan struct{}),
	}
}

// Stop ends every open stream. Broadcasts after Stop are still recorded.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast records evt and hands it to every client without blocking.
// A client whose buffer is full loses the event.
func (h *EventHub) Broadcast(evt StreamEvent) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e := sequenced{id: h.seq, typ: evt.Type, data: data}
	h.history = append(h.history, e)
	if len(h.history) > replayDepth {
		h.history = h.history[len(h.history)-replayDepth:]
	}
	for c := range h.clients {
		select {
		case c.events <- e:
		default:
		}
	}
}

func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// attach registers c and returns the buffered events after lastID. Both
// happen under one lock so nothing falls between replay and live delivery.
func (h *EventHub) attach(c *sseClient, lastID uint64, resume bool) []sequenced {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if !resume {
		return nil
	}
	var missed []sequenced
	for _, e := range h.history {
		if e.id > lastID {
			missed = append(missed, e)
		}
	}
	return missed
}

func (h *EventHub) detach(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func writeEvent(w http.ResponseWriter, e sequenced) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.id, e.typ, e.data)
}

// HandleSSE serves GET /events.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	resume := err == nil

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{events: make(chan sequenced, 64)}
	missed := h.attach(client, lastID, resume)
	defer h.detach(client)

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	for _, e := range missed {
		writeEvent(w, e)
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stop:
			return
		case e := <-client.events:
			writeEvent(w, e)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
