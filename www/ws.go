package www

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient is one dashboard connection. A nil types set means every event.
type wsClient struct {
	conn  *websocket.Conn
	types map[string]bool
}

func (c *wsClient) wants(typ string) bool {
	return c.types == nil || c.types[typ]
}

type wsFrame struct {
	typ  string
	data []byte
}

// Hub fans stream events out to WebSocket clients. Clients may narrow the
// feed with ?types=telemetry,link-status. All client bookkeeping happens on
// the single run loop.
type Hub struct {
	clients    map[*websocket.Conn]*wsClient
	register   chan *wsClient
	unregister chan *websocket.Conn
	broadcast  chan wsFrame
	count      chan chan int
	upgrader   websocket.Upgrader

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*wsClient),
		register:   make(chan *wsClient, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan wsFrame, 256),
		count:      make(chan chan int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

func (h *Hub) Start() {
	go h.run()
}

// Stop closes every client and ends the loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.stopCh:
		return 0
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	delete(h.clients, conn)
	conn.Close()
}

// write sends one frame to every client matching typ. Pings go to all.
func (h *Hub) write(typ string, kind int, data []byte, timeout time.Duration) {
	for conn, c := range h.clients {
		if kind == websocket.TextMessage && !c.wants(typ) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := conn.WriteMessage(kind, data); err != nil {
			h.drop(conn)
		}
	}
}

func (h *Hub) run() {
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-h.stopCh:
			for conn := range h.clients {
				h.drop(conn)
			}
			return
		case c := <-h.register:
			h.clients[c.conn] = c
		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				h.drop(conn)
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case f := <-h.broadcast:
			h.write(f.typ, websocket.TextMessage, f.data, 3*time.Second)
		case <-ping.C:
			h.write("", websocket.PingMessage, nil, 2*time.Second)
		}
	}
}

// parseTypes reads the ?types= filter. Empty means no filter.
func parseTypes(r *http.Request) map[string]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Handler upgrades requests and registers the connection. Clients only
// receive; anything they send is discarded.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		types := parseTypes(r)
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case h.register <- &wsClient{conn: conn, types: types}:
		case <-h.stopCh:
			conn.Close()
			return
		}

		go func() {
			defer func() {
				select {
				case h.unregister <- conn:
				case <-h.stopCh:
				}
			}()
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// Broadcast queues evt for matching clients. Dropped if the queue is full.
func (h *Hub) Broadcast(evt StreamEvent) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsFrame{typ: evt.Type, data: b}:
	default:
	}
}
