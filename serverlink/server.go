package serverlink

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"agvlink/fleet"
	"agvlink/protocol"
)

// frameHeader routes an inbound frame on the server side.
type frameHeader struct {
	Type       string `json:"type"`
	ClientType string `json:"client_type"`
}

// BridgeInfo describes one connected relay.
type BridgeInfo struct {
	Remote        string    `json:"remote"`
	BridgeID      string    `json:"bridge_id"`
	Identified    bool      `json:"identified"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type serverClient struct {
	conn    net.Conn
	writeMu sync.Mutex
	info    BridgeInfo
}

// Server is the reference central server: it accepts relay connections,
// keeps the latest status per vehicle, and broadcasts commands.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	clients  map[*serverClient]bool
	vehicles map[string]protocol.StatusSummary
	closed   bool

	wg sync.WaitGroup

	// OnStatus, if set, is called for every status frame received.
	OnStatus func(protocol.StatusSummary)
}

// Listen opens the server socket. Call Serve to start accepting.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		ln:       ln,
		clients:  make(map[*serverClient]bool),
		vehicles: make(map[string]protocol.StatusSummary),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until Close, one goroutine per client.
func (s *Server) Serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("server: accept: %v", err)
			continue
		}
		c := &serverClient{conn: nc, info: BridgeInfo{Remote: nc.RemoteAddr().String(), ConnectedAt: time.Now()}}
		s.mu.Lock()
		s.clients[c] = true
		s.mu.Unlock()
		log.Printf("server: client connected from %s", c.info.Remote)

		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c *serverClient) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.conn.Close()
		log.Printf("server: client %s disconnected", c.info.Remote)
	}()

	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 64*1024), maxFrame)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var hdr frameHeader
		if err := json.Unmarshal(line, &hdr); err != nil {
			log.Printf("server: bad frame from %s: %v", c.info.Remote, err)
			continue
		}
		switch {
		case hdr.ClientType != "":
			s.mu.Lock()
			c.info.Identified = hdr.ClientType == protocol.ClientTypeBridge
			s.mu.Unlock()
			log.Printf("server: %s identified as %s", c.info.Remote, hdr.ClientType)
		case hdr.Type == protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			if err := json.Unmarshal(line, &hb); err != nil {
				continue
			}
			s.mu.Lock()
			c.info.BridgeID = hb.BridgeID
			c.info.LastHeartbeat = time.Now()
			s.mu.Unlock()
		case hdr.Type == protocol.TypeStatus:
			var st protocol.StatusSummary
			if err := json.Unmarshal(line, &st); err != nil || st.VehicleID == "" {
				log.Printf("server: bad status from %s", c.info.Remote)
				continue
			}
			s.mu.Lock()
			s.vehicles[st.VehicleID] = st
			if st.BridgeID != "" {
				c.info.BridgeID = st.BridgeID
			}
			fn := s.OnStatus
			s.mu.Unlock()
			if fn != nil {
				fn(st)
			}
		default:
			log.Printf("server: unknown frame type %q from %s", hdr.Type, c.info.Remote)
		}
	}
}

// Send writes v as one frame to every identified relay and returns how many
// received it.
func (s *Server) Send(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')

	s.mu.Lock()
	targets := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		if c.info.Identified {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return 0, fleet.ErrNotConnected
	}
	sent := 0
	for _, c := range targets {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err := c.conn.Write(data)
		c.writeMu.Unlock()
		if err != nil {
			log.Printf("server: send to %s: %v", c.info.Remote, err)
			c.conn.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

// Vehicles returns the latest status per vehicle, ordered by vehicle ID.
func (s *Server) Vehicles() []protocol.StatusSummary {
	s.mu.Lock()
	ids := make([]string, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	fleet.SortIDs(ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.StatusSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.vehicles[id])
	}
	return out
}

// Bridges returns a snapshot of connected relays.
func (s *Server) Bridges() []BridgeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BridgeInfo, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c.info)
	}
	return out
}

// Close stops accepting, drops every client and waits for handlers to exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.ln.Close()
	s.wg.Wait()
}
