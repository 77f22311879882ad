// Package serverlink is the relay's socket link to the central fleet server:
// newline-delimited JSON frames over TCP.
package serverlink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"agvlink/config"
	"agvlink/fleet"
	"agvlink/protocol"
)

// maxFrame bounds a single inbound line.
const maxFrame = 1 << 20

// Conn is the Command Channel. It never reconnects on its own: any I/O fault
// marks it disconnected and the owner decides when to call Connect again.
type Conn struct {
	addr           string
	connectTimeout time.Duration
	receiveTimeout time.Duration
	writeTimeout   time.Duration

	mu      sync.Mutex // guards conn, reader, state
	conn    net.Conn
	reader  *bufio.Reader
	pending []byte // partial line carried across receive timeouts
	state   fleet.LinkState

	writeMu sync.Mutex

	DebugLog func(format string, args ...any)
}

// New creates an unconnected Conn from the server section of the config.
func New(cfg config.ServerConfig) *Conn {
	return &Conn{
		addr:           cfg.Address,
		connectTimeout: cfg.ConnectTimeout,
		receiveTimeout: cfg.ReceiveTimeout,
		writeTimeout:   cfg.WriteTimeout,
	}
}

func (c *Conn) debug(format string, args ...any) {
	if fn := c.DebugLog; fn != nil {
		fn(format, args...)
	}
}

// Connect dials the server with the connect timeout and sends the
// identification frame. Any existing socket is closed first.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.connectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.markDown(err)
		return fmt.Errorf("connect %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = nc
	c.reader = bufio.NewReaderSize(nc, 64*1024)
	c.pending = nil
	c.state = fleet.LinkState{Connected: true, Since: time.Now()}
	c.mu.Unlock()

	if err := c.SendIdentification(); err != nil {
		return err
	}
	log.Printf("serverlink: connected to %s", c.addr)
	return nil
}

// SendIdentification sends the one-shot {"client_type":"bridge"} frame.
func (c *Conn) SendIdentification() error {
	return c.send(&protocol.Identification{ClientType: protocol.ClientTypeBridge})
}

// SendStatus sends a status-summary or heartbeat frame.
func (c *Conn) SendStatus(v any) error {
	return c.send(v)
}

func (c *Conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	nc := c.conn
	connected := c.state.Connected
	c.mu.Unlock()
	if nc == nil || !connected {
		return fleet.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := nc.Write(data); err != nil {
		c.markDown(err)
		return fmt.Errorf("%w: %v", fleet.ErrDisconnected, err)
	}
	return nil
}

// ReceiveCommand blocks up to the receive timeout for the next valid
// command. Malformed frames are logged and skipped. It returns
// fleet.ErrTimeout when nothing arrived in time and fleet.ErrDisconnected
// when the peer closed the socket or the read failed.
func (c *Conn) ReceiveCommand() (*protocol.InboundCommand, error) {
	c.mu.Lock()
	nc, rd := c.conn, c.reader
	connected := c.state.Connected
	c.mu.Unlock()
	if nc == nil || !connected {
		return nil, fleet.ErrNotConnected
	}

	if c.receiveTimeout > 0 {
		nc.SetReadDeadline(time.Now().Add(c.receiveTimeout))
	}
	for {
		line, err := c.readLine(rd)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fleet.ErrTimeout
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("peer closed connection")
			}
			c.markDown(err)
			return nil, fmt.Errorf("%w: %v", fleet.ErrDisconnected, err)
		}
		if len(line) == 0 {
			continue
		}
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			log.Printf("serverlink: dropping frame: %v", err)
			continue
		}
		c.debug("serverlink: command for vehicle %s (v%d)", cmd.VehicleID, cmd.Version)
		return cmd, nil
	}
}

// readLine returns one newline-terminated frame without the terminator.
// Bytes read before a timeout are kept for the next call.
func (c *Conn) readLine(rd *bufio.Reader) ([]byte, error) {
	chunk, err := rd.ReadBytes('\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, chunk...)
	if len(c.pending) > maxFrame {
		c.pending = nil
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrame)
	}
	if err != nil {
		return nil, err
	}
	line := trimEOL(c.pending)
	out := make([]byte, len(line))
	copy(out, line)
	c.pending = c.pending[:0]
	return out, nil
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func (c *Conn) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	was := c.state.Connected
	c.state = fleet.LinkState{Connected: false, Since: time.Now()}
	if err != nil {
		c.state.LastError = err.Error()
	}
	if was {
		log.Printf("serverlink: disconnected from %s: %v", c.addr, err)
	}
}

// IsConnected reports the last known link state.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Connected
}

// State returns a copy of the link state.
func (c *Conn) State() fleet.LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close shuts the socket. A blocked ReceiveCommand returns ErrDisconnected.
func (c *Conn) Close() {
	c.markDown(errors.New("closed"))
}
