package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agvlink/config"
	"agvlink/fleet"
	"agvlink/messaging"
	"agvlink/protocol"
	"agvlink/store"
)

// --- upstream ---

type fakeUpstream struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	sent       []any
	cmds       chan *protocol.InboundCommand
	drop       chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{cmds: make(chan *protocol.InboundCommand, 8), drop: make(chan struct{}, 1)}
}

func (u *fakeUpstream) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connects++
	if u.connectErr != nil {
		return u.connectErr
	}
	u.connected = true
	return nil
}

func (u *fakeUpstream) ReceiveCommand() (*protocol.InboundCommand, error) {
	if !u.IsConnected() {
		return nil, fleet.ErrNotConnected
	}
	select {
	case c := <-u.cmds:
		return c, nil
	case <-u.drop:
		u.mu.Lock()
		u.connected = false
		u.mu.Unlock()
		return nil, fleet.ErrDisconnected
	case <-time.After(10 * time.Millisecond):
		return nil, fleet.ErrTimeout
	}
}

func (u *fakeUpstream) SendStatus(v any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected {
		return fleet.ErrNotConnected
	}
	u.sent = append(u.sent, v)
	return nil
}

func (u *fakeUpstream) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *fakeUpstream) State() fleet.LinkState {
	return fleet.LinkState{Connected: u.IsConnected()}
}

func (u *fakeUpstream) Close() {
	u.mu.Lock()
	u.connected = false
	u.mu.Unlock()
}

func (u *fakeUpstream) setConnectErr(err error) {
	u.mu.Lock()
	u.connectErr = err
	u.mu.Unlock()
}

func (u *fakeUpstream) connectCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connects
}

func (u *fakeUpstream) statuses() []*protocol.StatusSummary {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*protocol.StatusSummary
	for _, v := range u.sent {
		if s, ok := v.(*protocol.StatusSummary); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- in-memory broker ---

// memBroker routes publishes to every connected client subscribed to the
// exact topic. Delivery is synchronous.
type memBroker struct {
	mu      sync.Mutex
	clients []*memClient
}

func (b *memBroker) client() *memClient {
	c := &memClient{broker: b, connected: true, handlers: map[string]messaging.Handler{}}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *memBroker) route(topic string, payload []byte) {
	b.mu.Lock()
	clients := append([]*memClient(nil), b.clients...)
	b.mu.Unlock()
	for _, c := range clients {
		if h := c.handler(topic); h != nil {
			h(topic, payload)
		}
	}
}

type published struct {
	topic   string
	payload []byte
}

type memClient struct {
	broker *memBroker

	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	handlers   map[string]messaging.Handler
	published  []published
}

func (c *memClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *memClient) Subscribe(topic string, h messaging.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
	if !c.connected {
		return fleet.ErrNotConnected
	}
	return nil
}

func (c *memClient) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fleet.ErrNotConnected
	}
	c.published = append(c.published, published{topic, append([]byte(nil), payload...)})
	c.mu.Unlock()
	if c.broker != nil {
		c.broker.route(topic, payload)
	}
	return nil
}

func (c *memClient) handler(topic string) messaging.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.handlers[topic]
}

func (c *memClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *memClient) State() fleet.LinkState {
	return fleet.LinkState{Connected: c.IsConnected()}
}

func (c *memClient) Close() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *memClient) setConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
}

func (c *memClient) setConnectErr(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

func (c *memClient) publishedOn(prefix string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.published {
		if strings.HasPrefix(p.topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (c *memClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// --- helpers ---

var errRefused = errors.New("connection refused")

type testRig struct {
	eng      *Engine
	up       *fakeUpstream
	ps       *memClient
	broker   *memBroker
	log      *store.EventLog
	logPath  string
	imageDir string
	lines    *logLines
}

type logLines struct {
	mu    sync.Mutex
	lines []string
}

func (l *logLines) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logLines) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func testAppConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Relay.ReconnectInterval = 20 * time.Millisecond
	cfg.Relay.HeartbeatInterval = 20 * time.Millisecond
	cfg.Relay.SummaryInterval = 0
	return cfg
}

func newTestRig(t *testing.T, cfg *config.Config) *testRig {
	t.Helper()
	dir := t.TempDir()
	cfg.Storage.EventLogPath = dir + "/work.jsonl"
	cfg.Storage.ImageDir = dir + "/images"

	el, err := store.OpenEventLog(cfg.Storage.EventLogPath)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { el.Close() })
	images, err := store.NewImageStore(cfg.Storage.ImageDir)
	if err != nil {
		t.Fatalf("image store: %v", err)
	}

	r := &testRig{up: newFakeUpstream(), broker: &memBroker{}, log: el,
		logPath: cfg.Storage.EventLogPath, imageDir: cfg.Storage.ImageDir, lines: &logLines{}}
	r.ps = r.broker.client()
	r.eng = New(Config{
		AppConfig: cfg,
		Upstream:  r.up,
		PubSub:    r.ps,
		EventLog:  el,
		Images:    images,
		LogFunc:   r.lines.logf,
	})
	return r
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func int64p(v int64) *int64 { return &v }
