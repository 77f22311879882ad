// Package engine is the bridge relay between the central server socket and
// the fleet's pub/sub transport.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"agvlink/config"
	"agvlink/fleet"
	"agvlink/location"
	"agvlink/messaging"
	"agvlink/registry"
	"agvlink/store"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...any)

// SessionMirror receives every session snapshot after a telemetry event.
type SessionMirror interface {
	Store(ctx context.Context, s registry.Session) error
}

// Engine owns the relay's loops, the work session registry and the wiring
// between transports, persistence and observers.
type Engine struct {
	cfg     *config.Config
	palette location.Palette

	upstream Upstream
	pubsub   PubSub
	registry *registry.Registry
	roster   *fleet.Roster
	eventLog *store.EventLog
	images   *store.ImageStore
	mirror   SessionMirror
	mirrorCh chan registry.Session
	dropped  atomic.Int64

	logFn   LogFunc
	debugFn LogFunc

	workSeq   atomic.Int64
	heartbeat *Heartbeater

	Events *EventBus

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig *config.Config
	Upstream  Upstream
	PubSub    PubSub
	EventLog  *store.EventLog
	Images    *store.ImageStore
	Mirror    SessionMirror
	LogFunc   LogFunc
	Debug     bool
}

// New creates a new Engine. Call Start to wire handlers and run the loops.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...any) {}
	}
	debugFn := LogFunc(func(string, ...any) {})
	if c.Debug {
		debugFn = logFn
	}
	e := &Engine{
		cfg:      c.AppConfig,
		palette:  c.AppConfig.PaletteList(),
		upstream: c.Upstream,
		pubsub:   c.PubSub,
		registry: registry.New(),
		roster:   fleet.NewRoster(c.AppConfig.Fleet.Vehicles...),
		eventLog: c.EventLog,
		images:   c.Images,
		mirror:   c.Mirror,
		logFn:    logFn,
		debugFn:  debugFn,
		Events:   NewEventBus(),
	}
	if e.mirror != nil {
		e.mirrorCh = make(chan registry.Session, mirrorQueueDepth)
	}
	e.workSeq.Store(time.Now().UnixMilli())
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start wires the event chain, registers telemetry subscriptions for the
// roster, and launches the per-transport control loops.
func (e *Engine) Start() {
	e.wireEventHandlers()

	for _, id := range e.roster.List() {
		e.subscribeTelemetry(id)
	}

	e.heartbeat = NewHeartbeater(e.upstream, e.cfg.BridgeID, e.cfg.Relay.HeartbeatInterval, e.debugFn)
	e.heartbeat.Start()

	e.wg.Add(2)
	go e.upstreamLoop()
	go e.pubsubLoop()
	if e.cfg.Relay.SummaryInterval > 0 {
		e.wg.Add(1)
		go e.summaryLoop()
	}
	if e.mirrorCh != nil {
		e.wg.Add(1)
		go e.mirrorLoop()
	}

	e.logFn("relay: started bridge=%s vehicles=%v", e.cfg.BridgeID, e.roster.List())
}

// Stop cancels the loops, closes both transports and waits for the loops to
// exit. Safe to call more than once.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	if e.heartbeat != nil {
		e.heartbeat.Stop()
	}
	e.upstream.Close()
	e.pubsub.Close()
	e.wg.Wait()
	e.logFn("relay: stopped")
}

// ApplyFleet adds vehicles from a reloaded config to the roster. Vehicles
// are never removed at runtime.
func (e *Engine) ApplyFleet(ids []string) {
	for _, id := range ids {
		if e.roster.Add(id) {
			e.subscribeTelemetry(id)
			e.Events.Emit(Event{Type: EventVehicleDiscovered, Payload: VehicleEvent{VehicleID: id}})
		}
	}
}

func (e *Engine) subscribeTelemetry(vehicleID string) {
	topic := messaging.TelemetryTopic(e.cfg.Messaging.TopicPrefix, vehicleID)
	err := e.pubsub.Subscribe(topic, e.HandleTelemetry)
	if err != nil && !errors.Is(err, fleet.ErrNotConnected) {
		e.logFn("relay: subscribe %s: %v", topic, err)
	}
}

func (e *Engine) nextWorkID() int64 {
	return e.workSeq.Add(1)
}

// Registry returns the work session registry (read-only for callers).
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Roster returns the known vehicle IDs.
func (e *Engine) Roster() *fleet.Roster { return e.roster }

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }

// EventLog returns the work log, or nil when persistence is off.
func (e *Engine) EventLog() *store.EventLog { return e.eventLog }

// UpstreamState reports the server link.
func (e *Engine) UpstreamState() fleet.LinkState { return e.upstream.State() }

// PubSubState reports the pub/sub link.
func (e *Engine) PubSubState() fleet.LinkState { return e.pubsub.State() }
