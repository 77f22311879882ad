package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"agvlink/config"
	"agvlink/fleet"
	"agvlink/location"
	"agvlink/messaging"
	"agvlink/protocol"
)

// LogFunc is the logging signature used by the agent.
type LogFunc func(format string, args ...any)

// Transport is the vehicle's pub/sub link.
type Transport interface {
	fleet.Link
	Connect() error
	Subscribe(topic string, handler messaging.Handler) error
	Publish(topic string, payload []byte) error
}

// Collaborators are the vehicle hardware and perception drivers.
type Collaborators struct {
	Navigator Navigator
	Detector  RegionDetector
	Locator   ObjectLocator
	Arm       Arm
	Frames    *FrameCell
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Vehicle     config.VehicleConfig
	TopicPrefix string
	Palette     location.Palette
	LogFunc     LogFunc
	Debug       bool
}

// Agent is the onboard process: it receives commands on the vehicle's
// command topic, runs them on the task machine and publishes telemetry.
type Agent struct {
	id        string
	palette   location.Palette
	transport Transport
	machine   *Machine
	publisher *Publisher
	seen      *seenSet
	reconnect time.Duration

	cmdTopic string

	logFn   LogFunc
	debugFn LogFunc

	mu       sync.Mutex
	accepted int
	rejected int
}

// NewAgent wires a task machine and telemetry publisher to the transport.
func NewAgent(cfg AgentConfig, transport Transport, c Collaborators) *Agent {
	logFn := cfg.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	debugFn := func(string, ...any) {}
	if cfg.Debug {
		debugFn = logFn
	}
	palette := cfg.Palette
	if len(palette) == 0 {
		palette = location.DefaultPalette
	}
	if c.Frames == nil {
		c.Frames = NewFrameCell()
	}
	reconnect := cfg.Vehicle.ReconnectInterval
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	a := &Agent{
		id:        cfg.Vehicle.ID,
		palette:   palette,
		transport: transport,
		seen:      newSeenSet(cfg.Vehicle.SeenCommandLimit),
		reconnect: reconnect,
		cmdTopic:  messaging.CommandTopic(cfg.TopicPrefix, cfg.Vehicle.ID),
		logFn:     logFn,
		debugFn:   debugFn,
	}
	a.publisher = NewPublisher(transport, a.id, messaging.TelemetryTopic(cfg.TopicPrefix, a.id),
		cfg.Vehicle.TelemetryInterval, c.Frames, debugFn)
	a.machine = NewMachine(MachineConfigFrom(cfg.Vehicle), c.Navigator, c.Detector, c.Locator, c.Arm, c.Frames, a)
	return a
}

// Machine exposes the task machine.
func (a *Agent) Machine() *Machine { return a.machine }

// Publisher exposes the telemetry publisher.
func (a *Agent) Publisher() *Publisher { return a.publisher }

// SignalCollision flags a collision on the active task's telemetry.
func (a *Agent) SignalCollision() {
	a.logFn("vehicle %s: collision", a.id)
	a.publisher.SignalCollision()
}

// Counts returns accepted and rejected command totals.
func (a *Agent) Counts() (accepted, rejected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepted, a.rejected
}

// Run connects and serves until ctx is done, then stops the vehicle and
// closes the transport.
func (a *Agent) Run(ctx context.Context) {
	if err := a.transport.Subscribe(a.cmdTopic, a.handleCommand); err != nil && !errors.Is(err, fleet.ErrNotConnected) {
		a.logFn("vehicle %s: subscribe %s: %v", a.id, a.cmdTopic, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.machine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.publisher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.linkLoop(ctx)
	}()
	wg.Wait()
	a.transport.Close()
	a.logFn("vehicle %s: stopped", a.id)
}

// linkLoop reconnects the transport at a fixed interval while it is down.
func (a *Agent) linkLoop(ctx context.Context) {
	up := false
	for {
		if !a.transport.IsConnected() {
			if up {
				up = false
				a.logFn("vehicle %s: link down: %s", a.id, a.transport.State().LastError)
			}
			if err := a.transport.Connect(); err != nil {
				a.debugFn("vehicle %s: connect failed: %v", a.id, err)
			} else {
				up = true
				a.logFn("vehicle %s: link up", a.id)
			}
		}
		if !fleet.Sleep(ctx, a.reconnect) {
			return
		}
	}
}

func (a *Agent) handleCommand(topic string, payload []byte) {
	var cmd protocol.TaskCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		a.reject("malformed command on %s: %v", topic, err)
		return
	}
	if err := a.Accept(cmd); err != nil {
		a.reject("command %s (work %d): %v", cmd.MsgID, cmd.WorkID, err)
	}
}

// Accept validates a command and assigns it to the task machine.
func (a *Agent) Accept(cmd protocol.TaskCommand) error {
	if cmd.VehicleID != a.id {
		return fmt.Errorf("%w: %s", ErrWrongVehicle, cmd.VehicleID)
	}
	for _, name := range []string{cmd.Start, cmd.End} {
		if !a.palette.Contains(name) {
			return fmt.Errorf("%w: %q", location.ErrInvalidLocation, name)
		}
	}
	if cmd.MsgID != "" && !a.seen.Add(cmd.MsgID) {
		return ErrDuplicateCommand
	}
	if err := a.machine.Assign(cmd); err != nil {
		return err
	}
	a.mu.Lock()
	a.accepted++
	a.mu.Unlock()
	a.logFn("vehicle %s: accepted work %d %s -> %s item %d delay %ds",
		a.id, cmd.WorkID, cmd.Start, cmd.End, cmd.ItemIndex, cmd.DelaySeconds)
	return nil
}

func (a *Agent) reject(format string, args ...any) {
	a.mu.Lock()
	a.rejected++
	a.mu.Unlock()
	a.logFn("vehicle %s: rejected "+format, append([]any{a.id}, args...)...)
}

// EventEmitter implementation

func (a *Agent) EmitTaskStarted(workID int64, start, end string, item int) {
	a.logFn("vehicle %s: work %d started %s -> %s item %d", a.id, workID, start, end, item)
	a.publisher.Begin(workID, item)
}

func (a *Agent) EmitStateChanged(workID int64, oldState, newState string) {
	a.debugFn("vehicle %s: work %d %s -> %s", a.id, workID, oldState, newState)
}

func (a *Agent) EmitManipulationFailed(workID int64, op string, err error) {
	a.logFn("vehicle %s: work %d %s failed: %v", a.id, workID, op, err)
}

func (a *Agent) EmitTaskCompleted(workID int64, gripped bool) {
	a.logFn("vehicle %s: work %d completed (gripped=%v)", a.id, workID, gripped)
	a.publisher.Finish()
}

// seenSet remembers the most recent msg_ids, evicting the oldest.
type seenSet struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = 256
	}
	return &seenSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}
