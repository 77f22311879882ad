package vehicle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"agvlink/config"
	"agvlink/fleet"
	"agvlink/protocol"
)

// Policy holds the named behaviour switches of the task machine.
type Policy struct {
	// AdvanceOnManipulationFailure moves on to the next phase when a pick
	// or place fails. When false the machine resumes driving and retries at
	// the next arrival.
	AdvanceOnManipulationFailure bool
}

// MachineConfig is the task machine's timing and geometry.
type MachineConfig struct {
	TickInterval     time.Duration
	ThresholdX       float64
	ThresholdY       float64
	PickupRetries    int
	RetryPause       time.Duration
	LocateTimeout    time.Duration
	NavigationSettle time.Duration
	PlacePosition    Position
	Policy           Policy
}

// MachineConfigFrom maps the vehicle config section.
func MachineConfigFrom(c config.VehicleConfig) MachineConfig {
	mc := MachineConfig{
		TickInterval:     c.TickInterval,
		ThresholdX:       c.ArrivalThresholdX,
		ThresholdY:       c.ArrivalThresholdY,
		PickupRetries:    c.PickupRetries,
		RetryPause:       c.PickupRetryPause,
		LocateTimeout:    c.LocateTimeout,
		NavigationSettle: c.NavigationSettle,
		Policy:           Policy{AdvanceOnManipulationFailure: c.AdvanceOnManipulationFailure},
	}
	if len(c.PlacePosition) == 3 {
		mc.PlacePosition = Position{X: c.PlacePosition[0], Y: c.PlacePosition[1], Z: c.PlacePosition[2]}
	}
	return mc
}

// Machine runs one pickup/delivery task at a time.
type Machine struct {
	cfg      MachineConfig
	nav      Navigator
	detector RegionDetector
	locator  ObjectLocator
	arm      Arm
	frames   *FrameCell
	emitter  EventEmitter

	mu      sync.Mutex
	state   string
	task    *protocol.TaskCommand
	claimed bool // an assigned task is queued or running
	gripped bool

	assign chan protocol.TaskCommand
}

// NewMachine creates an idle task machine.
func NewMachine(cfg MachineConfig, nav Navigator, detector RegionDetector, locator ObjectLocator,
	arm Arm, frames *FrameCell, emitter EventEmitter) *Machine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.PickupRetries <= 0 {
		cfg.PickupRetries = 1
	}
	if cfg.LocateTimeout <= 0 {
		cfg.LocateTimeout = 2 * time.Second
	}
	return &Machine{
		cfg:      cfg,
		nav:      nav,
		detector: detector,
		locator:  locator,
		arm:      arm,
		frames:   frames,
		emitter:  emitter,
		state:    StateIdle,
		assign:   make(chan protocol.TaskCommand, 1),
	}
}

// CurrentState returns the current task state.
func (m *Machine) CurrentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Task returns a copy of the running task, if any.
func (m *Machine) Task() (protocol.TaskCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil {
		return protocol.TaskCommand{}, false
	}
	return *m.task, true
}

// Gripped reports whether the current task holds an item.
func (m *Machine) Gripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gripped
}

// Assign hands a normalized command to the machine. It fails with
// ErrVehicleBusy unless the machine is idle with nothing queued.
func (m *Machine) Assign(cmd protocol.TaskCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed || m.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrVehicleBusy, m.state)
	}
	m.claimed = true
	m.assign <- cmd
	return nil
}

// Run executes assigned tasks until ctx is done. It blocks without polling
// while idle. On exit navigation is stopped and the arm sent to ready.
func (m *Machine) Run(ctx context.Context) error {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.assign:
			m.execute(ctx, cmd)
		}
	}
}

func (m *Machine) execute(ctx context.Context, cmd protocol.TaskCommand) {
	m.mu.Lock()
	m.task = &cmd
	m.gripped = false
	m.mu.Unlock()

	if cmd.DelaySeconds > 0 && !fleet.Sleep(ctx, time.Duration(cmd.DelaySeconds)*time.Second) {
		return
	}

	m.emitter.EmitTaskStarted(cmd.WorkID, cmd.Start, cmd.End, cmd.ItemIndex)
	if err := m.transition(StateSeekingPickup); err != nil {
		m.emitter.EmitManipulationFailed(cmd.WorkID, "start", err)
		m.mu.Lock()
		m.task = nil
		m.claimed = false
		m.mu.Unlock()
		return
	}
	if err := m.nav.Start(); err != nil {
		m.emitter.EmitManipulationFailed(cmd.WorkID, "navigate", err)
	}

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.step(ctx) {
				return
			}
		}
	}
}

// step runs one perception tick and reports whether the task completed.
func (m *Machine) step(ctx context.Context) bool {
	frame := m.frames.Load()
	if frame == nil {
		return false
	}
	m.mu.Lock()
	state, task, gripped := m.state, *m.task, m.gripped
	m.mu.Unlock()

	switch state {
	case StateSeekingPickup:
		if gripped || !m.arrived(frame, task.Start) {
			return false
		}
		m.pickup(ctx, task)
	case StateSeekingDelivery:
		if !m.arrived(frame, task.End) {
			return false
		}
		return m.deliver(task)
	}
	return false
}

// arrived requires both offsets under their thresholds.
func (m *Machine) arrived(frame *Frame, region string) bool {
	dx, dy, found := m.detector.Offset(frame, region)
	return found && math.Abs(dx) < m.cfg.ThresholdX && math.Abs(dy) < m.cfg.ThresholdY
}

func (m *Machine) pickup(ctx context.Context, task protocol.TaskCommand) {
	m.transition(StateGripping)
	m.suspendNavigation(task.WorkID)

	pos, err := m.locate(ctx, task.ItemIndex)
	if err == nil {
		if perr := m.arm.Pick(pos); perr != nil {
			err = fmt.Errorf("%w: pick: %v", ErrManipulationFailed, perr)
		} else {
			m.mu.Lock()
			m.gripped = true
			m.mu.Unlock()
		}
	}
	if err != nil {
		m.emitter.EmitManipulationFailed(task.WorkID, "pick", err)
		if !m.cfg.Policy.AdvanceOnManipulationFailure {
			m.resumeNavigation(task.WorkID)
			m.transition(StateSeekingPickup)
			return
		}
	}
	m.resumeNavigation(task.WorkID)
	m.transition(StateSeekingDelivery)
}

// locate tries the object locator up to PickupRetries times.
func (m *Machine) locate(ctx context.Context, item int) (Position, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.PickupRetries; attempt++ {
		if frame := m.frames.Load(); frame != nil {
			actx, cancel := context.WithTimeout(ctx, m.cfg.LocateTimeout)
			pos, found, err := m.locator.Locate(actx, frame, item)
			cancel()
			switch {
			case err == nil && found:
				return pos, nil
			case errors.Is(err, context.DeadlineExceeded):
				lastErr = ErrPerceptionTimeout
			case err != nil:
				lastErr = err
			}
		}
		if attempt < m.cfg.PickupRetries && !fleet.Sleep(ctx, m.cfg.RetryPause) {
			return Position{}, fmt.Errorf("%w: cancelled", ErrManipulationFailed)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("not found")
	}
	return Position{}, fmt.Errorf("%w: item %d after %d attempts: %w", ErrManipulationFailed, item, m.cfg.PickupRetries, lastErr)
}

func (m *Machine) deliver(task protocol.TaskCommand) bool {
	m.transition(StateReleasing)
	m.suspendNavigation(task.WorkID)

	if err := m.arm.Place(m.cfg.PlacePosition); err != nil {
		m.emitter.EmitManipulationFailed(task.WorkID, "place", fmt.Errorf("%w: place: %v", ErrManipulationFailed, err))
		if !m.cfg.Policy.AdvanceOnManipulationFailure {
			m.resumeNavigation(task.WorkID)
			m.transition(StateSeekingDelivery)
			return false
		}
	}

	m.transition(StateCompleted)
	m.mu.Lock()
	gripped := m.gripped
	m.mu.Unlock()
	m.emitter.EmitTaskCompleted(task.WorkID, gripped)

	m.mu.Lock()
	m.task = nil
	m.gripped = false
	m.claimed = false
	m.mu.Unlock()
	m.transition(StateIdle)
	return true
}

func (m *Machine) suspendNavigation(workID int64) {
	if err := m.nav.Stop(); err != nil {
		m.emitter.EmitManipulationFailed(workID, "navigate", err)
	}
	time.Sleep(m.cfg.NavigationSettle)
}

func (m *Machine) resumeNavigation(workID int64) {
	if err := m.nav.Start(); err != nil {
		m.emitter.EmitManipulationFailed(workID, "navigate", err)
	}
	time.Sleep(m.cfg.NavigationSettle)
}

// transition moves to next if the state graph allows it. An illegal jump
// leaves the state unchanged and returns ErrIllegalTransition.
func (m *Machine) transition(next string) error {
	m.mu.Lock()
	old := m.state
	if !CanTransition(old, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, old, next)
	}
	m.state = next
	var workID int64
	if m.task != nil {
		workID = m.task.WorkID
	}
	m.mu.Unlock()
	if old != next {
		m.emitter.EmitStateChanged(workID, old, next)
	}
	return nil
}

// shutdown leaves the vehicle safe: drive stopped, arm ready, machine idle.
func (m *Machine) shutdown() {
	m.nav.Stop()
	m.arm.Ready()
	m.mu.Lock()
	m.task = nil
	m.gripped = false
	m.claimed = false
	m.state = StateIdle
	m.mu.Unlock()
	select {
	case <-m.assign:
	default:
	}
}
