package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"agvlink/config"
	"agvlink/fleet"
	"agvlink/location"
	"agvlink/messaging"
	"agvlink/protocol"
)

type fakeNav struct {
	mu            sync.Mutex
	starts, stops int
}

func (n *fakeNav) Start() error { n.mu.Lock(); n.starts++; n.mu.Unlock(); return nil }
func (n *fakeNav) Stop() error { n.mu.Lock(); n.stops++; n.mu.Unlock(); return nil }
func (n *fakeNav) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts, n.stops
}

// offsetDetector reports a fixed offset for every region.
type offsetDetector struct {
	dx, dy float64
	found  bool
}

func (d offsetDetector) Offset(*Frame, string) (float64, float64, bool) { return d.dx, d.dy, d.found }

type fakeLocator struct {
	mu       sync.Mutex
	misses   int // attempts to fail before finding
	attempts int
	block    bool
}

func (l *fakeLocator) Locate(ctx context.Context, _ *Frame, item int) (Position, bool, error) {
	l.mu.Lock()
	l.attempts++
	n := l.attempts
	l.mu.Unlock()
	if l.block {
		<-ctx.Done()
		return Position{}, false, ctx.Err()
	}
	if n <= l.misses {
		return Position{}, false, nil
	}
	return Position{X: float64(100 + item), Y: 0, Z: 30}, true, nil
}

func (l *fakeLocator) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

type fakeArm struct {
	mu     sync.Mutex
	picks  []Position
	places []Position
	readys int
}

func (a *fakeArm) Pick(p Position) error { a.mu.Lock(); a.picks = append(a.picks, p); a.mu.Unlock(); return nil }
func (a *fakeArm) Place(p Position) error { a.mu.Lock(); a.places = append(a.places, p); a.mu.Unlock(); return nil }
func (a *fakeArm) Ready() error { a.mu.Lock(); a.readys++; a.mu.Unlock(); return nil }

type recordEmitter struct {
	mu        sync.Mutex
	started   []int64
	completed []bool
	failures  []string
	states    []string
	done      chan struct{}
}

func newRecordEmitter() *recordEmitter { return &recordEmitter{done: make(chan struct{}, 8)} }

func (e *recordEmitter) EmitTaskStarted(workID int64, _, _ string, _ int) {
	e.mu.Lock()
	e.started = append(e.started, workID)
	e.mu.Unlock()
}
func (e *recordEmitter) EmitStateChanged(_ int64, _, newState string) {
	e.mu.Lock()
	e.states = append(e.states, newState)
	e.mu.Unlock()
}
func (e *recordEmitter) EmitManipulationFailed(_ int64, op string, _ error) {
	e.mu.Lock()
	e.failures = append(e.failures, op)
	e.mu.Unlock()
}
func (e *recordEmitter) EmitTaskCompleted(_ int64, gripped bool) {
	e.mu.Lock()
	e.completed = append(e.completed, gripped)
	e.mu.Unlock()
	e.done <- struct{}{}
}

func testMachineConfig() MachineConfig {
	return MachineConfig{
		TickInterval:  5 * time.Millisecond,
		ThresholdX:    15,
		ThresholdY:    15,
		PickupRetries: 5,
		RetryPause:    time.Millisecond,
		LocateTimeout: 50 * time.Millisecond,
		PlacePosition: Position{X: 200, Y: 0, Z: 50},
		Policy:        Policy{AdvanceOnManipulationFailure: true},
	}
}

type machineRig struct {
	m       *Machine
	nav     *fakeNav
	loc     *fakeLocator
	arm     *fakeArm
	em      *recordEmitter
	cancel  context.CancelFunc
	stopped chan struct{}
}

func startMachine(t *testing.T, cfg MachineConfig, det RegionDetector, loc *fakeLocator) *machineRig {
	t.Helper()
	frames := NewFrameCell()
	frames.Store([]byte{0xff, 0xd8})
	r := &machineRig{nav: &fakeNav{}, loc: loc, arm: &fakeArm{}, em: newRecordEmitter(), stopped: make(chan struct{})}
	r.m = NewMachine(cfg, r.nav, det, loc, r.arm, frames, r.em)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		r.m.Run(ctx)
		close(r.stopped)
	}()
	t.Cleanup(r.stop)
	return r
}

func (r *machineRig) stop() {
	r.cancel()
	<-r.stopped
}

func (r *machineRig) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.em.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("task did not complete, state=%s", r.m.CurrentState())
	}
}

func testCommand(workID int64) protocol.TaskCommand {
	return protocol.TaskCommand{MsgID: "m1", WorkID: workID, VehicleID: "1", Start: "red", End: "blue", ItemIndex: 2}
}

func TestNextState(t *testing.T) {
	want := []string{StateSeekingPickup, StateGripping, StateSeekingDelivery, StateReleasing, StateCompleted, StateIdle}
	cur := StateIdle
	for _, w := range want {
		next, ok := NextState(cur)
		if !ok || next != w {
			t.Fatalf("NextState(%s) = %s, %v; want %s", cur, next, ok, w)
		}
		cur = next
	}
	if _, ok := NextState("bogus"); ok {
		t.Error("unknown state should have no successor")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateIdle, StateSeekingPickup, true},
		{StateSeekingPickup, StateGripping, true},
		{StateGripping, StateSeekingDelivery, true},
		{StateGripping, StateSeekingPickup, true},
		{StateReleasing, StateSeekingDelivery, true},
		{StateReleasing, StateCompleted, true},
		{StateCompleted, StateIdle, true},
		{StateSeekingDelivery, StateSeekingDelivery, true},
		{StateIdle, StateReleasing, false},
		{StateSeekingPickup, StateSeekingDelivery, false},
		{StateGripping, StateCompleted, false},
		{StateSeekingDelivery, StateSeekingPickup, false},
		{StateCompleted, StateSeekingPickup, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	em := newRecordEmitter()
	m := NewMachine(testMachineConfig(), &fakeNav{}, offsetDetector{}, &fakeLocator{}, &fakeArm{}, NewFrameCell(), em)

	if err := m.transition(StateReleasing); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("idle -> releasing err = %v", err)
	}
	if st := m.CurrentState(); st != StateIdle {
		t.Errorf("state = %s after rejected jump, want idle", st)
	}
	if err := m.transition(StateSeekingPickup); err != nil {
		t.Fatalf("idle -> seeking_pickup: %v", err)
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.states) != 1 || em.states[0] != StateSeekingPickup {
		t.Errorf("state changes = %v, want only seeking_pickup", em.states)
	}
}

// regionDetector reports arrival only at one region.
type regionDetector struct{ at string }

func (d regionDetector) Offset(_ *Frame, region string) (float64, float64, bool) {
	if region == d.at {
		return 0, 0, true
	}
	return 500, 0, true
}

func waitState(t *testing.T, m *Machine, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for m.CurrentState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.CurrentState(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMachineGrippedAfterPickup(t *testing.T) {
	tests := []struct {
		name   string
		misses int
		want   bool
	}{
		{"item found", 0, true},
		{"item never found", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testMachineConfig()
			cfg.PickupRetries = 2
			r := startMachine(t, cfg, regionDetector{at: "red"}, &fakeLocator{misses: tt.misses})
			if r.m.Gripped() {
				t.Fatal("gripped before any task")
			}
			r.m.Assign(testCommand(3))
			waitState(t, r.m, StateSeekingDelivery)
			if got := r.m.Gripped(); got != tt.want {
				t.Errorf("Gripped() = %v on the way to delivery, want %v", got, tt.want)
			}
		})
	}
}

func TestMachineCompletesTask(t *testing.T) {
	r := startMachine(t, testMachineConfig(), offsetDetector{dx: 3, dy: -4, found: true}, &fakeLocator{})

	if err := r.m.Assign(testCommand(7)); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	r.waitDone(t)

	r.em.mu.Lock()
	defer r.em.mu.Unlock()
	if len(r.em.started) != 1 || r.em.started[0] != 7 {
		t.Errorf("started = %v", r.em.started)
	}
	if len(r.em.completed) != 1 || !r.em.completed[0] {
		t.Errorf("completed = %v, want one gripped completion", r.em.completed)
	}
	wantStates := []string{StateSeekingPickup, StateGripping, StateSeekingDelivery, StateReleasing, StateCompleted, StateIdle}
	if len(r.em.states) != len(wantStates) {
		t.Fatalf("states = %v", r.em.states)
	}
	for i, s := range wantStates {
		if r.em.states[i] != s {
			t.Errorf("state %d = %s, want %s", i, r.em.states[i], s)
		}
	}

	r.arm.mu.Lock()
	defer r.arm.mu.Unlock()
	if len(r.arm.picks) != 1 || r.arm.picks[0].X != 102 {
		t.Errorf("picks = %v", r.arm.picks)
	}
	if len(r.arm.places) != 1 || r.arm.places[0] != (Position{X: 200, Y: 0, Z: 50}) {
		t.Errorf("places = %v", r.arm.places)
	}
	if _, ok := r.m.Task(); ok {
		t.Error("task should be cleared after completion")
	}
}

func TestMachineRejectsWhileBusy(t *testing.T) {
	// never arrives, so the first task stays in progress
	r := startMachine(t, testMachineConfig(), offsetDetector{found: false}, &fakeLocator{})

	if err := r.m.Assign(testCommand(1)); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.m.Assign(testCommand(2)); !errors.Is(err, ErrVehicleBusy) {
		t.Fatalf("second Assign err = %v, want ErrVehicleBusy", err)
	}
	time.Sleep(20 * time.Millisecond)
	if s := r.m.CurrentState(); s != StateSeekingPickup {
		t.Errorf("state = %s, want %s", s, StateSeekingPickup)
	}
	if task, ok := r.m.Task(); !ok || task.WorkID != 1 {
		t.Errorf("task = %+v, %v", task, ok)
	}
}

func TestMachineArrivalNeedsBothAxes(t *testing.T) {
	cases := []struct {
		det  offsetDetector
		want bool
	}{
		{offsetDetector{dx: 10, dy: 10, found: true}, true},
		{offsetDetector{dx: -14.9, dy: 14.9, found: true}, true},
		{offsetDetector{dx: 10, dy: 20, found: true}, false},
		{offsetDetector{dx: 15, dy: 0, found: true}, false},
		{offsetDetector{dx: 0, dy: 0, found: false}, false},
	}
	for _, tc := range cases {
		m := NewMachine(testMachineConfig(), &fakeNav{}, tc.det, &fakeLocator{}, &fakeArm{}, NewFrameCell(), newRecordEmitter())
		if got := m.arrived(&Frame{}, "red"); got != tc.want {
			t.Errorf("arrived(%+v) = %v, want %v", tc.det, got, tc.want)
		}
	}
}

func TestMachineLocateRetries(t *testing.T) {
	loc := &fakeLocator{misses: 2}
	r := startMachine(t, testMachineConfig(), offsetDetector{found: true}, loc)

	r.m.Assign(testCommand(3))
	r.waitDone(t)

	if n := loc.count(); n != 3 {
		t.Errorf("locate attempts = %d, want 3", n)
	}
	if !r.em.completed[0] {
		t.Error("expected gripped completion after retries")
	}
}

func TestMachinePickFailureAdvances(t *testing.T) {
	cfg := testMachineConfig()
	cfg.PickupRetries = 2
	loc := &fakeLocator{misses: 100}
	r := startMachine(t, cfg, offsetDetector{found: true}, loc)

	r.m.Assign(testCommand(4))
	r.waitDone(t)

	r.em.mu.Lock()
	defer r.em.mu.Unlock()
	if r.em.completed[0] {
		t.Error("completion should report gripped=false")
	}
	if r.m.Gripped() {
		t.Error("gripped set on the fail-open path")
	}
	if len(r.em.failures) != 1 || r.em.failures[0] != "pick" {
		t.Errorf("failures = %v", r.em.failures)
	}
	r.arm.mu.Lock()
	defer r.arm.mu.Unlock()
	if len(r.arm.picks) != 0 {
		t.Errorf("arm should not pick when nothing was located, got %v", r.arm.picks)
	}
	if len(r.arm.places) != 1 {
		t.Errorf("place should still run, got %d", len(r.arm.places))
	}
}

func TestMachinePickFailureRetriesWhenPolicyOff(t *testing.T) {
	cfg := testMachineConfig()
	cfg.PickupRetries = 1
	cfg.Policy.AdvanceOnManipulationFailure = false
	loc := &fakeLocator{misses: 2}
	r := startMachine(t, cfg, offsetDetector{found: true}, loc)

	r.m.Assign(testCommand(5))
	r.waitDone(t)

	r.em.mu.Lock()
	defer r.em.mu.Unlock()
	if !r.em.completed[0] {
		t.Error("expected a gripped completion once the locator succeeded")
	}
	if len(r.em.failures) != 2 {
		t.Errorf("failures = %v, want 2 pick failures", r.em.failures)
	}
	starts, _ := r.nav.counts()
	// initial start, one resume per failed pick, one resume after success
	if starts != 4 {
		t.Errorf("navigation starts = %d, want 4", starts)
	}
}

func TestMachinePerceptionTimeout(t *testing.T) {
	cfg := testMachineConfig()
	cfg.PickupRetries = 1
	cfg.LocateTimeout = 10 * time.Millisecond
	r := startMachine(t, cfg, offsetDetector{found: true}, &fakeLocator{block: true})

	r.m.Assign(testCommand(6))
	r.waitDone(t)

	r.em.mu.Lock()
	defer r.em.mu.Unlock()
	if len(r.em.failures) != 1 {
		t.Fatalf("failures = %v", r.em.failures)
	}
}

func TestMachineDelayBeforeStart(t *testing.T) {
	r := startMachine(t, testMachineConfig(), offsetDetector{found: false}, &fakeLocator{})
	cmd := testCommand(8)
	cmd.DelaySeconds = 1

	r.m.Assign(cmd)
	time.Sleep(300 * time.Millisecond)
	r.em.mu.Lock()
	early := len(r.em.started)
	r.em.mu.Unlock()
	if early != 0 {
		t.Fatal("task started before its delay elapsed")
	}
	if err := r.m.Assign(testCommand(9)); !errors.Is(err, ErrVehicleBusy) {
		t.Errorf("Assign during delay err = %v, want ErrVehicleBusy", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.m.CurrentState() == StateSeekingPickup {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s after delay", r.m.CurrentState())
}

func TestMachineShutdownLeavesVehicleSafe(t *testing.T) {
	r := startMachine(t, testMachineConfig(), offsetDetector{found: false}, &fakeLocator{})
	r.m.Assign(testCommand(10))
	time.Sleep(20 * time.Millisecond)

	r.stop()

	_, stops := r.nav.counts()
	if stops == 0 {
		t.Error("navigation was not stopped on shutdown")
	}
	r.arm.mu.Lock()
	readys := r.arm.readys
	r.arm.mu.Unlock()
	if readys != 1 {
		t.Errorf("arm ready calls = %d, want 1", readys)
	}
	if s := r.m.CurrentState(); s != StateIdle {
		t.Errorf("state = %s, want idle", s)
	}
}

func TestMachineConfigFrom(t *testing.T) {
	vc := config.Defaults().Vehicle
	mc := MachineConfigFrom(vc)
	if mc.ThresholdX != vc.ArrivalThresholdX || mc.PickupRetries != vc.PickupRetries {
		t.Errorf("unexpected mapping: %+v", mc)
	}
	if mc.PlacePosition != (Position{X: 200, Y: 0, Z: 50}) {
		t.Errorf("place position = %+v", mc.PlacePosition)
	}
	if mc.LocateTimeout != 2*time.Second {
		t.Errorf("locate timeout = %v, want 2s default", mc.LocateTimeout)
	}
	vc.LocateTimeout = 300 * time.Millisecond
	if got := MachineConfigFrom(vc).LocateTimeout; got != 300*time.Millisecond {
		t.Errorf("locate timeout = %v, want configured 300ms", got)
	}
}

// --- publisher ---

type fakeSink struct {
	mu        sync.Mutex
	connected bool
	msgs      []protocol.TelemetryEvent
	topics    []string
}

func (s *fakeSink) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSink) Publish(topic string, payload []byte) error {
	var ev protocol.TelemetryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, ev)
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) messages() []protocol.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TelemetryEvent(nil), s.msgs...)
}

func TestPublisherMarkerSequence(t *testing.T) {
	sink := &fakeSink{connected: true}
	frames := NewFrameCell()
	frames.Store([]byte("jpeg"))
	p := NewPublisher(sink, "1", "fleet/1/telemetry", time.Hour, frames, nil)

	p.tick() // inactive: nothing
	p.Begin(42, 3)
	p.SignalCollision() // queued behind started
	p.tick()
	p.tick()
	p.tick()
	p.Finish()
	p.tick()
	p.tick()
	p.tick() // quiet again

	msgs := sink.messages()
	want := []struct {
		marker   protocol.Marker
		finished int
	}{
		{protocol.MarkerStarted, 0},
		{protocol.MarkerCollision, 0},
		{protocol.MarkerNone, 0},
		{protocol.MarkerFinished, 1},
		{protocol.MarkerNone, 1},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i, w := range want {
		m := msgs[i]
		if m.Marker != w.marker || m.Finished != w.finished {
			t.Errorf("msg %d = %q/%d, want %q/%d", i, m.Marker, m.Finished, w.marker, w.finished)
		}
		if m.WorkID == nil || *m.WorkID != 42 || m.TargetIndex != 3 || m.VehicleID != "1" {
			t.Errorf("msg %d identity = %+v", i, m)
		}
		if string(m.Frame) != "jpeg" {
			t.Errorf("msg %d frame = %q", i, m.Frame)
		}
	}
	if p.Active() {
		t.Error("publisher should go quiet after the settle message")
	}
	if p.Sent() != 5 {
		t.Errorf("Sent = %d", p.Sent())
	}
}

func TestPublisherCollisionIsOneShot(t *testing.T) {
	sink := &fakeSink{connected: true}
	p := NewPublisher(sink, "2", "t", time.Hour, NewFrameCell(), nil)
	p.Begin(1, 0)
	p.tick()
	p.SignalCollision()
	p.SignalCollision()
	p.tick()
	p.tick()

	msgs := sink.messages()
	cols := 0
	for _, m := range msgs {
		if m.Marker == protocol.MarkerCollision {
			cols++
		}
	}
	if cols != 1 {
		t.Errorf("collision markers = %d, want 1", cols)
	}
	if msgs[0].Frame != nil {
		t.Error("no frame captured yet, frame should be empty")
	}
}

func TestPublisherDropsWhileDisconnected(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(sink, "1", "t", time.Hour, NewFrameCell(), nil)
	p.Begin(9, 0)
	p.tick()
	sink.mu.Lock()
	sink.connected = true
	sink.mu.Unlock()
	p.tick()

	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0].Marker != protocol.MarkerNone {
		t.Errorf("started marker should be lost with the dropped message, got %+v", msgs)
	}
}

func TestPublisherRunWakesOnBegin(t *testing.T) {
	sink := &fakeSink{connected: true}
	p := NewPublisher(sink, "1", "t", 5*time.Millisecond, NewFrameCell(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if n := len(sink.messages()); n != 0 {
		t.Fatalf("inactive publisher sent %d messages", n)
	}
	p.Begin(5, 1)
	p.Finish()

	deadline := time.Now().Add(time.Second)
	for p.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := sink.messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v, want started, finished, settle", msgs)
	}
	if msgs[1].Marker != protocol.MarkerFinished {
		t.Errorf("second marker = %q", msgs[1].Marker)
	}
}

// --- agent ---

type fakeTransport struct {
	fakeSink
	handlers map[string]messaging.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fakeSink: fakeSink{connected: true}, handlers: map[string]messaging.Handler{}}
}

func (f *fakeTransport) Connect() error { return nil }
func (f *fakeTransport) State() fleet.LinkState {
	return fleet.LinkState{Connected: f.IsConnected()}
}
func (f *fakeTransport) Close() {}
func (f *fakeTransport) Subscribe(topic string, h messaging.Handler) error {
	f.mu.Lock()
	f.handlers[topic] = h
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) deliver(topic string, v any) {
	data, _ := json.Marshal(v)
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, data)
}

func newTestAgent(tr *fakeTransport, det RegionDetector) *Agent {
	vc := config.Defaults().Vehicle
	vc.ID = "1"
	vc.TickInterval = 5 * time.Millisecond
	vc.TelemetryInterval = 5 * time.Millisecond
	vc.NavigationSettle = 0
	vc.PickupRetryPause = time.Millisecond
	vc.SeenCommandLimit = 4
	return NewAgent(AgentConfig{
		Vehicle:     vc,
		TopicPrefix: "fleet",
		Palette:     location.DefaultPalette,
		LogFunc:     func(string, ...any) {},
	}, tr, Collaborators{
		Navigator: &fakeNav{},
		Detector:  det,
		Locator:   &fakeLocator{},
		Arm:       &fakeArm{},
	})
}

func TestAgentAcceptValidation(t *testing.T) {
	a := newTestAgent(newFakeTransport(), offsetDetector{})

	cmd := testCommand(1)
	cmd.VehicleID = "2"
	if err := a.Accept(cmd); !errors.Is(err, ErrWrongVehicle) {
		t.Errorf("wrong vehicle err = %v", err)
	}
	cmd = testCommand(1)
	cmd.End = "magenta"
	if err := a.Accept(cmd); !errors.Is(err, location.ErrInvalidLocation) {
		t.Errorf("bad end err = %v", err)
	}
	if err := a.Accept(testCommand(1)); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := a.Accept(testCommand(1)); !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("replayed msg_id err = %v", err)
	}
	next := testCommand(2)
	next.MsgID = "m2"
	if err := a.Accept(next); !errors.Is(err, ErrVehicleBusy) {
		t.Errorf("busy err = %v", err)
	}
}

func TestAgentRunsCommandEndToEnd(t *testing.T) {
	tr := newFakeTransport()
	a := newTestAgent(tr, offsetDetector{found: true})
	a.Machine().frames.Store([]byte("img"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// wait for the command subscription
	deadline := time.Now().Add(time.Second)
	for {
		tr.mu.Lock()
		_, ok := tr.handlers["fleet/1/command"]
		tr.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent did not subscribe to its command topic")
		}
		time.Sleep(time.Millisecond)
	}

	tr.deliver("fleet/1/command", testCommand(77))
	tr.deliver("fleet/1/command", "garbage")

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msgs := tr.messages()
		if n := len(msgs); n > 0 && msgs[n-1].Finished == 1 && msgs[n-1].Marker == protocol.MarkerNone {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var sawStarted, sawFinished bool
	for i, m := range tr.messages() {
		if tr.topics[i] != "fleet/1/telemetry" {
			t.Errorf("telemetry on topic %s", tr.topics[i])
		}
		switch m.Marker {
		case protocol.MarkerStarted:
			sawStarted = true
		case protocol.MarkerFinished:
			sawFinished = true
		}
	}
	if !sawStarted || !sawFinished {
		t.Fatalf("lifecycle incomplete: started=%v finished=%v", sawStarted, sawFinished)
	}
	accepted, rejected := a.Counts()
	if accepted != 1 || rejected != 1 {
		t.Errorf("counts = %d accepted, %d rejected", accepted, rejected)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	if !s.Add("a") || !s.Add("b") {
		t.Fatal("fresh ids should be new")
	}
	if s.Add("a") {
		t.Error("a should still be remembered")
	}
	s.Add("c") // evicts a
	if !s.Add("a") {
		t.Error("a should have been evicted")
	}
}

func TestFrameCellLatestWins(t *testing.T) {
	c := NewFrameCell()
	if c.Load() != nil {
		t.Fatal("empty cell should load nil")
	}
	c.Store([]byte("1"))
	f := c.Store([]byte("2"))
	got := c.Load()
	if got != f || string(got.Data) != "2" || got.Seq != 2 {
		t.Errorf("Load = %+v", got)
	}
}
