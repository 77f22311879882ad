package vehicle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"agvlink/protocol"
)

// TelemetrySink is the publishing half of the vehicle transport.
type TelemetrySink interface {
	IsConnected() bool
	Publish(topic string, payload []byte) error
}

// Publisher emits periodic telemetry while a task is active. Each lifecycle
// marker is carried by exactly one message: started first, then any pending
// collision, then finished. After finished it sends one settle message
// without a marker and goes quiet until the next task.
type Publisher struct {
	sink      TelemetrySink
	vehicleID string
	topic     string
	interval  time.Duration
	frames    *FrameCell
	debugFn   func(string, ...any)

	mu           sync.Mutex
	active       bool
	workID       int64
	target       int
	startedSent  bool
	collision    bool
	finished     bool
	finishedSent bool
	sent         int

	wake chan struct{}
}

// NewPublisher creates an inactive publisher.
func NewPublisher(sink TelemetrySink, vehicleID, topic string, interval time.Duration, frames *FrameCell, debugFn func(string, ...any)) *Publisher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if debugFn == nil {
		debugFn = func(string, ...any) {}
	}
	return &Publisher{
		sink:      sink,
		vehicleID: vehicleID,
		topic:     topic,
		interval:  interval,
		frames:    frames,
		debugFn:   debugFn,
		wake:      make(chan struct{}, 1),
	}
}

// Begin activates publishing for a task. Any unfinished previous task's
// markers are discarded.
func (p *Publisher) Begin(workID int64, item int) {
	p.mu.Lock()
	p.active = true
	p.workID = workID
	p.target = item
	p.startedSent = false
	p.collision = false
	p.finished = false
	p.finishedSent = false
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SignalCollision marks the next message with the collision marker. The
// signal is consumed by that one message.
func (p *Publisher) SignalCollision() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && !p.finished {
		p.collision = true
	}
}

// Finish marks the task complete.
func (p *Publisher) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.finished = true
	}
}

// Active reports whether messages are being emitted.
func (p *Publisher) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Sent returns the number of messages handed to the sink.
func (p *Publisher) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Run publishes until ctx is done. While inactive it waits on Begin rather
// than polling.
func (p *Publisher) Run(ctx context.Context) {
	for {
		if !p.Active() {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		p.tick()
		ticker := time.NewTicker(p.interval)
		for p.Active() {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				p.tick()
			}
		}
		ticker.Stop()
	}
}

// next builds the message for this tick and advances the marker state.
func (p *Publisher) next() (*protocol.TelemetryEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, false
	}
	workID := p.workID
	ev := &protocol.TelemetryEvent{
		VehicleID:   p.vehicleID,
		WorkID:      &workID,
		TargetIndex: p.target,
		Timestamp:   time.Now().UTC(),
	}
	switch {
	case !p.startedSent:
		ev.Marker = protocol.MarkerStarted
		p.startedSent = true
	case p.collision:
		ev.Marker = protocol.MarkerCollision
		p.collision = false
	case p.finished && !p.finishedSent:
		ev.Marker = protocol.MarkerFinished
		p.finishedSent = true
	case p.finishedSent:
		p.active = false
	}
	if p.finished {
		ev.Finished = 1
	}
	return ev, true
}

func (p *Publisher) tick() {
	ev, ok := p.next()
	if !ok {
		return
	}
	if f := p.frames.Load(); f != nil {
		ev.Frame = f.Data
	}
	if !p.sink.IsConnected() {
		p.debugFn("telemetry: link down, dropped %s message for work %d", ev.Marker.Label(), *ev.WorkID)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.debugFn("telemetry: marshal: %v", err)
		return
	}
	if err := p.sink.Publish(p.topic, data); err != nil {
		p.debugFn("telemetry: publish: %v", err)
		return
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}
