package engine

import (
	"context"
	"time"

	"agvlink/protocol"
	"agvlink/store"
)

const (
	mirrorQueueDepth   = 64
	mirrorWriteTimeout = 500 * time.Millisecond
)

// wireEventHandlers sets up the telemetry fan-out:
// TelemetryReceived -> frame store, upstream status, session mirror
// WorkStarted/Collision/WorkFinished -> work log
func (e *Engine) wireEventHandlers() {
	e.Events.SubscribeTypes(func(evt Event) {
		t := evt.Payload.(TelemetryReceivedEvent)
		e.saveFrame(t)
		e.forwardStatus(t)
		e.mirrorSession(t)
	}, EventTelemetryReceived)

	e.Events.SubscribeTypes(func(evt Event) {
		e.appendWorkLog(evt.Payload.(SessionEvent))
	}, EventWorkStarted, EventCollision, EventWorkFinished)
}

func (e *Engine) saveFrame(t TelemetryReceivedEvent) {
	if e.images == nil || !e.cfg.Storage.SaveImages || len(t.Telemetry.Frame) == 0 {
		return
	}
	ev := t.Telemetry
	path, err := e.images.Save(ev.VehicleID, ev.Marker.Label(), ev.WorkID, t.Transition.At, ev.Frame)
	if err != nil {
		e.logFn("relay: save frame for vehicle %s: %v", ev.VehicleID, err)
		return
	}
	e.debugFn("relay: saved frame %s", path)
}

func (e *Engine) forwardStatus(t TelemetryReceivedEvent) {
	if !e.upstream.IsConnected() {
		return
	}
	s := t.Transition.Session
	summary := protocol.Summarize(e.cfg.BridgeID, t.Telemetry, string(s.Status), s.CollisionCount)
	if err := e.upstream.SendStatus(summary); err != nil {
		e.debugFn("relay: forward status for vehicle %s: %v", t.Telemetry.VehicleID, err)
	}
}

// mirrorSession queues the snapshot for mirrorLoop. It never blocks the
// telemetry callback; a full queue drops the snapshot.
func (e *Engine) mirrorSession(t TelemetryReceivedEvent) {
	if e.mirrorCh == nil {
		return
	}
	select {
	case e.mirrorCh <- t.Transition.Session:
	default:
		n := e.dropped.Add(1)
		e.debugFn("relay: mirror queue full, dropped session %s (%d dropped)", t.Telemetry.VehicleID, n)
	}
}

func (e *Engine) mirrorLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case s := <-e.mirrorCh:
			ctx, cancel := context.WithTimeout(e.ctx, mirrorWriteTimeout)
			if err := e.mirror.Store(ctx, s); err != nil {
				e.debugFn("relay: mirror session %s: %v", s.VehicleID, err)
			}
			cancel()
		}
	}
}

// MirrorDropped reports how many session snapshots were discarded because
// the mirror fell behind.
func (e *Engine) MirrorDropped() int64 {
	return e.dropped.Load()
}

func (e *Engine) appendWorkLog(s SessionEvent) {
	if e.eventLog == nil {
		return
	}
	entry := store.Entry{
		VehicleID:   s.VehicleID,
		Event:       s.Event,
		Timestamp:   s.At,
		WorkID:      s.Session.WorkID,
		TargetIndex: s.TargetIndex,
	}
	if err := e.eventLog.Append(entry); err != nil {
		e.logFn("relay: work log append: %v", err)
	}
}
