package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"agvlink/fleet"
	"agvlink/messaging"
	"agvlink/protocol"
	"agvlink/registry"
)

var (
	// ErrVehicleBusy rejects a command for a vehicle whose session is working.
	ErrVehicleBusy = errors.New("vehicle busy")

	// ErrCommandExpired rejects a command older than the configured TTL.
	ErrCommandExpired = errors.New("command expired")
)

// HandleCommand normalizes a server command and publishes it to the named
// vehicle. Any failure drops the command: nothing is queued or retried.
func (e *Engine) HandleCommand(in *protocol.InboundCommand) (*protocol.TaskCommand, error) {
	cmd, err := e.forward(in)
	if err != nil {
		e.logFn("relay: dropped command for vehicle %s: %v", in.VehicleID, err)
		e.Events.Emit(Event{Type: EventCommandDropped, Payload: CommandDroppedEvent{VehicleID: in.VehicleID, Reason: err.Error()}})
		return nil, err
	}
	e.logFn("relay: command work=%d -> vehicle %s (%s -> %s, item %d)", cmd.WorkID, cmd.VehicleID, cmd.Start, cmd.End, cmd.ItemIndex)
	e.Events.Emit(Event{Type: EventCommandForwarded, Payload: CommandForwardedEvent{Command: *cmd}})
	return cmd, nil
}

func (e *Engine) forward(in *protocol.InboundCommand) (*protocol.TaskCommand, error) {
	if protocol.IsExpired(in.IssuedAt, e.cfg.Relay.CommandTTL, time.Now()) {
		return nil, fmt.Errorf("%w: issued %s", ErrCommandExpired, in.IssuedAt.Format(time.RFC3339))
	}
	start, err := e.palette.Normalize(in.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := e.palette.Normalize(in.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if e.registry.Status(in.VehicleID) == registry.StatusWorking {
		return nil, ErrVehicleBusy
	}
	if !e.pubsub.IsConnected() {
		return nil, fmt.Errorf("pubsub: %w", fleet.ErrNotConnected)
	}

	// Subscribe before publishing so the first telemetry is not missed.
	if e.roster.Add(in.VehicleID) {
		e.subscribeTelemetry(in.VehicleID)
		e.Events.Emit(Event{Type: EventVehicleDiscovered, Payload: VehicleEvent{VehicleID: in.VehicleID}})
	}

	cmd := &protocol.TaskCommand{
		MsgID:        uuid.NewString(),
		VehicleID:    in.VehicleID,
		Start:        start,
		End:          end,
		ItemIndex:    in.ItemIndex,
		DelaySeconds: in.DelaySeconds,
		IssuedAt:     in.IssuedAt,
	}
	if in.WorkID != nil {
		cmd.WorkID = *in.WorkID
	} else {
		cmd.WorkID = e.nextWorkID()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	topic := messaging.CommandTopic(e.cfg.Messaging.TopicPrefix, in.VehicleID)
	if err := e.pubsub.Publish(topic, data); err != nil {
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}
	return cmd, nil
}

// HandleTelemetry is the pub/sub handler for every vehicle's telemetry
// topic. The topic names the vehicle; a disagreeing payload is overridden.
func (e *Engine) HandleTelemetry(topic string, payload []byte) {
	ev, err := protocol.DecodeTelemetry(payload)
	if err != nil {
		e.logFn("relay: dropping telemetry on %s: %v", topic, err)
		return
	}
	if id, kind, err := messaging.ParseTopic(e.cfg.Messaging.TopicPrefix, topic); err == nil && kind == messaging.KindTelemetry {
		if ev.VehicleID != id {
			if ev.VehicleID != "" {
				e.debugFn("relay: telemetry on %s claims vehicle %s", topic, ev.VehicleID)
			}
			ev.VehicleID = id
		}
	}
	if ev.VehicleID == "" {
		e.logFn("relay: dropping telemetry on %s: no vehicle id", topic)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	tr := e.registry.Apply(ev)
	if tr.Duplicate {
		e.debugFn("relay: vehicle %s repeated %s marker, ignored", ev.VehicleID, ev.Marker)
	}
	e.Events.Emit(Event{Type: EventTelemetryReceived, Payload: TelemetryReceivedEvent{Telemetry: ev, Transition: tr}})

	var typ EventType
	switch tr.Event {
	case registry.EventWorkStart:
		typ = EventWorkStarted
	case registry.EventCollision:
		typ = EventCollision
	case registry.EventWorkComplete:
		typ = EventWorkFinished
	case registry.EventIdle:
		typ = EventVehicleIdle
	default:
		return
	}
	e.Events.Emit(Event{Type: typ, Payload: SessionEvent{
		VehicleID: ev.VehicleID, Event: tr.Event, Session: tr.Session, TargetIndex: ev.TargetIndex, At: tr.At,
	}})
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
