package engine

import (
	"time"

	"agvlink/protocol"
	"agvlink/registry"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Link events
	EventUpstreamConnected EventType = iota + 1
	EventUpstreamDisconnected
	EventPubSubConnected
	EventPubSubDisconnected

	// Command events
	EventCommandForwarded
	EventCommandDropped

	// Telemetry events
	EventTelemetryReceived
	EventVehicleDiscovered

	// Session events
	EventWorkStarted
	EventCollision
	EventWorkFinished
	EventVehicleIdle
)

var eventNames = map[EventType]string{
	EventUpstreamConnected:    "upstream-connected",
	EventUpstreamDisconnected: "upstream-disconnected",
	EventPubSubConnected:      "pubsub-connected",
	EventPubSubDisconnected:   "pubsub-disconnected",
	EventCommandForwarded:     "command-forwarded",
	EventCommandDropped:       "command-dropped",
	EventTelemetryReceived:    "telemetry",
	EventVehicleDiscovered:    "vehicle-discovered",
	EventWorkStarted:          "work-started",
	EventCollision:            "collision",
	EventWorkFinished:         "work-finished",
	EventVehicleIdle:          "vehicle-idle",
}

// String is the event name used on the live event streams.
func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// LinkEvent reports a transport state change.
type LinkEvent struct {
	Link  string `json:"link"` // "upstream" or "pubsub"
	Error string `json:"error,omitempty"`
}

// CommandForwardedEvent is emitted after a command was published to a vehicle.
type CommandForwardedEvent struct {
	Command protocol.TaskCommand `json:"command"`
}

// CommandDroppedEvent is emitted when a command is not forwarded.
type CommandDroppedEvent struct {
	VehicleID string `json:"vehicle_id"`
	Reason    string `json:"reason"`
}

// TelemetryReceivedEvent carries a decoded telemetry event and what it did
// to the vehicle's session.
type TelemetryReceivedEvent struct {
	Telemetry  *protocol.TelemetryEvent
	Transition registry.Transition
}

// SessionEvent is emitted for each session status change.
type SessionEvent struct {
	VehicleID   string           `json:"vehicle_id"`
	Event       string           `json:"event"`
	Session     registry.Session `json:"session"`
	TargetIndex int              `json:"manipulation_target_index"`
	At          time.Time        `json:"at"`
}

// VehicleEvent names a vehicle added to the roster.
type VehicleEvent struct {
	VehicleID string `json:"vehicle_id"`
}
