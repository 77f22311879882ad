package www

import (
	"agvlink/engine"
)

// telemetryView is the frame-less telemetry summary put on the streams.
type telemetryView struct {
	VehicleID      string `json:"vehicle_id"`
	Marker         string `json:"lifecycle_marker"`
	Finished       int    `json:"finished"`
	WorkID         *int64 `json:"work_id"`
	Status         string `json:"status"`
	CollisionCount int    `json:"collision_count"`
	FrameBytes     int    `json:"frame_bytes"`
}

// setupEngineListeners wires engine events to both live streams.
func (h *Handlers) setupEngineListeners(eng *engine.Engine) engine.SubscriberID {
	return eng.Events.Subscribe(func(evt engine.Event) {
		var se StreamEvent

		switch evt.Type {
		case engine.EventUpstreamConnected, engine.EventUpstreamDisconnected,
			engine.EventPubSubConnected, engine.EventPubSubDisconnected:
			p := evt.Payload.(engine.LinkEvent)
			se = StreamEvent{Type: "link-status", Data: map[string]any{
				"link":      p.Link,
				"connected": evt.Type == engine.EventUpstreamConnected || evt.Type == engine.EventPubSubConnected,
				"error":     p.Error,
			}}
		case engine.EventCommandForwarded, engine.EventCommandDropped:
			se = StreamEvent{Type: evt.Type.String(), Data: evt.Payload}
		case engine.EventTelemetryReceived:
			p := evt.Payload.(engine.TelemetryReceivedEvent)
			s := p.Transition.Session
			se = StreamEvent{Type: "telemetry", Data: telemetryView{
				VehicleID:      p.Telemetry.VehicleID,
				Marker:         p.Telemetry.Marker.Label(),
				Finished:       p.Telemetry.Finished,
				WorkID:         s.WorkID,
				Status:         string(s.Status),
				CollisionCount: s.CollisionCount,
				FrameBytes:     len(p.Telemetry.Frame),
			}}
		case engine.EventWorkStarted, engine.EventCollision, engine.EventWorkFinished, engine.EventVehicleIdle:
			se = StreamEvent{Type: "session-update", Data: evt.Payload}
		case engine.EventVehicleDiscovered:
			se = StreamEvent{Type: "vehicle-discovered", Data: evt.Payload}
		default:
			return
		}

		h.eventHub.Broadcast(se)
		h.wsHub.Broadcast(se)
	})
}
