package protocol

import (
	"encoding/json"
	"fmt"
)

// telemetryWire reads the timestamp as text so vehicles may send any
// layout ParseTime knows, including ISO-8601 without a zone.
type telemetryWire struct {
	*telemetryFields
	Timestamp json.RawMessage `json:"timestamp"`
}

type telemetryFields TelemetryEvent

// DecodeTelemetry decodes a telemetry payload and rejects unknown markers.
// A missing, non-string or unparseable timestamp becomes the receive time.
func DecodeTelemetry(data []byte) (*TelemetryEvent, error) {
	var ev TelemetryEvent
	wire := telemetryWire{telemetryFields: (*telemetryFields)(&ev)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var ts string
	json.Unmarshal(wire.Timestamp, &ts)
	ev.Timestamp = ParseTime(ts)
	if !ev.Marker.Valid() {
		return nil, fmt.Errorf("%w: unknown lifecycle marker %q", ErrMalformedPayload, ev.Marker)
	}
	if ev.Finished != 0 && ev.Finished != 1 {
		return nil, fmt.Errorf("%w: finished must be 0 or 1, got %d", ErrMalformedPayload, ev.Finished)
	}
	return &ev, nil
}

// Summarize derives the upstream status frame from a telemetry event.
// Status and collisions come from the registry after the event was applied.
func Summarize(bridgeID string, ev *TelemetryEvent, status string, collisions int) *StatusSummary {
	return &StatusSummary{
		Type:           TypeStatus,
		BridgeID:       bridgeID,
		VehicleID:      ev.VehicleID,
		Status:         status,
		WorkID:         ev.WorkID,
		CollisionCount: collisions,
		Marker:         ev.Marker,
		Finished:       ev.Finished,
		TargetIndex:    ev.TargetIndex,
		Timestamp:      ev.Timestamp,
	}
}
