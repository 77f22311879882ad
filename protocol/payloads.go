package protocol

import (
	"encoding/json"
	"time"
)

// --- Relay -> Vehicle ---

// TaskCommand is a normalized command published on fleet/{id}/command.
// Start and End are always palette names once the relay has published it.
type TaskCommand struct {
	MsgID        string    `json:"msg_id"`
	WorkID       int64     `json:"work_id"`
	VehicleID    string    `json:"vehicle_id"`
	Start        string    `json:"start"`
	End          string    `json:"end"`
	ItemIndex    int       `json:"item_idx"`
	DelaySeconds int       `json:"delays"`
	IssuedAt     time.Time `json:"timestamp"`
}

// --- Vehicle -> Relay ---

// TelemetryEvent is published once per publisher tick on fleet/{id}/telemetry.
type TelemetryEvent struct {
	VehicleID   string    `json:"vehicle_id"`
	WorkID      *int64    `json:"work_id"`
	Marker      Marker    `json:"lifecycle_marker"`
	Finished    int       `json:"finished"`
	Frame       []byte    `json:"frame"`
	TargetIndex int       `json:"manipulation_target_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsFinished reports the level-held finished flag.
func (e *TelemetryEvent) IsFinished() bool { return e.Finished != 0 }

// --- Relay -> Server ---

// Identification is the first frame a relay sends after connecting.
type Identification struct {
	ClientType string `json:"client_type"`
}

// StatusSummary is forwarded upstream for each telemetry event. It mirrors
// the telemetry payload without the frame, plus the registry view.
type StatusSummary struct {
	Type           string    `json:"type"`
	BridgeID       string    `json:"bridge_id"`
	VehicleID      string    `json:"vehicle_id"`
	Status         string    `json:"status"`
	WorkID         *int64    `json:"work_id"`
	CollisionCount int       `json:"collision_count"`
	Marker         Marker    `json:"lifecycle_marker"`
	Finished       int       `json:"finished"`
	TargetIndex    int       `json:"manipulation_target_index"`
	Timestamp      time.Time `json:"timestamp"`
}

// Heartbeat is sent upstream on a fixed interval while connected.
type Heartbeat struct {
	Type      string    `json:"type"`
	BridgeID  string    `json:"bridge_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHeartbeat builds an "online" heartbeat frame.
func NewHeartbeat(bridgeID string, now time.Time) *Heartbeat {
	return &Heartbeat{Type: TypeHeartbeat, BridgeID: bridgeID, Status: "online", Timestamp: now.UTC()}
}

// MarshalJSON encodes the none marker as null.
func (m Marker) MarshalJSON() ([]byte, error) {
	if m == MarkerNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(m))
}

// UnmarshalJSON accepts null or a marker string.
func (m *Marker) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = MarkerNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*m = Marker(s)
	return nil
}
