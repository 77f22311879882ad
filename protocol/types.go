package protocol

// Command schema versions. A frame without a "v" field is decoded as
// CurrentCommandVersion.
const (
	CommandV1             = 1 // legacy server: agv_id, timedata
	CommandV2             = 2
	CurrentCommandVersion = CommandV2
)

// Outbound frame types on the server socket.
const (
	TypeStatus    = "status"
	TypeHeartbeat = "heartbeat"
)

// ClientTypeBridge identifies a relay on the server socket.
const ClientTypeBridge = "bridge"

// Marker is an edge-triggered lifecycle tag carried by telemetry. The zero
// value is the "none" marker and encodes as JSON null.
type Marker string

const (
	MarkerNone      Marker = ""
	MarkerStarted   Marker = "started"
	MarkerCollision Marker = "col"
	MarkerFinished  Marker = "finished"
)

// Valid reports whether m is one of the known markers.
func (m Marker) Valid() bool {
	switch m {
	case MarkerNone, MarkerStarted, MarkerCollision, MarkerFinished:
		return true
	}
	return false
}

// Label is the marker as used in file names and logs; none becomes "work".
func (m Marker) Label() string {
	if m == MarkerNone {
		return "work"
	}
	return string(m)
}
