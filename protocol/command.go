package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned for frames that are not JSON, carry an
// unknown schema version, or lack required fields.
var ErrMalformedPayload = errors.New("malformed payload")

// InboundCommand is a server command decoded from any schema version.
// Start and End are raw location references (string, int64, or whatever the
// sender put there) still to be checked against the palette.
type InboundCommand struct {
	Version      int
	VehicleID    string
	Start        any
	End          any
	DelaySeconds int
	ItemIndex    int
	WorkID       *int64
	IssuedAt     time.Time
}

// commandHeader is the minimal decode used to select the schema.
type commandHeader struct {
	Version *int `json:"v"`
}

type commandV1 struct {
	AgvID    json.RawMessage `json:"agv_id"`
	Start    json.RawMessage `json:"start"`
	End      json.RawMessage `json:"end"`
	Delays   *int            `json:"delays"`
	ItemIdx  *int            `json:"item_idx"`
	TimeData string          `json:"timedata"`
}

type commandV2 struct {
	VehicleID json.RawMessage `json:"vehicle_id"`
	Start     json.RawMessage `json:"start"`
	End       json.RawMessage `json:"end"`
	Delays    *int            `json:"delays"`
	ItemIdx   *int            `json:"item_idx"`
	WorkID    *int64          `json:"work_id"`
	Timestamp string          `json:"timestamp"`
}

// DecodeCommand performs a two-phase decode: the header selects the schema
// version, then the version-specific body is decoded and validated.
func DecodeCommand(data []byte) (*InboundCommand, error) {
	var hdr commandHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	version := CurrentCommandVersion
	if hdr.Version != nil {
		version = *hdr.Version
	}

	switch version {
	case CommandV1:
		var body commandV1
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return buildCommand(version, body.AgvID, "agv_id", body.Start, body.End, body.Delays, body.ItemIdx, nil, body.TimeData)
	case CommandV2:
		var body commandV2
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return buildCommand(version, body.VehicleID, "vehicle_id", body.Start, body.End, body.Delays, body.ItemIdx, body.WorkID, body.Timestamp)
	default:
		return nil, fmt.Errorf("%w: unknown command version %d", ErrMalformedPayload, version)
	}
}

func buildCommand(version int, rawID json.RawMessage, idField string, start, end json.RawMessage,
	delays, item *int, workID *int64, ts string) (*InboundCommand, error) {

	id, err := decodeVehicleID(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, idField, err)
	}
	if isAbsent(start) {
		return nil, fmt.Errorf("%w: missing start", ErrMalformedPayload)
	}
	if isAbsent(end) {
		return nil, fmt.Errorf("%w: missing end", ErrMalformedPayload)
	}
	if delays == nil {
		return nil, fmt.Errorf("%w: missing delays", ErrMalformedPayload)
	}
	if *delays < 0 {
		return nil, fmt.Errorf("%w: negative delays %d", ErrMalformedPayload, *delays)
	}
	cmd := &InboundCommand{
		Version:      version,
		VehicleID:    id,
		Start:        locationRef(start),
		End:          locationRef(end),
		DelaySeconds: *delays,
		WorkID:       workID,
		IssuedAt:     ParseTime(ts),
	}
	if item != nil {
		if *item < 0 {
			return nil, fmt.Errorf("%w: negative item_idx %d", ErrMalformedPayload, *item)
		}
		cmd.ItemIndex = *item
	}
	return cmd, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeVehicleID accepts a non-empty string or an integer.
func decodeVehicleID(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errors.New("empty")
		}
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("want string or integer, got %s", raw)
	}
	return strconv.FormatInt(n, 10), nil
}

// locationRef turns a raw start/end value into a string, an int64, or the
// generic decoded value for the location codec to accept or reject.
func locationRef(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102_150405",
}

// ParseTime parses an ISO-8601 style timestamp. Unparseable or empty input
// yields the current time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// IsExpired reports whether a command issued at issuedAt is older than ttl.
// A zero ttl disables expiry.
func IsExpired(issuedAt time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 || issuedAt.IsZero() {
		return false
	}
	return now.Sub(issuedAt) > ttl
}
