// Package vehicle is the onboard controller: the pickup/delivery task
// machine, the telemetry publisher and the agent tying both to the
// pub/sub transport.
package vehicle

import (
	"errors"
	"time"
)

// Task states
const (
	StateIdle            = "idle"
	StateSeekingPickup   = "seeking_pickup"
	StateGripping        = "gripping"
	StateSeekingDelivery = "seeking_delivery"
	StateReleasing       = "releasing"
	StateCompleted       = "completed"
)

// stateOrder defines the linear progression of task states.
var stateOrder = []string{
	StateIdle,
	StateSeekingPickup,
	StateGripping,
	StateSeekingDelivery,
	StateReleasing,
	StateCompleted,
	StateIdle, // loops back
}

// retryEdges are the backward moves taken when a manipulation fails and
// the machine is not allowed to advance.
var retryEdges = map[string]string{
	StateGripping:  StateSeekingPickup,
	StateReleasing: StateSeekingDelivery,
}

// NextState returns the next state in the task sequence.
func NextState(current string) (string, bool) {
	for i, s := range stateOrder {
		if s == current && i < len(stateOrder)-1 {
			return stateOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether the machine may move from one state to
// another: forward along stateOrder, back along a retry edge, or staying put.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if next, ok := NextState(from); ok && next == to {
		return true
	}
	return retryEdges[from] == to
}

var (
	ErrVehicleBusy        = errors.New("vehicle busy")
	ErrDuplicateCommand   = errors.New("duplicate command")
	ErrWrongVehicle       = errors.New("command addressed to another vehicle")
	ErrManipulationFailed = errors.New("manipulation failed")
	ErrPerceptionTimeout  = errors.New("perception timeout")
	ErrIllegalTransition  = errors.New("illegal state transition")
)

// Position is an arm-frame target in millimetres.
type Position struct {
	X, Y, Z float64
}

// Frame is one camera capture.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}
