package vehicle

import "context"

// Navigator is the line-following drive.
type Navigator interface {
	Start() error
	Stop() error
}

// RegionDetector reports the vehicle's visual offset from a named region's
// centroid in the given frame.
type RegionDetector interface {
	Offset(frame *Frame, region string) (dx, dy float64, found bool)
}

// ObjectLocator finds the item to pick in a frame. One call is one attempt
// and must honour ctx's deadline.
type ObjectLocator interface {
	Locate(ctx context.Context, frame *Frame, item int) (pos Position, found bool, err error)
}

// Arm is the manipulator. Calls run to completion once started.
type Arm interface {
	Pick(pos Position) error
	Place(pos Position) error
	Ready() error
}

// EventEmitter is the interface the task machine uses to emit events.
type EventEmitter interface {
	EmitTaskStarted(workID int64, start, end string, item int)
	EmitStateChanged(workID int64, oldState, newState string)
	EmitManipulationFailed(workID int64, op string, err error)
	EmitTaskCompleted(workID int64, gripped bool)
}
