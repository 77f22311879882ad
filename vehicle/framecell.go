package vehicle

import (
	"sync/atomic"
	"time"
)

// FrameCell holds the latest camera frame. The camera overwrites it; readers
// get the newest frame or nil and never wait.
type FrameCell struct {
	latest atomic.Pointer[Frame]
	seq    atomic.Uint64
}

// NewFrameCell creates an empty cell.
func NewFrameCell() *FrameCell {
	return &FrameCell{}
}

// Store replaces the current frame.
func (c *FrameCell) Store(data []byte) *Frame {
	f := &Frame{Data: data, Seq: c.seq.Add(1), CapturedAt: time.Now()}
	c.latest.Store(f)
	return f
}

// Load returns the latest frame, or nil before the first capture.
func (c *FrameCell) Load() *Frame {
	return c.latest.Load()
}
