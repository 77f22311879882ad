package sim

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"agvlink/vehicle"
)

// Locator is a scripted ObjectLocator. The first Misses attempts find
// nothing; later attempts return a position derived from the item index.
type Locator struct {
	Misses  int
	Latency time.Duration

	mu       sync.Mutex
	attempts int
}

// Locate implements vehicle.ObjectLocator.
func (l *Locator) Locate(ctx context.Context, _ *vehicle.Frame, item int) (vehicle.Position, bool, error) {
	l.mu.Lock()
	l.attempts++
	n := l.attempts
	l.mu.Unlock()

	if l.Latency > 0 {
		t := time.NewTimer(l.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return vehicle.Position{}, false, ctx.Err()
		case <-t.C:
		}
	}
	if n <= l.Misses {
		return vehicle.Position{}, false, nil
	}
	return vehicle.Position{X: 150 + 20*float64(item), Y: -10, Z: 30}, true, nil
}

// Attempts returns the number of Locate calls so far.
func (l *Locator) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Arm logs each move and takes MoveTime to complete it.
type Arm struct {
	MoveTime time.Duration
	FailPick bool
	LogFunc  func(format string, args ...any)

	mu    sync.Mutex
	moves []string
}

func (a *Arm) move(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.mu.Lock()
	a.moves = append(a.moves, msg)
	a.mu.Unlock()
	logFn := a.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	logFn("arm: %s", msg)
	time.Sleep(a.MoveTime)
}

// Pick implements vehicle.Arm.
func (a *Arm) Pick(p vehicle.Position) error {
	if a.FailPick {
		return fmt.Errorf("gripper closed on nothing at (%.0f,%.0f,%.0f)", p.X, p.Y, p.Z)
	}
	a.move("pick at (%.0f,%.0f,%.0f)", p.X, p.Y, p.Z)
	return nil
}

// Place implements vehicle.Arm.
func (a *Arm) Place(p vehicle.Position) error {
	a.move("place at (%.0f,%.0f,%.0f)", p.X, p.Y, p.Z)
	return nil
}

// Ready implements vehicle.Arm.
func (a *Arm) Ready() error {
	a.move("ready")
	return nil
}

// Moves returns the log of completed moves.
func (a *Arm) Moves() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.moves...)
}
