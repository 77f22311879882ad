// Package sim provides simulated vehicle collaborators for running the
// onboard agent without hardware: a looped line-following track with painted
// regions, a scripted object locator, a logging arm and a synthetic camera.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"agvlink/location"
	"agvlink/vehicle"
)

// World is a closed 1-D track. Regions sit at evenly spaced centroids; the
// vehicle moves along it at a fixed speed while navigation runs.
type World struct {
	mu          sync.Mutex
	regions     map[string]float64
	length      float64
	speed       float64 // px per second
	view        float64 // half-width of the camera view in px
	jitter      float64 // lateral noise amplitude in px
	pos         float64
	running     bool
	last        time.Time
	obstacles   []float64
	onCollision func()
	rng         *rand.Rand
	now         func() time.Time
}

// NewWorld lays the palette's regions spacing px apart. The vehicle starts
// halfway between the last and first region.
func NewWorld(palette location.Palette, spacing, speed float64) *World {
	w := &World{
		regions: make(map[string]float64, len(palette)),
		length:  spacing * float64(len(palette)),
		speed:   speed,
		view:    spacing / 2,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	for i, name := range palette {
		w.regions[name] = spacing*float64(i) + spacing/2
	}
	return w
}

// SetJitter sets the lateral offset noise in px.
func (w *World) SetJitter(px float64) {
	w.mu.Lock()
	w.jitter = px
	w.mu.Unlock()
}

// AddObstacle places an obstacle at track position at. Driving over it
// fires the collision callback.
func (w *World) AddObstacle(at float64) {
	w.mu.Lock()
	w.obstacles = append(w.obstacles, math.Mod(at, w.length))
	w.mu.Unlock()
}

// OnCollision registers the callback fired when an obstacle is hit.
func (w *World) OnCollision(fn func()) {
	w.mu.Lock()
	w.onCollision = fn
	w.mu.Unlock()
}

// Start begins driving.
func (w *World) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		w.running = true
		w.last = w.now()
	}
	return nil
}

// Stop halts in place.
func (w *World) Stop() error {
	hit := w.advance()
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.fire(hit)
	return nil
}

// Running reports whether the vehicle is driving.
func (w *World) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Position returns the current track position.
func (w *World) Position() float64 {
	hit := w.advance()
	w.fire(hit)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// Offset reports the signed distance to the region's centroid when it is in
// view. The frame content is not inspected.
func (w *World) Offset(_ *vehicle.Frame, region string) (dx, dy float64, found bool) {
	hit := w.advance()
	w.fire(hit)

	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.regions[region]
	if !ok {
		return 0, 0, false
	}
	d := w.wrap(c - w.pos)
	if math.Abs(d) > w.view {
		return 0, 0, false
	}
	if w.jitter > 0 {
		dy = (w.rng.Float64()*2 - 1) * w.jitter
	}
	return d, dy, true
}

// RegionInView returns the region whose centroid is nearest, if visible.
func (w *World) RegionInView() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	best, bestD := "", math.Inf(1)
	for name, c := range w.regions {
		if d := math.Abs(w.wrap(c - w.pos)); d < bestD {
			best, bestD = name, d
		}
	}
	return best, bestD <= w.view
}

// advance moves the vehicle by the time elapsed since the last call and
// reports whether an obstacle was crossed.
func (w *World) advance() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return false
	}
	now := w.now()
	dist := w.speed * now.Sub(w.last).Seconds()
	w.last = now
	if dist <= 0 {
		return false
	}
	hit := false
	for _, o := range w.obstacles {
		ahead := math.Mod(o-w.pos+w.length, w.length)
		if ahead > 0 && ahead <= dist {
			hit = true
		}
	}
	w.pos = math.Mod(w.pos+dist, w.length)
	return hit
}

func (w *World) fire(hit bool) {
	if !hit {
		return
	}
	w.mu.Lock()
	fn := w.onCollision
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// wrap maps a track distance into [-length/2, length/2).
func (w *World) wrap(d float64) float64 {
	d = math.Mod(d+w.length/2, w.length)
	if d < 0 {
		d += w.length
	}
	return d - w.length/2
}
