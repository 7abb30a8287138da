// Package sensor fuses the latest heading, pitch and location pushes into
// a point-in-time State.
package sensor

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/timeutil"
)

// Horizons are the per-field staleness limits.
type Horizons struct {
	Heading  time.Duration
	Pitch    time.Duration
	Location time.Duration
}

// State is a fused sensor reading. A field that has never been pushed is
// reported as stale with a zero sample time.
type State struct {
	Heading  float64      `json:"heading"`
	Pitch    float64      `json:"pitch"`
	Location geo.Location `json:"location"`

	HeadingAt  time.Time `json:"heading_at"`
	PitchAt    time.Time `json:"pitch_at"`
	LocationAt time.Time `json:"location_at"`

	HeadingStale  bool `json:"heading_stale"`
	PitchStale    bool `json:"pitch_stale"`
	LocationStale bool `json:"location_stale"`

	// Timestamp is when the state was fused.
	Timestamp time.Time `json:"timestamp"`
}

// OrientationFresh reports whether both heading and pitch can be trusted.
func (s State) OrientationFresh() bool { return !s.HeadingStale && !s.PitchStale }

// HasLocation reports whether a location has ever been pushed.
func (s State) HasLocation() bool { return !s.LocationAt.IsZero() }

// Aggregator keeps the most recent value of each sensor field.
type Aggregator struct {
	clock    timeutil.Clock
	horizons Horizons

	mu       sync.RWMutex
	heading  float64
	pitch    float64
	location geo.Location
	hAt      time.Time
	pAt      time.Time
	lAt      time.Time
}

// NewAggregator returns an empty aggregator. A nil clock uses wall time.
func NewAggregator(clock timeutil.Clock, h Horizons) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Aggregator{clock: clock, horizons: h}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// PushHeading records a compass heading in degrees; it is normalised to
// [0,360).
func (a *Aggregator) PushHeading(deg float64) bool {
	if !finite(deg) {
		monitoring.Tracef("sensor: dropped heading %v", deg)
		return false
	}
	now := a.clock.Now()
	a.mu.Lock()
	a.heading = geo.NormalizeHeading(deg)
	a.hAt = now
	a.mu.Unlock()
	return true
}

// PushPitch records the camera pitch in degrees above the horizon. Any
// finite value is kept; range checks belong to the orientation gate.
func (a *Aggregator) PushPitch(deg float64) bool {
	if !finite(deg) {
		monitoring.Tracef("sensor: dropped pitch %v", deg)
		return false
	}
	now := a.clock.Now()
	a.mu.Lock()
	a.pitch = deg
	a.pAt = now
	a.mu.Unlock()
	return true
}

// PushLocation records a position fix.
func (a *Aggregator) PushLocation(loc geo.Location) bool {
	if !loc.Valid() {
		monitoring.Tracef("sensor: dropped location %v", loc)
		return false
	}
	now := a.clock.Now()
	a.mu.Lock()
	a.location = loc
	a.lAt = now
	a.mu.Unlock()
	return true
}

// Location returns the latest location and whether one has been pushed.
func (a *Aggregator) Location() (geo.Location, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.location, !a.lAt.IsZero()
}

// Fuse returns a consistent copy of the latest values with stale flags
// evaluated at the current clock time.
func (a *Aggregator) Fuse() State {
	now := a.clock.Now()
	a.mu.RLock()
	s := State{
		Heading:    a.heading,
		Pitch:      a.pitch,
		Location:   a.location,
		HeadingAt:  a.hAt,
		PitchAt:    a.pAt,
		LocationAt: a.lAt,
		Timestamp:  now,
	}
	a.mu.RUnlock()

	s.HeadingStale = stale(s.HeadingAt, now, a.horizons.Heading)
	s.PitchStale = stale(s.PitchAt, now, a.horizons.Pitch)
	s.LocationStale = stale(s.LocationAt, now, a.horizons.Location)
	return s
}

func stale(at, now time.Time, horizon time.Duration) bool {
	if at.IsZero() {
		return true
	}
	if horizon <= 0 {
		return false
	}
	return now.Sub(at) > horizon
}
