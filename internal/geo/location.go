package geo

import (
	"fmt"
	"math"

	golanggeo "github.com/kellydunn/golang-geo"
)

// Location is a WGS84 fix. Accuracy is the horizontal accuracy radius in
// metres; zero means the source did not report one.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// Valid reports whether the coordinates are finite and inside WGS84 bounds.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lon, 0) {
		return false
	}
	if l.Lat < -90 || l.Lat > 90 || l.Lon < -180 || l.Lon > 180 {
		return false
	}
	return !(l.Accuracy < 0 || math.IsNaN(l.Accuracy))
}

// IsZero reports whether the location is the zero value (no fix).
func (l Location) IsZero() bool {
	return l.Lat == 0 && l.Lon == 0 && l.Accuracy == 0
}

// DistanceTo returns the great-circle distance to o in metres.
func (l Location) DistanceTo(o Location) float64 {
	a := golanggeo.NewPoint(l.Lat, l.Lon)
	b := golanggeo.NewPoint(o.Lat, o.Lon)
	return a.GreatCircleDistance(b) * 1000
}

func (l Location) String() string {
	if l.Accuracy > 0 {
		return fmt.Sprintf("(%.6f,%.6f ±%.0fm)", l.Lat, l.Lon, l.Accuracy)
	}
	return fmt.Sprintf("(%.6f,%.6f)", l.Lat, l.Lon)
}

// NormalizeHeading maps deg into [0,360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// HeadingDelta returns the absolute shortest angular distance between two
// headings, in [0,180].
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}
