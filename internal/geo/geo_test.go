package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		loc  Location
		want bool
	}{
		{"origin", Location{}, true},
		{"tel aviv", Location{Lat: 32.0853, Lon: 34.7818, Accuracy: 12}, true},
		{"lat out of range", Location{Lat: 91, Lon: 0}, false},
		{"lon out of range", Location{Lat: 0, Lon: -181}, false},
		{"nan", Location{Lat: math.NaN(), Lon: 0}, false},
		{"negative accuracy", Location{Lat: 1, Lon: 1, Accuracy: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.loc.Valid())
		})
	}
}

func TestDistanceTo(t *testing.T) {
	t.Parallel()

	a := Location{Lat: 51.5007, Lon: -0.1246}
	b := Location{Lat: 51.5033, Lon: -0.1196}

	d := a.DistanceTo(b)
	assert.InDelta(t, 440, d, 20, "Westminster to the London Eye")
	assert.InDelta(t, d, b.DistanceTo(a), 1e-6)
	assert.InDelta(t, 0, a.DistanceTo(a), 1e-6)
}

func TestHeadingDelta(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 20, HeadingDelta(350, 10), 1e-9)
	assert.InDelta(t, 20, HeadingDelta(10, 350), 1e-9)
	assert.InDelta(t, 180, HeadingDelta(0, 180), 1e-9)
	assert.InDelta(t, 0, HeadingDelta(-90, 270), 1e-9)
	assert.InDelta(t, 90, NormalizeHeading(450), 1e-9)
	assert.InDelta(t, 270, NormalizeHeading(-90), 1e-9)
}

func TestCellOf(t *testing.T) {
	t.Parallel()

	const size = 0.01
	c := CellOf(Location{Lat: 32.0853, Lon: 34.7818}, size)
	assert.Equal(t, Cell{Lat: 3208, Lon: 3478}, c)

	// Negative coordinates floor away from zero so cells never straddle 0.
	neg := CellOf(Location{Lat: -0.001, Lon: -0.001}, size)
	assert.Equal(t, Cell{Lat: -1, Lon: -1}, neg)

	centre := c.Center(size)
	assert.Equal(t, c, CellOf(centre, size))
}

func TestCellRing(t *testing.T) {
	t.Parallel()

	c := Cell{Lat: 10, Lon: 20}
	assert.Equal(t, []Cell{c}, c.Ring(0))

	ring := c.Ring(1)
	assert.Len(t, ring, 9)
	assert.Equal(t, c, ring[0])
	assert.Contains(t, ring, Cell{Lat: 9, Lon: 21})
	assert.Contains(t, ring, Cell{Lat: 11, Lon: 19})

	seen := make(map[Cell]bool)
	for _, cell := range ring {
		assert.False(t, seen[cell], "duplicate %s", cell)
		seen[cell] = true
	}
}
