package geo

import (
	"fmt"
	"math"
)

// Cell is a quantized lat/lon bucket. Cache entries and refresh requests
// are keyed by cell.
type Cell struct {
	Lat int32
	Lon int32
}

// CellOf returns the cell of size sizeDeg (degrees on both axes) that
// contains loc.
func CellOf(loc Location, sizeDeg float64) Cell {
	return Cell{
		Lat: int32(math.Floor(loc.Lat / sizeDeg)),
		Lon: int32(math.Floor(loc.Lon / sizeDeg)),
	}
}

// Ring returns the cells within radius steps of c (a (2r+1)² square),
// centre first.
func (c Cell) Ring(radius int) []Cell {
	if radius < 0 {
		radius = 0
	}
	side := 2*radius + 1
	cells := make([]Cell, 0, side*side)
	cells = append(cells, c)
	for dLat := -radius; dLat <= radius; dLat++ {
		for dLon := -radius; dLon <= radius; dLon++ {
			if dLat == 0 && dLon == 0 {
				continue
			}
			cells = append(cells, Cell{Lat: c.Lat + int32(dLat), Lon: c.Lon + int32(dLon)})
		}
	}
	return cells
}

// Center returns the midpoint of the cell.
func (c Cell) Center(sizeDeg float64) Location {
	return Location{
		Lat: (float64(c.Lat) + 0.5) * sizeDeg,
		Lon: (float64(c.Lon) + 0.5) * sizeDeg,
	}
}

func (c Cell) String() string {
	return fmt.Sprintf("cell[%d,%d]", c.Lat, c.Lon)
}
