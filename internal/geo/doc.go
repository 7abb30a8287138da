// Package geo holds the location primitives shared by the sensor
// aggregator and the POI cache: WGS84 locations, great-circle distance,
// quantized cache cells, and heading arithmetic.
package geo
