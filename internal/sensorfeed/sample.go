package sensorfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sample is one line from the sensor bridge. Every field is optional; a
// line may carry any combination of readings.
//
//	{"heading": 92.5, "pitch": 3.1, "lat": 48.8584, "lon": 2.2945, "acc": 6}
//
// dt_ms is only present in recorded traces and gives the delay since the
// previous line.
type Sample struct {
	Heading  *float64 `json:"heading,omitempty"`
	Pitch    *float64 `json:"pitch,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	Accuracy *float64 `json:"acc,omitempty"`
	DelayMS  int      `json:"dt_ms,omitempty"`
}

var errEmptySample = errors.New("sample carries no readings")

// ParseSample decodes a bridge line. Comment lines starting with # are
// reported as (Sample{}, false, nil).
func ParseSample(line string) (Sample, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Sample{}, false, nil
	}
	var s Sample
	if err := json.Unmarshal([]byte(line), &s); err != nil {
		return Sample{}, false, fmt.Errorf("parse sample: %w", err)
	}
	if (s.Lat == nil) != (s.Lon == nil) {
		return Sample{}, false, fmt.Errorf("parse sample: lat and lon must come together")
	}
	if s.Heading == nil && s.Pitch == nil && s.Lat == nil {
		return Sample{}, false, errEmptySample
	}
	return s, true, nil
}

// Delay returns the replay delay before the sample applies.
func (s Sample) Delay() time.Duration {
	if s.DelayMS <= 0 {
		return 0
	}
	return time.Duration(s.DelayMS) * time.Millisecond
}
