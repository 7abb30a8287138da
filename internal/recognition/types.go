// Package recognition implements the session state machine that decides
// when a frame is worth evaluating and what a matcher's votes mean.
package recognition

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/sensor"
)

// StateID identifies a session state. The numeric values are part of the
// wire format of state notifications.
type StateID int

const (
	ColdStart      StateID = -1
	Search         StateID = 0
	Recognition    StateID = 1
	NoRecognition  StateID = 2
	NonIndexable   StateID = 3
	BadOrientation StateID = 4
	Moving         StateID = 5
)

var stateNames = map[StateID]string{
	ColdStart:      "COLD_START",
	Search:         "SEARCH",
	Recognition:    "RECOGNITION",
	NoRecognition:  "NO_RECOGNITION",
	NonIndexable:   "NON_INDEXABLE",
	BadOrientation: "BAD_ORIENTATION",
	Moving:         "MOVING",
}

func (s StateID) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("StateID(%d)", int(s))
}

// IsOutcome reports whether s is the result of an evaluation.
func (s StateID) IsOutcome() bool {
	return s == Recognition || s == NoRecognition || s == NonIndexable
}

// State is a state notification. PoiID and SnapshotID are set only for
// Recognition.
type State struct {
	ID         StateID   `json:"id"`
	PoiID      string    `json:"poi_id,omitempty"`
	SnapshotID int64     `json:"snapshot_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s State) String() string {
	if s.PoiID != "" {
		return fmt.Sprintf("%s(%s)", s.ID, s.PoiID)
	}
	return s.ID.String()
}

// Vote is a matcher's confidence for one candidate.
type Vote struct {
	Poi        *poi.Poi `json:"poi"`
	Confidence float64  `json:"confidence"`
	// Score is matcher-internal and opaque to the engine.
	Score float64 `json:"score"`
}

// RankVotes returns a copy of votes with confidences clamped to [0,1],
// ordered by descending confidence with ties broken by POI key. Votes
// without a POI are dropped.
func RankVotes(votes []Vote) []Vote {
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if v.Poi == nil {
			continue
		}
		switch {
		case math.IsNaN(v.Confidence) || v.Confidence < 0:
			v.Confidence = 0
		case v.Confidence > 1:
			v.Confidence = 1
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Poi.Key() < out[j].Poi.Key()
	})
	return out
}

// Snapshot is the evidence of one recognition attempt. It is not
// modified after it has been delivered to listeners.
type Snapshot struct {
	ID              int64         `json:"id"`
	ClientTimestamp time.Time     `json:"client_timestamp"`
	Sensors         sensor.State  `json:"sensors"`
	SessionID       string        `json:"session_id"`
	Shortlist       poi.Shortlist `json:"shortlist"`
	Votes           []Vote        `json:"votes"`
	Selected        *poi.Poi      `json:"selected,omitempty"`
	Outcome         StateID       `json:"outcome"`
	Image           *buffer.Image `json:"image,omitempty"`
	UserInitiated   bool          `json:"user_initiated"`
}

// TagResult is the outcome of confirming or tagging a snapshot. A nil Poi
// means the user asserted there is no POI in the frame.
type TagResult struct {
	Poi          *poi.Poi `json:"poi"`
	IsIndex      bool     `json:"is_index"`
	UserFeedback bool     `json:"user_feedback"`
}

var (
	// ErrEvaluationBusy is returned when an evaluation is already in flight.
	ErrEvaluationBusy = errors.New("evaluation in flight")
	// ErrSensorStale is returned when orientation or location is too old.
	ErrSensorStale = errors.New("sensor data stale")
	// ErrNotReady is returned when the current state does not allow a
	// snapshot.
	ErrNotReady = errors.New("state does not allow a snapshot")
)
