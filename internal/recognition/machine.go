package recognition

import (
	"fmt"
	"time"

	"github.com/banshee-data/urbo/internal/config"
	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/sensor"
)

// Config holds the gating thresholds of a Machine.
type Config struct {
	MinPitchDeg         float64
	MaxPitchDeg         float64
	MotionDistanceM     float64
	MotionHeadingDeg    float64
	SettleDuration      time.Duration
	OutcomeHold         time.Duration
	ConfidenceThreshold float64
	// HoldOnConfirm keeps RECOGNITION active after a confirmation.
	HoldOnConfirm bool
}

// ConfigFrom extracts the machine thresholds from an engine config.
func ConfigFrom(c *config.EngineConfig) Config {
	return Config{
		MinPitchDeg:         c.GetMinPitchDeg(),
		MaxPitchDeg:         c.GetMaxPitchDeg(),
		MotionDistanceM:     c.GetMotionDistanceM(),
		MotionHeadingDeg:    c.GetMotionHeadingDeg(),
		SettleDuration:      c.GetSettleDuration(),
		OutcomeHold:         c.GetOutcomeHold(),
		ConfidenceThreshold: c.GetConfidenceThreshold(),
		HoldOnConfirm:       c.GetConfirmPolicy() == config.ConfirmPolicyHold,
	}
}

type anchor struct {
	loc     geo.Location
	hasLoc  bool
	heading float64
}

// Machine is the recognition state machine of one session. It is not
// safe for concurrent use; the engine serialises every call.
//
// Methods that may transition return the new State and true when a
// transition happened; the caller is responsible for notifying.
type Machine struct {
	cfg Config

	cur         State
	enteredAt   time.Time
	settleSince time.Time
	anchor      *anchor

	nextSnapshot int64
	inflight     int64
}

// NewMachine returns a machine in COLD_START.
func NewMachine(cfg Config, start time.Time) *Machine {
	return &Machine{
		cfg:       cfg,
		cur:       State{ID: ColdStart, Timestamp: start},
		enteredAt: start,
	}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.cur }

// Evaluating reports whether an evaluation is in flight.
func (m *Machine) Evaluating() bool { return m.inflight != 0 }

// InFlight returns the id of the snapshot being evaluated, or 0.
func (m *Machine) InFlight() int64 { return m.inflight }

func (m *Machine) transition(id StateID, p *poi.Poi, snap int64, at time.Time) State {
	if at.Before(m.cur.Timestamp) {
		at = m.cur.Timestamp
	}
	next := State{ID: id, Timestamp: at}
	if id == Recognition && p != nil {
		next.PoiID = p.ClientID
		next.SnapshotID = snap
	}
	m.cur = next
	m.enteredAt = at
	m.settleSince = time.Time{}
	return next
}

func (m *Machine) setAnchor(s sensor.State) {
	a := &anchor{heading: s.Heading}
	if s.HasLocation() && !s.LocationStale {
		a.loc, a.hasLoc = s.Location, true
	}
	m.anchor = a
}

func (m *Machine) badOrientation(s sensor.State) bool {
	if !s.OrientationFresh() {
		return true
	}
	return s.Pitch < m.cfg.MinPitchDeg || s.Pitch > m.cfg.MaxPitchDeg
}

func (m *Machine) moved(s sensor.State) bool {
	if m.anchor == nil {
		return false
	}
	if m.cfg.MotionHeadingDeg > 0 && geo.HeadingDelta(s.Heading, m.anchor.heading) > m.cfg.MotionHeadingDeg {
		return true
	}
	if m.cfg.MotionDistanceM > 0 && m.anchor.hasLoc && s.HasLocation() && !s.LocationStale {
		return m.anchor.loc.DistanceTo(s.Location) > m.cfg.MotionDistanceM
	}
	return false
}

// Observe applies the gating rules to a fused sensor reading.
// shortlistLen is only consulted in COLD_START.
func (m *Machine) Observe(s sensor.State, shortlistLen int) (State, bool) {
	now := s.Timestamp

	if m.cur.ID == ColdStart {
		if !s.HeadingStale && !s.LocationStale && shortlistLen > 0 {
			m.setAnchor(s)
			return m.transition(Search, nil, 0, now), true
		}
		return m.cur, false
	}

	if m.badOrientation(s) {
		if m.cur.ID == BadOrientation {
			m.settleSince = time.Time{}
			return m.cur, false
		}
		return m.transition(BadOrientation, nil, 0, now), true
	}

	switch m.cur.ID {
	case BadOrientation, Moving:
		if m.moved(s) {
			m.setAnchor(s)
			m.settleSince = now
			if m.cur.ID == BadOrientation {
				st := m.transition(Moving, nil, 0, now)
				m.settleSince = now
				return st, true
			}
			return m.cur, false
		}
		if m.settleSince.IsZero() {
			m.settleSince = now
		}
		if now.Sub(m.settleSince) >= m.cfg.SettleDuration {
			m.setAnchor(s)
			return m.transition(Search, nil, 0, now), true
		}
	case Search, Recognition, NoRecognition, NonIndexable:
		if m.moved(s) {
			m.setAnchor(s)
			st := m.transition(Moving, nil, 0, now)
			m.settleSince = now
			return st, true
		}
		if (m.cur.ID == NoRecognition || m.cur.ID == NonIndexable) &&
			now.Sub(m.enteredAt) >= m.cfg.OutcomeHold {
			return m.transition(Search, nil, 0, now), true
		}
	}
	return m.cur, false
}

// CanSnapshot reports why a snapshot would be refused, or nil.
func (m *Machine) CanSnapshot(s sensor.State) error {
	if m.Evaluating() {
		return fmt.Errorf("%w: snapshot %d", ErrEvaluationBusy, m.inflight)
	}
	switch m.cur.ID {
	case ColdStart, Moving, BadOrientation:
		return fmt.Errorf("%w: %s", ErrNotReady, m.cur.ID)
	}
	if s.HeadingStale || s.PitchStale || s.LocationStale {
		return fmt.Errorf("%w: heading=%t pitch=%t location=%t",
			ErrSensorStale, s.HeadingStale, s.PitchStale, s.LocationStale)
	}
	if m.badOrientation(s) {
		return fmt.Errorf("%w: pitch %.1f outside [%.1f,%.1f]",
			ErrNotReady, s.Pitch, m.cfg.MinPitchDeg, m.cfg.MaxPitchDeg)
	}
	return nil
}

// BeginEvaluation reserves the evaluation slot and returns the new
// snapshot id. Outcome states fall back to SEARCH, which is returned as a
// transition.
func (m *Machine) BeginEvaluation(s sensor.State) (id int64, st State, changed bool, err error) {
	if err := m.CanSnapshot(s); err != nil {
		return 0, m.cur, false, err
	}
	m.nextSnapshot++
	m.inflight = m.nextSnapshot
	m.setAnchor(s)
	if m.cur.ID != Search {
		return m.inflight, m.transition(Search, nil, 0, s.Timestamp), true, nil
	}
	return m.inflight, m.cur, false, nil
}

// Decide maps ranked votes to an evaluation outcome.
func (m *Machine) Decide(ranked []Vote, notIndexable bool) (StateID, *poi.Poi) {
	if notIndexable {
		return NonIndexable, nil
	}
	if len(ranked) > 0 && ranked[0].Confidence >= m.cfg.ConfidenceThreshold {
		return Recognition, ranked[0].Poi
	}
	return NoRecognition, nil
}

// CompleteEvaluation releases the slot and applies the outcome. The
// outcome is only applied if the session is still in SEARCH; motion or
// orientation changes during the evaluation win.
func (m *Machine) CompleteEvaluation(id int64, outcome StateID, selected *poi.Poi, at time.Time) (State, bool) {
	if id == 0 || id != m.inflight {
		return m.cur, false
	}
	m.inflight = 0
	if m.cur.ID != Search || !outcome.IsOutcome() {
		return m.cur, false
	}
	return m.transition(outcome, selected, id, at), true
}

// AbortEvaluation releases the slot after a matcher failure. The session
// stays in, or returns to, SEARCH unless gating moved it elsewhere.
func (m *Machine) AbortEvaluation(id int64, at time.Time) (State, bool) {
	if id == 0 || id != m.inflight {
		return m.cur, false
	}
	m.inflight = 0
	if m.cur.ID.IsOutcome() {
		return m.transition(Search, nil, 0, at), true
	}
	return m.cur, false
}

// Reject returns the session to SEARCH.
func (m *Machine) Reject(at time.Time) (State, bool) {
	if m.cur.ID == ColdStart || m.cur.ID == Search {
		return m.cur, false
	}
	return m.transition(Search, nil, 0, at), true
}

// Confirm applies the confirm policy for the recognition of snapshot id.
func (m *Machine) Confirm(id int64, at time.Time) (State, bool) {
	if m.cur.ID != Recognition || m.cur.SnapshotID != id || m.cfg.HoldOnConfirm {
		return m.cur, false
	}
	return m.transition(Search, nil, 0, at), true
}

// Discard releases the slot without applying anything, for results that
// arrive after the live feed they belong to was stopped.
func (m *Machine) Discard(id int64) {
	if id != 0 && id == m.inflight {
		m.inflight = 0
	}
}
