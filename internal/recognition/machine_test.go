package recognition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/urbo/internal/config"
	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/sensor"
)

var (
	t0   = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	home = geo.Location{Lat: 48.8584, Lon: 2.2945}
)

func testConfig() Config {
	return Config{
		MinPitchDeg:         -30,
		MaxPitchDeg:         60,
		MotionDistanceM:     10,
		MotionHeadingDeg:    25,
		SettleDuration:      600 * time.Millisecond,
		OutcomeHold:         2 * time.Second,
		ConfidenceThreshold: 0.6,
	}
}

func fresh(at time.Time, heading, pitch float64, loc geo.Location) sensor.State {
	return sensor.State{
		Heading: heading, Pitch: pitch, Location: loc,
		HeadingAt: at, PitchAt: at, LocationAt: at,
		Timestamp: at,
	}
}

// searching returns a machine that has left COLD_START at t0.
func searching(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m := NewMachine(cfg, t0)
	st, ok := m.Observe(fresh(t0, 90, 0, home), 3)
	require.True(t, ok)
	require.Equal(t, Search, st.ID)
	return m
}

func TestStateIDString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "COLD_START", ColdStart.String())
	assert.Equal(t, "BAD_ORIENTATION", BadOrientation.String())
	assert.Equal(t, "StateID(42)", StateID(42).String())
	assert.True(t, NonIndexable.IsOutcome())
	assert.False(t, Moving.IsOutcome())
}

func TestConfigFromDefaults(t *testing.T) {
	t.Parallel()
	cfg := ConfigFrom(config.EmptyEngineConfig())
	assert.Equal(t, 0.6, cfg.ConfidenceThreshold)
	assert.False(t, cfg.HoldOnConfirm)

	hold := config.ConfirmPolicyHold
	c := config.EmptyEngineConfig()
	c.ConfirmPolicy = &hold
	assert.True(t, ConfigFrom(c).HoldOnConfirm)
}

func TestColdStartRequiresFreshSensorsAndShortlist(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig(), t0)

	_, ok := m.Observe(fresh(t0, 90, 0, home), 0)
	assert.False(t, ok, "empty shortlist")

	s := fresh(t0, 90, 0, home)
	s.LocationStale = true
	_, ok = m.Observe(s, 3)
	assert.False(t, ok, "stale location")

	s = fresh(t0, 90, 200, home) // pitch is not required to leave cold start
	s.PitchStale = true
	st, ok := m.Observe(s, 3)
	require.True(t, ok)
	assert.Equal(t, Search, st.ID)
}

func TestColdStartNeverReentered(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	at := t0
	inputs := []sensor.State{
		fresh(at, 90, 80, home),
		fresh(at, 90, 0, geo.Location{}),
		{Timestamp: at, HeadingStale: true, PitchStale: true, LocationStale: true},
		fresh(at, 270, 0, geo.Location{Lat: 10, Lon: 10}),
	}
	for i := 0; i < 40; i++ {
		at = at.Add(100 * time.Millisecond)
		s := inputs[i%len(inputs)]
		s.Timestamp = at
		st, _ := m.Observe(s, 0)
		assert.NotEqual(t, ColdStart, st.ID)
		m.Reject(at)
		assert.NotEqual(t, ColdStart, m.Current().ID)
	}
}

func TestBadOrientationAndSettle(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())

	at := t0.Add(time.Second)
	st, ok := m.Observe(fresh(at, 90, 75, home), 0)
	require.True(t, ok)
	assert.Equal(t, BadOrientation, st.ID)

	err := m.CanSnapshot(fresh(at, 90, 75, home))
	assert.ErrorIs(t, err, ErrNotReady)
	_, _, _, err = m.BeginEvaluation(fresh(at, 90, 75, home))
	assert.ErrorIs(t, err, ErrNotReady)

	at = at.Add(100 * time.Millisecond)
	_, ok = m.Observe(fresh(at, 90, 10, home), 0)
	assert.False(t, ok, "settle starts")
	at = at.Add(500 * time.Millisecond)
	_, ok = m.Observe(fresh(at, 90, 10, home), 0)
	assert.False(t, ok)
	at = at.Add(100 * time.Millisecond)
	st, ok = m.Observe(fresh(at, 90, 10, home), 0)
	require.True(t, ok)
	assert.Equal(t, Search, st.ID)
}

func TestStaleOrientationIsBad(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	s := fresh(t0.Add(time.Second), 90, 0, home)
	s.PitchStale = true
	st, ok := m.Observe(s, 0)
	require.True(t, ok)
	assert.Equal(t, BadOrientation, st.ID)
}

func TestMotionGate(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())

	at := t0.Add(time.Second)
	_, ok := m.Observe(fresh(at, 100, 0, home), 0)
	assert.False(t, ok, "10 degree turn is under the threshold")

	at = at.Add(100 * time.Millisecond)
	walked := geo.Location{Lat: home.Lat + 0.0002, Lon: home.Lon} // ~22m
	st, ok := m.Observe(fresh(at, 90, 0, walked), 0)
	require.True(t, ok)
	assert.Equal(t, Moving, st.ID)
	assert.ErrorIs(t, m.CanSnapshot(fresh(at, 90, 0, walked)), ErrNotReady)

	// Still walking: settle restarts.
	at = at.Add(500 * time.Millisecond)
	further := geo.Location{Lat: walked.Lat + 0.0002, Lon: walked.Lon}
	_, ok = m.Observe(fresh(at, 90, 0, further), 0)
	assert.False(t, ok)
	at = at.Add(500 * time.Millisecond)
	_, ok = m.Observe(fresh(at, 90, 0, further), 0)
	assert.False(t, ok)
	at = at.Add(100 * time.Millisecond)
	st, ok = m.Observe(fresh(at, 90, 0, further), 0)
	require.True(t, ok)
	assert.Equal(t, Search, st.ID)

	at = at.Add(100 * time.Millisecond)
	st, ok = m.Observe(fresh(at, 130, 0, further), 0)
	require.True(t, ok)
	assert.Equal(t, Moving, st.ID, "heading swing")
}

func TestEvaluationRecognition(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	eiffel := &poi.Poi{ClientID: "c1", ID: "eiffel"}
	louvre := &poi.Poi{ClientID: "c2", ID: "louvre"}

	at := t0.Add(time.Second)
	s := fresh(at, 90, 0, home)
	id, _, changed, err := m.BeginEvaluation(s)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), id)
	assert.True(t, m.Evaluating())

	_, _, _, err = m.BeginEvaluation(s)
	assert.ErrorIs(t, err, ErrEvaluationBusy)

	ranked := RankVotes([]Vote{{Poi: louvre, Confidence: 0.3}, {Poi: eiffel, Confidence: 0.9}})
	outcome, sel := m.Decide(ranked, false)
	assert.Equal(t, Recognition, outcome)
	assert.Same(t, eiffel, sel)

	st, ok := m.CompleteEvaluation(id, outcome, sel, at.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, State{ID: Recognition, PoiID: "c1", SnapshotID: 1, Timestamp: at.Add(time.Second)}, st)
	assert.False(t, m.Evaluating())

	_, ok = m.Observe(fresh(at.Add(10*time.Second), 90, 0, home), 0)
	assert.False(t, ok, "recognition holds while stable")

	st, ok = m.Confirm(id, at.Add(11*time.Second))
	require.True(t, ok)
	assert.Equal(t, Search, st.ID)
}

func TestConfirmHoldPolicy(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HoldOnConfirm = true
	m := searching(t, cfg)
	p := &poi.Poi{ClientID: "c1"}

	id, _, _, err := m.BeginEvaluation(fresh(t0, 90, 0, home))
	require.NoError(t, err)
	m.CompleteEvaluation(id, Recognition, p, t0)
	_, ok := m.Confirm(id, t0)
	assert.False(t, ok)
	assert.Equal(t, Recognition, m.Current().ID)

	st, ok := m.Reject(t0)
	require.True(t, ok)
	assert.Equal(t, Search, st.ID)
}

func TestDecideOutcomes(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig(), t0)
	p := &poi.Poi{ClientID: "c"}

	out, sel := m.Decide(RankVotes([]Vote{{Poi: p, Confidence: 0.99}}), true)
	assert.Equal(t, NonIndexable, out)
	assert.Nil(t, sel)

	out, _ = m.Decide(RankVotes([]Vote{{Poi: p, Confidence: 0.59}}), false)
	assert.Equal(t, NoRecognition, out)

	out, _ = m.Decide(nil, false)
	assert.Equal(t, NoRecognition, out)

	out, sel = m.Decide(RankVotes([]Vote{{Poi: p, Confidence: 0.6}}), false)
	assert.Equal(t, Recognition, out)
	assert.Same(t, p, sel)
}

func TestOutcomeHoldReturnsToSearch(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	id, _, _, err := m.BeginEvaluation(fresh(t0, 90, 0, home))
	require.NoError(t, err)
	st, ok := m.CompleteEvaluation(id, NoRecognition, nil, t0)
	require.True(t, ok)
	assert.Equal(t, NoRecognition, st.ID)
	assert.Empty(t, st.PoiID)

	_, ok = m.Observe(fresh(t0.Add(time.Second), 90, 0, home), 0)
	assert.False(t, ok)
	st, ok = m.Observe(fresh(t0.Add(2*time.Second), 90, 0, home), 0)
	require.True(t, ok)
	assert.Equal(t, Search, st.ID)
}

func TestSnapshotFromOutcomeStateReturnsToSearch(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	id, _, _, _ := m.BeginEvaluation(fresh(t0, 90, 0, home))
	m.CompleteEvaluation(id, NonIndexable, nil, t0)

	id2, st, changed, err := m.BeginEvaluation(fresh(t0, 90, 0, home))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Search, st.ID)
	assert.Equal(t, int64(2), id2)
}

func TestOutcomeDroppedAfterMotion(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	id, _, _, err := m.BeginEvaluation(fresh(t0, 90, 0, home))
	require.NoError(t, err)

	_, ok := m.Observe(fresh(t0.Add(100*time.Millisecond), 180, 0, home), 0)
	require.True(t, ok)

	_, ok = m.CompleteEvaluation(id, Recognition, &poi.Poi{ClientID: "x"}, t0.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, Moving, m.Current().ID)
	assert.False(t, m.Evaluating())
}

func TestStaleCompletionIgnored(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	_, ok := m.CompleteEvaluation(7, Recognition, &poi.Poi{}, t0)
	assert.False(t, ok)
	_, ok = m.AbortEvaluation(0, t0)
	assert.False(t, ok)

	id, _, _, _ := m.BeginEvaluation(fresh(t0, 90, 0, home))
	_, ok = m.AbortEvaluation(id, t0)
	assert.False(t, ok, "already in SEARCH")
	assert.False(t, m.Evaluating())
}

func TestCanSnapshotStaleSensors(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	s := fresh(t0, 90, 0, home)
	s.LocationStale = true
	assert.ErrorIs(t, m.CanSnapshot(s), ErrSensorStale)
}

func TestTimestampsMonotonic(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	st, ok := m.Observe(fresh(t0.Add(-time.Hour), 90, 80, home), 0)
	require.True(t, ok)
	assert.Equal(t, t0, st.Timestamp)
}

func TestRankVotes(t *testing.T) {
	t.Parallel()
	a := &poi.Poi{ID: "a"}
	b := &poi.Poi{ID: "b"}
	c := &poi.Poi{ID: "c"}
	got := RankVotes([]Vote{
		{Poi: c, Confidence: 0.5},
		{Poi: b, Confidence: 1.7},
		{Poi: nil, Confidence: 0.9},
		{Poi: a, Confidence: 0.5},
		{Poi: a, Confidence: -1},
	})
	require.Len(t, got, 4)
	assert.Equal(t, []string{"s:b", "s:a", "s:c", "s:a"},
		[]string{got[0].Poi.Key(), got[1].Poi.Key(), got[2].Poi.Key(), got[3].Poi.Key()})
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Equal(t, 0.0, got[3].Confidence)
}

func TestDiscardReleasesSlotWithoutTransition(t *testing.T) {
	t.Parallel()
	m := searching(t, testConfig())
	id, _, _, err := m.BeginEvaluation(fresh(t0, 90, 0, home))
	require.NoError(t, err)

	m.Discard(id + 1)
	assert.True(t, m.Evaluating())
	m.Discard(id)
	assert.False(t, m.Evaluating())
	assert.Equal(t, Search, m.Current().ID)
}
