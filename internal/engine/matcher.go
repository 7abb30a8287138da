package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
	"github.com/banshee-data/urbo/internal/sensor"
)

// MatchRequest is what the vision backend sees of a snapshot.
type MatchRequest struct {
	SnapshotID int64
	Image      *buffer.Image
	Sensors    sensor.State
	Shortlist  poi.Shortlist
}

// MatchResult is either a set of votes or a NotIndexable verdict (blur,
// darkness, duplicate frame).
type MatchResult struct {
	Votes        []recognition.Vote
	NotIndexable bool
}

// Matcher is the external vision backend. Match must honour ctx; the
// engine abandons calls that outlive the configured timeout.
type Matcher interface {
	Match(ctx context.Context, req MatchRequest) (MatchResult, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ctx context.Context, req MatchRequest) (MatchResult, error)

func (f MatcherFunc) Match(ctx context.Context, req MatchRequest) (MatchResult, error) {
	return f(ctx, req)
}

// ScriptedMatcher votes from a fixed table of per-POI confidences keyed
// by server id (or client id for local POIs). Only shortlisted POIs are
// voted for. It backs the replay tool and tests.
type ScriptedMatcher struct {
	mu           sync.Mutex
	confidence   map[string]float64
	notIndexable bool
	calls        int
}

// NewScriptedMatcher returns a matcher with the given confidences.
func NewScriptedMatcher(confidence map[string]float64) *ScriptedMatcher {
	m := &ScriptedMatcher{confidence: make(map[string]float64, len(confidence))}
	for k, v := range confidence {
		m.confidence[k] = v
	}
	return m
}

// Set changes the confidence for one POI id.
func (m *ScriptedMatcher) Set(id string, confidence float64) {
	m.mu.Lock()
	m.confidence[id] = confidence
	m.mu.Unlock()
}

// SetNotIndexable makes every following match report an unusable frame.
func (m *ScriptedMatcher) SetNotIndexable(v bool) {
	m.mu.Lock()
	m.notIndexable = v
	m.mu.Unlock()
}

// Calls returns the number of Match calls so far.
func (m *ScriptedMatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *ScriptedMatcher) Match(ctx context.Context, req MatchRequest) (MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return MatchResult{}, err
	}
	if req.Image == nil {
		return MatchResult{}, fmt.Errorf("snapshot %d has no image", req.SnapshotID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.notIndexable {
		return MatchResult{NotIndexable: true}, nil
	}
	var res MatchResult
	for _, p := range req.Shortlist {
		id := p.ID
		if id == "" {
			id = p.ClientID
		}
		if c, ok := m.confidence[id]; ok {
			res.Votes = append(res.Votes, recognition.Vote{Poi: p, Confidence: c, Score: c * 100})
		}
	}
	return res, nil
}
