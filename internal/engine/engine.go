// Package engine is the recognition session facade. It owns the sensor
// aggregator, the POI cache, the state machine and the live-feed
// workers, and delivers notifications to the host's listeners.
//
// Listener callbacks run on a single dispatcher goroutine in the order
// the events were raised. They may call the query methods but must not
// call session-control methods (InitLiveFeed, StopLiveFeed, TakeSnapshot,
// Confirm/Reject/TagSnapshot, Close) synchronously.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/config"
	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
	"github.com/banshee-data/urbo/internal/sensor"
	"github.com/banshee-data/urbo/internal/timeutil"
)

// Listeners are the host's notification callbacks. Any may be nil.
type Listeners struct {
	OnState       func(recognition.State)
	OnSnapshot    func(*recognition.Snapshot)
	OnRecognition func(*recognition.Snapshot)
	OnPoiRequest  func(poi.Request)
	OnError       func(Error)
}

// TagRecorder persists user feedback on snapshots.
type TagRecorder interface {
	RecordTag(ctx context.Context, action string, snap *recognition.Snapshot, res recognition.TagResult) error
	RebindPoi(ctx context.Context, clientID, serverID string) error
}

// Tag actions passed to TagRecorder.
const (
	ActionConfirm = "confirm"
	ActionReject  = "reject"
	ActionTag     = "tag"
)

// Params configures a session.
type Params struct {
	Config    *config.EngineConfig
	Clock     timeutil.Clock
	Matcher   Matcher
	Recorder  TagRecorder
	Listeners Listeners
	// SessionID identifies the session in snapshots; a uuid is generated
	// when empty.
	SessionID string
}

type frameJob struct {
	gen       uint64
	id        int64
	handle    buffer.Handle
	sensors   sensor.State
	shortlist poi.Shortlist
	user      bool
	image     *buffer.Image
}

type snapRecord struct {
	snap     *recognition.Snapshot
	consumed bool
}

// Engine is one recognition session.
type Engine struct {
	cfg       *config.EngineConfig
	clock     timeutil.Clock
	matcher   Matcher
	recorder  TagRecorder
	listeners Listeners
	sessionID string

	sensors *sensor.Aggregator
	cache   *poi.Cache
	metrics *metrics
	disp    *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	evalCh   chan frameJob
	evalDone chan struct{}

	// mu serialises the state machine and the live feed.
	mu        sync.Mutex
	machine   *recognition.Machine
	closed    bool
	live      bool
	pool      *buffer.Pool
	latest    buffer.Handle
	limiter   *rate.Limiter
	frameCh   chan frameJob
	frameDone chan struct{}

	bufferFailures int
	bufferReported bool
	lastSnapshotAt time.Time

	snapshots map[int64]*snapRecord
	history   []int64
}

// New creates a session in COLD_START. Close must be called to release
// its goroutines.
func New(p Params) (*Engine, error) {
	if p.Matcher == nil {
		return nil, fmt.Errorf("engine: nil matcher")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.EmptyEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		matcher:   p.Matcher,
		recorder:  p.Recorder,
		listeners: p.Listeners,
		sessionID: sessionID,
		sensors: sensor.NewAggregator(clock, sensor.Horizons{
			Heading:  cfg.GetHeadingStaleAfter(),
			Pitch:    cfg.GetPitchStaleAfter(),
			Location: cfg.GetLocationStaleAfter(),
		}),
		metrics:   newMetrics(),
		disp:      newDispatcher(),
		ctx:       ctx,
		cancel:    cancel,
		evalCh:    make(chan frameJob, 1),
		evalDone:  make(chan struct{}),
		machine:   recognition.NewMachine(recognition.ConfigFrom(cfg), clock.Now()),
		snapshots: make(map[int64]*snapRecord),
	}
	e.cache = poi.NewCache(clock, poi.Options{
		CellSizeDeg:    cfg.GetCellSizeDeg(),
		CellTTL:        cfg.GetCellTTL(),
		RequestTimeout: cfg.GetRefreshTimeout(),
		RadiusM:        cfg.GetShortlistRadiusM(),
		Ring:           cfg.GetShortlistRing(),
		OnRequest:      e.onPoiRequest,
	})
	go e.runEvalWorker()

	monitoring.Opsf("session %s created", sessionID)
	return e, nil
}

// SessionID returns the session identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// Close stops the live feed, waits for any evaluation, and stops
// notification delivery. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.StopLiveFeed()
	close(e.evalCh)
	e.cancel()
	<-e.evalDone
	e.disp.close()
	monitoring.Opsf("session %s closed", e.sessionID)
	return nil
}

// Flush blocks until every notification raised so far has been
// delivered or dropped.
func (e *Engine) Flush() { e.disp.idle() }

// State returns the current session state.
func (e *Engine) State() recognition.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Current()
}

// Sensors returns the current fused sensor state.
func (e *Engine) Sensors() sensor.State { return e.sensors.Fuse() }

// PushHeading records a compass heading in degrees.
func (e *Engine) PushHeading(deg float64) {
	if e.sensors.PushHeading(deg) {
		e.gate()
	}
}

// PushPitch records the camera pitch in degrees above the horizon.
func (e *Engine) PushPitch(deg float64) {
	if e.sensors.PushPitch(deg) {
		e.gate()
	}
}

// PushLocation records a position fix. A zero accuracy means unknown.
func (e *Engine) PushLocation(lat, lon, accuracy float64) {
	loc := geo.Location{Lat: lat, Lon: lon, Accuracy: accuracy}
	if !e.sensors.PushLocation(loc) {
		return
	}
	e.cache.EnsureFresh(loc)
	e.gate()
}

// CurrentLocation returns the latest location and whether one has been
// pushed.
func (e *Engine) CurrentLocation() (geo.Location, bool) {
	return e.sensors.Location()
}

// PoiShortlist returns the candidates near the current location. It is
// empty while the location is absent or stale.
func (e *Engine) PoiShortlist(sortByDistance bool) poi.Shortlist {
	s := e.sensors.Fuse()
	if !s.HasLocation() || s.LocationStale {
		return nil
	}
	return e.cache.Shortlist(s.Location, sortByDistance)
}

// ForceCacheRefresh invalidates the POI cache and requests the current
// cell.
func (e *Engine) ForceCacheRefresh() (int, error) {
	loc, ok := e.sensors.Location()
	if !ok {
		return 0, fmt.Errorf("%w: no location", ErrSensorStale)
	}
	return e.cache.ForceRefresh(loc), nil
}

// ResolvePoiRequest is the POI source callback. It reports whether the
// candidates were installed.
func (e *Engine) ResolvePoiRequest(id int, loc geo.Location, candidates []poi.Poi) bool {
	if err := e.cache.Install(id, loc, candidates); err != nil {
		e.metrics.cacheRequests.WithLabelValues("expired").Inc()
		monitoring.Diagf("poi request %d: %v", id, err)
		return false
	}
	e.metrics.cacheRequests.WithLabelValues("installed").Inc()
	e.gate()
	return true
}

// FailPoiRequest abandons a request the POI source could not serve.
func (e *Engine) FailPoiRequest(id int) bool {
	if !e.cache.FailRefresh(id) {
		return false
	}
	e.metrics.cacheRequests.WithLabelValues("failed").Inc()
	return true
}

// UpdatePoiID binds a server id to a POI created on the client and
// returns the updated POI.
func (e *Engine) UpdatePoiID(clientID, serverID string) (*poi.Poi, error) {
	p, err := e.cache.UpdatePoiID(clientID, serverID)
	if err != nil {
		return nil, err
	}
	if e.recorder != nil {
		if err := e.recorder.RebindPoi(e.ctx, clientID, serverID); err != nil {
			monitoring.Diagf("rebind %s -> %s: %v", clientID, serverID, err)
		}
	}
	return p, nil
}

// AddLocalPoi registers a POI created outside a snapshot, such as one
// restored from a previous session.
func (e *Engine) AddLocalPoi(p poi.Poi) *poi.Poi { return e.cache.AddLocal(p) }

// LookupPoi returns the cached or local POI with the given client id.
func (e *Engine) LookupPoi(clientID string) *poi.Poi { return e.cache.Lookup(clientID) }

// CacheStats summarises the POI cache.
func (e *Engine) CacheStats() poi.Stats { return e.cache.Stats() }

func (e *Engine) onPoiRequest(req poi.Request) {
	e.metrics.cacheRequests.WithLabelValues("issued").Inc()
	if l := e.listeners.OnPoiRequest; l != nil {
		e.disp.enqueue("poi request", func() { l(req) })
	}
}

// gate runs the cheap gating checks against the latest sensors.
func (e *Engine) gate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live {
		return
	}
	e.observeLocked(e.sensors.Fuse())
}

func (e *Engine) observeLocked(s sensor.State) {
	n := 0
	if e.machine.Current().ID == recognition.ColdStart && s.HasLocation() {
		n = len(e.cache.Shortlist(s.Location, false))
	}
	if st, ok := e.machine.Observe(s, n); ok {
		e.emitStateLocked(st)
	}
}

func (e *Engine) emitStateLocked(st recognition.State) {
	e.metrics.transitions.WithLabelValues(st.ID.String()).Inc()
	monitoring.Diagf("state -> %s", st)
	if l := e.listeners.OnState; l != nil {
		e.disp.enqueue("state", func() { l(st) })
	}
}

func (e *Engine) emitError(kind error, format string, args ...interface{}) {
	ev := Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
	monitoring.Opsf("%v", ev)
	if l := e.listeners.OnError; l != nil {
		e.disp.enqueue("error", func() { l(ev) })
	}
}
