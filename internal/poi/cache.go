package poi

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/timeutil"
)

// Request is a refresh the external POI source must answer by calling
// ResolveRefresh (or FailRefresh) with the same ID.
type Request struct {
	ID       int          `json:"id"`
	Location geo.Location `json:"location"`
	Cell     geo.Cell     `json:"cell"`
	IssuedAt time.Time    `json:"issued_at"`
}

// Options configures a Cache.
type Options struct {
	CellSizeDeg    float64
	CellTTL        time.Duration
	RequestTimeout time.Duration
	RadiusM        float64
	Ring           int

	// OnRequest is called, outside the cache lock, for every issued
	// request. Coalesced requests do not call it.
	OnRequest func(Request)
}

type entry struct {
	pois        []*Poi
	installedAt time.Time
	requestID   int
	invalidated bool
}

type pending struct {
	Request
}

// Stats summarises the cache for debug routes.
type Stats struct {
	Cells       int `json:"cells"`
	Invalidated int `json:"invalidated"`
	Pending     int `json:"pending"`
	Local       int `json:"local"`
	Pois        int `json:"pois"`
}

// Cache is a location-keyed POI cache populated asynchronously through a
// pending-request table. At most one request is outstanding per cell.
type Cache struct {
	clock timeutil.Clock
	opts  Options

	mu        sync.Mutex
	nextID    int
	cells     map[geo.Cell]*entry
	byCell    map[geo.Cell]*pending
	byID      map[int]*pending
	local     map[string]*Poi
	byServer  map[string]string // server id -> client id
	relevance map[string]int
}

// NewCache returns an empty cache.
func NewCache(clock timeutil.Clock, opts Options) *Cache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.CellSizeDeg <= 0 {
		opts.CellSizeDeg = 0.005
	}
	if opts.Ring < 0 {
		opts.Ring = 0
	}
	return &Cache{
		clock:     clock,
		opts:      opts,
		cells:     make(map[geo.Cell]*entry),
		byCell:    make(map[geo.Cell]*pending),
		byID:      make(map[int]*pending),
		local:     make(map[string]*Poi),
		byServer:  make(map[string]string),
		relevance: make(map[string]int),
	}
}

// CellOf returns the cache cell containing loc.
func (c *Cache) CellOf(loc geo.Location) geo.Cell {
	return geo.CellOf(loc, c.opts.CellSizeDeg)
}

func (c *Cache) expiredLocked(p *pending, now time.Time) bool {
	return c.opts.RequestTimeout > 0 && now.Sub(p.IssuedAt) > c.opts.RequestTimeout
}

func (c *Cache) dropPendingLocked(p *pending) {
	delete(c.byID, p.ID)
	if cur := c.byCell[p.Cell]; cur == p {
		delete(c.byCell, p.Cell)
	}
}

// issueLocked creates a request for cell, superseding any pending one.
func (c *Cache) issueLocked(loc geo.Location, cell geo.Cell, now time.Time) Request {
	if old := c.byCell[cell]; old != nil {
		c.dropPendingLocked(old)
	}
	c.nextID++
	p := &pending{Request{ID: c.nextID, Location: loc, Cell: cell, IssuedAt: now}}
	c.byCell[cell] = p
	c.byID[p.ID] = p
	return p.Request
}

func (c *Cache) notify(req Request) {
	monitoring.Tracef("poi cache: request %d for %s", req.ID, req.Cell)
	if c.opts.OnRequest != nil {
		c.opts.OnRequest(req)
	}
}

// RequestRefresh asks for the cell containing loc. If a live request is
// already pending for that cell its id is returned with issued=false and
// no listener fires.
func (c *Cache) RequestRefresh(loc geo.Location) (id int, issued bool) {
	cell := c.CellOf(loc)
	now := c.clock.Now()

	c.mu.Lock()
	if p := c.byCell[cell]; p != nil && !c.expiredLocked(p, now) {
		c.mu.Unlock()
		return p.ID, false
	}
	req := c.issueLocked(loc, cell, now)
	c.mu.Unlock()

	c.notify(req)
	return req.ID, true
}

// EnsureFresh requests the cell containing loc if it is missing,
// invalidated or older than the cell TTL.
func (c *Cache) EnsureFresh(loc geo.Location) (id int, issued bool) {
	cell := c.CellOf(loc)
	now := c.clock.Now()

	c.mu.Lock()
	e := c.cells[cell]
	fresh := e != nil && !e.invalidated &&
		(c.opts.CellTTL <= 0 || now.Sub(e.installedAt) <= c.opts.CellTTL)
	c.mu.Unlock()
	if fresh {
		return 0, false
	}
	return c.RequestRefresh(loc)
}

// ForceRefresh invalidates every cell and immediately requests the cell
// containing loc, superseding any request pending for it.
func (c *Cache) ForceRefresh(loc geo.Location) int {
	cell := c.CellOf(loc)
	now := c.clock.Now()

	c.mu.Lock()
	for _, e := range c.cells {
		e.invalidated = true
	}
	req := c.issueLocked(loc, cell, now)
	c.mu.Unlock()

	c.notify(req)
	return req.ID
}

// Install places candidates under the cell of loc. It fails with
// ErrCacheRequestExpired when id is unknown, expired, superseded, or was
// issued for a different cell.
func (c *Cache) Install(id int, loc geo.Location, candidates []Poi) error {
	cell := c.CellOf(loc)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.byID[id]
	if p == nil {
		return fmt.Errorf("%w: request %d is unknown", ErrCacheRequestExpired, id)
	}
	if c.expiredLocked(p, now) {
		c.dropPendingLocked(p)
		return fmt.Errorf("%w: request %d timed out", ErrCacheRequestExpired, id)
	}
	if p.Cell != cell {
		return fmt.Errorf("%w: request %d was for %s, resolved for %s", ErrCacheRequestExpired, id, p.Cell, cell)
	}
	c.dropPendingLocked(p)

	pois := make([]*Poi, 0, len(candidates))
	for i := range candidates {
		np := candidates[i].clone()
		switch {
		case np.ID != "" && c.byServer[np.ID] != "":
			np.ClientID = c.byServer[np.ID]
		case np.ID != "":
			np.ClientID = uuid.New().String()
			c.byServer[np.ID] = np.ClientID
		default:
			np.ClientID = uuid.New().String()
		}
		// A local POI that has been synced is now served by its cell.
		if _, ok := c.local[np.ClientID]; ok {
			delete(c.local, np.ClientID)
		}
		pois = append(pois, np)
	}
	c.cells[cell] = &entry{pois: pois, installedAt: now, requestID: id}
	monitoring.Diagf("poi cache: installed %d pois in %s (request %d)", len(pois), cell, id)
	return nil
}

// ResolveRefresh is the request callback for the POI source. It reports
// whether the candidates were installed.
func (c *Cache) ResolveRefresh(id int, loc geo.Location, candidates []Poi) bool {
	if err := c.Install(id, loc, candidates); err != nil {
		monitoring.Diagf("poi cache: %v", err)
		return false
	}
	return true
}

// FailRefresh abandons a pending request so the cell can be requested
// again. It reports whether the request was pending.
func (c *Cache) FailRefresh(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.byID[id]
	if p == nil {
		return false
	}
	c.dropPendingLocked(p)
	return true
}

// Pending reports whether id is an outstanding request.
func (c *Cache) Pending(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.byID[id]
	return p != nil && !c.expiredLocked(p, c.clock.Now())
}

// PendingRequests returns the outstanding requests ordered by id.
func (c *Cache) PendingRequests() []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p.Request)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddLocal registers a POI created on the client. A POI the cache
// already knows is returned as is.
func (c *Cache) AddLocal(p Poi) *Poi {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.ClientID != "" {
		if known := c.lookupLocked(p.ClientID); known != nil {
			return known
		}
	}
	if p.ID != "" {
		if cid := c.byServer[p.ID]; cid != "" {
			if known := c.lookupLocked(cid); known != nil {
				return known
			}
		}
	}
	np := p.clone()
	if np.ClientID == "" {
		np.ClientID = uuid.New().String()
	}
	if np.ID != "" {
		c.byServer[np.ID] = np.ClientID
	}
	c.local[np.ClientID] = np
	return np
}

func (c *Cache) lookupLocked(clientID string) *Poi {
	if p := c.local[clientID]; p != nil {
		return p
	}
	for _, e := range c.cells {
		for _, p := range e.pois {
			if p.ClientID == clientID {
				return p
			}
		}
	}
	return nil
}

// Lookup returns the POI with the given client id, or nil.
func (c *Cache) Lookup(clientID string) *Poi {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(clientID)
}

// UpdatePoiID binds a server id to a local POI and returns the new value.
// Holders of the previous value keep seeing it unchanged.
func (c *Cache) UpdatePoiID(clientID, serverID string) (*Poi, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.local[clientID]
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClientID, clientID)
	}
	np := p.clone()
	if np.ID != "" && c.byServer[np.ID] == clientID {
		delete(c.byServer, np.ID)
	}
	np.ID = serverID
	c.byServer[serverID] = clientID
	c.local[clientID] = np
	if score, ok := c.relevance[p.Key()]; ok {
		c.relevance[np.Key()] += score
		delete(c.relevance, p.Key())
	}
	return np, nil
}

// Feedback records a relevance signal from a confirm, reject or tag.
func (c *Cache) Feedback(p *Poi, positive bool) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if positive {
		c.relevance[p.Key()]++
	} else {
		c.relevance[p.Key()]--
	}
}

// Shortlist returns the candidates within the configured radius of loc,
// drawn from non-invalidated cells around loc and local POIs. It never
// waits for a pending refresh. With sortByDistance the result is in
// non-decreasing distance order, otherwise by relevance.
func (c *Cache) Shortlist(loc geo.Location, sortByDistance bool) Shortlist {
	centre := c.CellOf(loc)

	c.mu.Lock()
	seen := make(map[string]bool)
	var list Shortlist
	add := func(p *Poi) {
		k := p.Key()
		if seen[k] {
			return
		}
		seen[k] = true
		list = append(list, p)
	}
	for _, cell := range centre.Ring(c.opts.Ring) {
		if e := c.cells[cell]; e != nil && !e.invalidated {
			for _, p := range e.pois {
				add(p)
			}
		}
	}
	for _, p := range c.local {
		add(p)
	}
	scores := make(map[string]int, len(list))
	for _, p := range list {
		scores[p.Key()] = c.relevance[p.Key()]
	}
	c.mu.Unlock()

	dists := make([]float64, 0, len(list))
	kept := list[:0]
	for _, p := range list {
		d := loc.DistanceTo(p.Location)
		if c.opts.RadiusM > 0 && d > c.opts.RadiusM {
			continue
		}
		kept = append(kept, p)
		dists = append(dists, d)
	}
	list = kept

	if sortByDistance {
		idx := make([]int, len(dists))
		floats.Argsort(dists, idx)
		out := make(Shortlist, len(idx))
		for i, j := range idx {
			out[i] = list[j]
		}
		return out
	}
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := scores[list[i].Key()], scores[list[j].Key()]
		if si != sj {
			return si > sj
		}
		return list[i].Key() < list[j].Key()
	})
	return list
}

// Stats returns a summary of the cache contents.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Cells: len(c.cells), Pending: len(c.byID), Local: len(c.local)}
	for _, e := range c.cells {
		if e.invalidated {
			st.Invalidated++
		}
		st.Pois += len(e.pois)
	}
	return st
}
