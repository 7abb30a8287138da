package buffer

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/banshee-data/urbo/internal/monitoring"
)

type handleState uint8

const (
	stateLive handleState = iota + 1
	stateReleased
	stateDeleted
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live     int `json:"live"`
	Released int `json:"released"`
	Deleted  int `json:"deleted"`
	Threads  int `json:"threads"`
	Panics   int `json:"panics"`
}

// Pool enforces the buffer lifecycle on top of a Manager.
type Pool struct {
	mgr  Manager
	geom Geometry

	// callMu is held for reading around every Manager call so Shutdown
	// can wait for in-flight callbacks before returning.
	callMu sync.RWMutex

	mu      sync.Mutex
	states  map[Handle]handleState
	closed  bool
	threads int
	panics  int
}

// NewPool wraps mgr. The geometry is read once and fixed for the pool's
// lifetime.
func NewPool(mgr Manager) (*Pool, error) {
	if mgr == nil {
		return nil, fmt.Errorf("nil buffer manager")
	}
	geom := mgr.Geometry()
	if !geom.Valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidGeometry, geom)
	}
	return &Pool{
		mgr:    mgr,
		geom:   geom,
		states: make(map[Handle]handleState),
	}, nil
}

// Geometry returns the fixed frame layout.
func (p *Pool) Geometry() Geometry { return p.geom }

// enter takes the call lock; it returns false once the pool is closed.
func (p *Pool) enter() bool {
	p.callMu.RLock()
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.callMu.RUnlock()
		return false
	}
	return true
}

func (p *Pool) leave() { p.callMu.RUnlock() }

// guard converts a panic in platform code into an error.
func (p *Pool) guard(op string, h Handle, err *error) {
	if r := recover(); r != nil {
		p.mu.Lock()
		p.panics++
		p.mu.Unlock()
		monitoring.Opsf("buffer manager panic in %s(%d): %v", op, h, r)
		if err != nil {
			*err = unavailable(h, fmt.Sprintf("%s panicked", op))
		}
	}
}

// NewBuffer allocates a buffer through the manager and marks it live.
func (p *Pool) NewBuffer() (h Handle, err error) {
	if !p.enter() {
		return 0, ErrPoolClosed
	}
	defer p.leave()
	defer p.guard("NewBuffer", 0, &err)

	h, err = p.mgr.NewBuffer()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBufferUnavailable, err)
	}
	p.mu.Lock()
	p.states[h] = stateLive
	p.mu.Unlock()
	return h, nil
}

// Adopt takes ownership of a frame pushed by the camera. Released
// handles come back to life; deleted handles cannot.
func (p *Pool) Adopt(h Handle) error {
	if h == 0 {
		return unavailable(h, "is the zero handle")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.states[h] == stateDeleted {
		return unavailable(h, "was deleted")
	}
	p.states[h] = stateLive
	return nil
}

// IsLive reports whether h is currently owned by the engine.
func (p *Pool) IsLive(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.states[h] == stateLive
}

// View opens h, passes the raw bytes to fn, and closes h when fn
// returns. fn must not retain the slice.
func (p *Pool) View(h Handle, fn func(raw []byte) error) (err error) {
	if !p.enter() {
		return ErrPoolClosed
	}
	defer p.leave()
	if !p.IsLive(h) {
		return unavailable(h, "is not live")
	}
	defer p.guard("View", h, &err)

	raw, err := p.mgr.Open(h)
	if err != nil {
		return fmt.Errorf("%w: open %d: %v", ErrBufferUnavailable, h, err)
	}
	defer p.mgr.Close(h)
	return fn(raw)
}

// Compress encodes h. It returns nil if the buffer is not live, the pool
// is closed, or the manager fails; it never panics.
func (p *Pool) Compress(h Handle) (img *Image) {
	if !p.enter() {
		return nil
	}
	defer p.leave()
	if !p.IsLive(h) {
		return nil
	}
	defer p.guard("Compress", h, nil)
	return p.mgr.Compress(h)
}

// ReleaseToCamera hands h back to the camera. Releasing a handle that is
// not live is a no-op.
func (p *Pool) ReleaseToCamera(h Handle) {
	if !p.enter() {
		return
	}
	defer p.leave()
	p.mu.Lock()
	if p.states[h] != stateLive {
		p.mu.Unlock()
		return
	}
	p.states[h] = stateReleased
	p.mu.Unlock()

	defer p.guard("ReleaseToCamera", h, nil)
	p.mgr.ReleaseToCamera(h)
}

// Delete destroys h. Deleted handles are never accepted again.
func (p *Pool) Delete(h Handle) {
	if !p.enter() {
		return
	}
	defer p.leave()
	p.mu.Lock()
	if s := p.states[h]; s == stateDeleted || s == 0 {
		p.mu.Unlock()
		return
	}
	p.states[h] = stateDeleted
	p.mu.Unlock()

	defer p.guard("Delete", h, nil)
	p.mgr.Delete(h)
}

// Scope is a registered producer thread. Close must be called from the
// goroutine that called RegisterThread.
type Scope struct {
	pool *Pool
	once sync.Once
}

// RegisterThread pins the calling goroutine to its OS thread and sets up
// the manager's thread-local resources. The returned Scope tears them
// down exactly once.
func (p *Pool) RegisterThread() (s *Scope, err error) {
	if !p.enter() {
		return nil, ErrPoolClosed
	}
	defer p.leave()

	runtime.LockOSThread()
	defer func() {
		if err != nil {
			runtime.UnlockOSThread()
		}
	}()
	defer p.guard("RegisterThread", 0, &err)

	if err := p.mgr.RegisterThread(); err != nil {
		return nil, fmt.Errorf("register thread: %w", err)
	}
	p.mu.Lock()
	p.threads++
	p.mu.Unlock()
	return &Scope{pool: p}, nil
}

// Close releases the thread-local resources and unpins the goroutine.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		p := s.pool
		defer runtime.UnlockOSThread()
		p.mu.Lock()
		p.threads--
		p.mu.Unlock()
		defer p.guard("CloseThread", 0, nil)
		p.mgr.CloseThread()
	})
}

// Shutdown returns every live buffer to the camera and waits for
// in-flight manager calls. No Manager method is invoked by the pool
// afterwards, except CloseThread for scopes still open.
func (p *Pool) Shutdown() {
	p.callMu.Lock()
	defer p.callMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var live []Handle
	for h, s := range p.states {
		if s == stateLive {
			live = append(live, h)
			p.states[h] = stateReleased
		}
	}
	p.closed = true
	threads := p.threads
	p.mu.Unlock()

	for _, h := range live {
		func() {
			defer p.guard("ReleaseToCamera", h, nil)
			p.mgr.ReleaseToCamera(h)
		}()
	}
	if threads > 0 {
		monitoring.Diagf("buffer pool shut down with %d registered threads still open", threads)
	}
}

// Stats returns counts by handle state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Threads: p.threads, Panics: p.panics}
	for _, s := range p.states {
		switch s {
		case stateLive:
			st.Live++
		case stateReleased:
			st.Released++
		case stateDeleted:
			st.Deleted++
		}
	}
	return st
}
