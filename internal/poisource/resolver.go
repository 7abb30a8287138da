package poisource

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/timeutil"
)

// Target receives fetched candidates. *engine.Engine implements it.
type Target interface {
	ResolvePoiRequest(id int, loc geo.Location, candidates []poi.Poi) bool
	FailPoiRequest(id int) bool
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// RadiusM is passed to the source; the cache filters again.
	RadiusM float64
	// MaxAttempts per request, at least 1.
	MaxAttempts int
	// Backoff is the first retry delay; it doubles per attempt unless the
	// source supplies RetryAfter.
	Backoff time.Duration
	// RequestsPerSecond throttles fetches; zero means unlimited.
	RequestsPerSecond float64
	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration
}

// Resolver turns cache refresh requests into source fetches. Requests
// are handled one at a time; a newer request supersedes a queued one,
// which is failed so the cache drops its pending slot.
type Resolver struct {
	src     Source
	target  Target
	clock   timeutil.Clock
	opts    ResolverOptions
	limiter *rate.Limiter

	mu      sync.Mutex
	next    *poi.Request
	wake    chan struct{}
	handled int
	failed  int
}

// NewResolver returns a resolver feeding target from src.
func NewResolver(src Source, target Target, clock timeutil.Clock, opts ResolverOptions) *Resolver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Resolver{
		src:     src,
		target:  target,
		clock:   clock,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue schedules req. A request still waiting in the queue is failed
// back to the target so its cell can be requested again. Enqueue never
// blocks, so it can be installed as the engine's OnPoiRequest listener.
func (r *Resolver) Enqueue(req poi.Request) {
	r.mu.Lock()
	old := r.next
	r.next = &req
	if old != nil && old.ID != req.ID {
		r.failed++
	}
	r.mu.Unlock()
	if old != nil && old.ID != req.ID {
		monitoring.Tracef("poi request %d superseded by %d", old.ID, req.ID)
		r.target.FailPoiRequest(old.ID)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stats returns how many requests were resolved and failed.
func (r *Resolver) Stats() (handled, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled, r.failed
}

func (r *Resolver) take() (poi.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == nil {
		return poi.Request{}, false
	}
	req := *r.next
	r.next = nil
	return req, true
}

func (r *Resolver) superseded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next != nil
}

// Run serves requests until ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		req, ok := r.take()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
				continue
			}
		}
		if err := r.resolve(ctx, req); err != nil {
			return err
		}
	}
}

func (r *Resolver) resolve(ctx context.Context, req poi.Request) error {
	delay := r.opts.Backoff
	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
		resp, err := r.src.Fetch(fctx, req.Location, r.opts.RadiusM)
		cancel()
		if err == nil {
			ok := r.target.ResolvePoiRequest(req.ID, req.Location, resp.Pois)
			monitoring.Diagf("poi request %d: %d candidates (installed=%t)", req.ID, len(resp.Pois), ok)
			r.mu.Lock()
			r.handled++
			r.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			monitoring.Diagf("poi request %d attempt %d timed out", req.ID, attempt)
		} else {
			monitoring.Diagf("poi request %d attempt %d: %v", req.ID, attempt, err)
		}
		if attempt >= r.opts.MaxAttempts || r.superseded() {
			r.target.FailPoiRequest(req.ID)
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
			monitoring.Opsf("poi request %d failed after %d attempts: %v", req.ID, attempt, err)
			return nil
		}

		wait := delay
		if resp.RetryAfter > 0 {
			wait = resp.RetryAfter
		}
		delay *= 2
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}
