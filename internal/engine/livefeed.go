package engine

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/recognition"
)

// InitLiveFeed starts the producer pipeline on frames from mgr.
func (e *Engine) InitLiveFeed(mgr buffer.Manager) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.live {
		return ErrAlreadyLive
	}
	pool, err := buffer.NewPool(mgr)
	if err != nil {
		return fmt.Errorf("init live feed: %w", err)
	}

	limit := rate.Inf
	if fps := e.cfg.GetFrameGateFPS(); fps > 0 {
		limit = rate.Limit(fps)
	}
	e.pool = pool
	e.limiter = rate.NewLimiter(limit, 1)
	e.latest = 0
	e.bufferFailures = 0
	e.bufferReported = false
	e.frameCh = make(chan frameJob, 1)
	e.frameDone = make(chan struct{})
	e.live = true
	go e.runFrameWorker(pool, e.frameCh, e.frameDone)

	g := pool.Geometry()
	monitoring.Opsf("live feed started: %dx%d rotation %d", g.Width, g.Height, g.Rotation)
	return nil
}

// StopLiveFeed stops the producer pipeline. When it returns the buffer
// manager will not be called again and no listener fires for events
// raised before the stop; an evaluation still running is discarded when
// it completes.
func (e *Engine) StopLiveFeed() {
	e.mu.Lock()
	if !e.live {
		e.mu.Unlock()
		return
	}
	e.live = false
	pool, frameCh, done := e.pool, e.frameCh, e.frameDone
	e.pool, e.frameCh, e.frameDone = nil, nil, nil
	e.latest = 0
	close(frameCh)
	e.mu.Unlock()

	<-done
	pool.Shutdown()
	e.disp.bump()
	monitoring.Opsf("live feed stopped")
}

// Live reports whether the live feed is running.
func (e *Engine) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// PushFrame hands a camera frame to the engine. The engine keeps only the
// most recent frame; the previous one goes back to the camera. Gating
// runs at most frame_gate_fps times per second.
func (e *Engine) PushFrame(h buffer.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live {
		e.metrics.framesDropped.WithLabelValues("not_live").Inc()
		monitoring.Tracef("frame %d pushed while not live", h)
		return
	}
	if err := e.pool.Adopt(h); err != nil {
		e.bufferFailureLocked(err)
		return
	}
	e.bufferFailures = 0
	e.bufferReported = false

	if prev := e.latest; prev != 0 && prev != h {
		e.pool.ReleaseToCamera(prev)
		e.metrics.framesDropped.WithLabelValues("superseded").Inc()
	}
	e.latest = h

	now := e.clock.Now()
	if !e.limiter.AllowN(now, 1) {
		return
	}
	s := e.sensors.Fuse()
	e.observeLocked(s)

	if iv := e.cfg.GetAutoSnapshotInterval(); iv > 0 {
		cur := e.machine.Current()
		if cur.ID == recognition.Search && !e.machine.Evaluating() &&
			now.Sub(cur.Timestamp) >= iv && now.Sub(e.lastSnapshotAt) >= iv {
			if err := e.takeSnapshotLocked(false); err != nil {
				monitoring.Tracef("auto snapshot: %v", err)
			}
		}
	}
}

// bufferFailureLocked counts a BufferUnavailable and surfaces it once the
// run of failures reaches the configured limit.
func (e *Engine) bufferFailureLocked(err error) {
	e.metrics.framesDropped.WithLabelValues("buffer_unavailable").Inc()
	e.bufferFailures++
	monitoring.Diagf("buffer failure %d: %v", e.bufferFailures, err)
	if e.bufferFailures >= e.cfg.GetBufferFailureLimit() && !e.bufferReported {
		e.bufferReported = true
		e.emitError(ErrBufferUnavailable, "%d consecutive buffer failures, last: %v", e.bufferFailures, err)
	}
}

// runFrameWorker is the registered producer thread: it compresses the
// captured frame of each snapshot and returns the buffer to the camera.
func (e *Engine) runFrameWorker(pool *buffer.Pool, jobs <-chan frameJob, done chan<- struct{}) {
	defer close(done)

	scope, err := pool.RegisterThread()
	if err != nil {
		monitoring.Opsf("frame worker: %v", err)
		for job := range jobs {
			pool.ReleaseToCamera(job.handle)
			e.abortEvaluation(job, err)
		}
		return
	}
	defer scope.Close()

	for job := range jobs {
		img := pool.Compress(job.handle)
		pool.ReleaseToCamera(job.handle)
		if img == nil {
			e.abortEvaluation(job, fmt.Errorf("%w: compress %d returned nothing", ErrBufferUnavailable, job.handle))
			continue
		}
		monitoring.Tracef("snapshot %d: %d byte %s", job.id, len(img.Data), img.Format)
		job.image = img
		e.evalCh <- job
	}
}
