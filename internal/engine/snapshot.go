package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
)

// TakeSnapshot starts an evaluation of the latest frame. It returns false
// when the engine is busy or not ready; the reason is logged.
func (e *Engine) TakeSnapshot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeSnapshotLocked(true); err != nil {
		monitoring.Diagf("take snapshot refused: %v", err)
		return false
	}
	return true
}

func (e *Engine) takeSnapshotLocked(user bool) error {
	if !e.live {
		return ErrNotLive
	}
	s := e.sensors.Fuse()
	e.observeLocked(s)
	if err := e.machine.CanSnapshot(s); err != nil {
		return err
	}
	h := e.latest
	if h == 0 || !e.pool.IsLive(h) {
		err := fmt.Errorf("%w: no frame captured", ErrBufferUnavailable)
		e.bufferFailureLocked(err)
		return err
	}

	id, st, changed, err := e.machine.BeginEvaluation(s)
	if err != nil {
		return err
	}
	if changed {
		e.emitStateLocked(st)
	}

	job := frameJob{
		gen:       e.disp.generation(),
		id:        id,
		handle:    h,
		sensors:   s,
		shortlist: e.cache.Shortlist(s.Location, true),
		user:      user,
	}
	select {
	case e.frameCh <- job:
	default:
		e.machine.Discard(id)
		return fmt.Errorf("%w: frame worker backlog", ErrEvaluationBusy)
	}
	// The frame now belongs to the snapshot.
	e.latest = 0
	e.lastSnapshotAt = s.Timestamp
	monitoring.Diagf("snapshot %d started (user=%t, %d candidates)", id, user, len(job.shortlist))
	return nil
}

func (e *Engine) runEvalWorker() {
	defer close(e.evalDone)
	for job := range e.evalCh {
		req := MatchRequest{
			SnapshotID: job.id,
			Image:      job.image,
			Sensors:    job.sensors,
			Shortlist:  job.shortlist,
		}
		start := e.clock.Now()
		res, err := e.match(req)
		e.metrics.matcherLatency.Observe(e.clock.Since(start).Seconds())
		if err != nil {
			e.abortEvaluation(job, fmt.Errorf("%w: %v", ErrMatcherFailure, err))
			continue
		}
		e.finishEvaluation(job, res)
	}
}

// match calls the matcher with the configured timeout. A matcher that
// ignores its context is abandoned, not waited for.
func (e *Engine) match(req MatchRequest) (MatchResult, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.GetMatcherTimeout())
	defer cancel()

	type reply struct {
		res MatchResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("matcher panic: %v", r)}
			}
		}()
		res, err := e.matcher.Match(ctx, req)
		ch <- reply{res, err}
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return MatchResult{}, ctx.Err()
	}
}

// current reports whether a job still belongs to the running live feed.
func (e *Engine) currentLocked(job frameJob) bool {
	return e.live && job.gen == e.disp.generation()
}

func (e *Engine) abortEvaluation(job frameJob, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(job) {
		e.machine.Discard(job.id)
		e.metrics.snapshots.WithLabelValues("discarded").Inc()
		monitoring.Diagf("snapshot %d discarded after stop: %v", job.id, cause)
		return
	}
	if st, ok := e.machine.AbortEvaluation(job.id, e.clock.Now()); ok {
		e.emitStateLocked(st)
	}
	switch {
	case errors.Is(cause, ErrMatcherFailure):
		e.metrics.snapshots.WithLabelValues("matcher_failure").Inc()
		e.emitError(ErrMatcherFailure, "snapshot %d: %v", job.id, cause)
	case errors.Is(cause, ErrBufferUnavailable):
		e.metrics.snapshots.WithLabelValues("buffer_unavailable").Inc()
		e.bufferFailureLocked(cause)
	default:
		e.metrics.snapshots.WithLabelValues("failed").Inc()
		e.emitError(ErrBufferUnavailable, "snapshot %d: %v", job.id, cause)
	}
}

func (e *Engine) finishEvaluation(job frameJob, res MatchResult) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(job) {
		e.machine.Discard(job.id)
		e.metrics.snapshots.WithLabelValues("discarded").Inc()
		monitoring.Diagf("snapshot %d result discarded after stop", job.id)
		return
	}

	ranked := recognition.RankVotes(res.Votes)
	outcome, selected := e.machine.Decide(ranked, res.NotIndexable)
	snap := &recognition.Snapshot{
		ID:              job.id,
		ClientTimestamp: now,
		Sensors:         job.sensors,
		SessionID:       e.sessionID,
		Shortlist:       job.shortlist,
		Votes:           ranked,
		Selected:        selected,
		Outcome:         outcome,
		Image:           job.image,
		UserInitiated:   job.user,
	}
	e.rememberLocked(snap)

	st, applied := e.machine.CompleteEvaluation(job.id, outcome, selected, now)
	if applied {
		e.emitStateLocked(st)
	}
	e.metrics.snapshots.WithLabelValues(outcome.String()).Inc()
	monitoring.Diagf("snapshot %d: %s with %d votes (applied=%t)", job.id, outcome, len(ranked), applied)

	if l := e.listeners.OnSnapshot; l != nil {
		e.disp.enqueue("snapshot", func() { l(snap) })
	}
	if applied && outcome == recognition.Recognition {
		if l := e.listeners.OnRecognition; l != nil {
			e.disp.enqueue("recognition", func() { l(snap) })
		}
	}
}

func (e *Engine) rememberLocked(snap *recognition.Snapshot) {
	e.snapshots[snap.ID] = &snapRecord{snap: snap}
	e.history = append(e.history, snap.ID)
	for len(e.history) > e.cfg.GetSnapshotHistory() {
		delete(e.snapshots, e.history[0])
		e.history = e.history[1:]
	}
}

// Snapshot returns a recent snapshot by id.
func (e *Engine) Snapshot(id int64) (*recognition.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.snapshots[id]
	if rec == nil {
		return nil, false
	}
	return rec.snap, true
}

// consumeLocked marks snap as used by a confirm, reject or tag.
func (e *Engine) consumeLocked(snap *recognition.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil", ErrUnknownSnapshot)
	}
	rec := e.snapshots[snap.ID]
	if rec == nil || rec.snap != snap {
		return fmt.Errorf("%w: %d", ErrUnknownSnapshot, snap.ID)
	}
	if rec.consumed {
		return fmt.Errorf("%w: %d", ErrSnapshotConsumed, snap.ID)
	}
	rec.consumed = true
	return nil
}

// ConfirmRecognition accepts the machine's selection for snap.
func (e *Engine) ConfirmRecognition(snap *recognition.Snapshot) (recognition.TagResult, error) {
	e.mu.Lock()
	if snap != nil && snap.Selected == nil {
		e.mu.Unlock()
		return recognition.TagResult{}, fmt.Errorf("%w: snapshot %d", ErrNoSelection, snap.ID)
	}
	if err := e.consumeLocked(snap); err != nil {
		e.mu.Unlock()
		return recognition.TagResult{}, err
	}
	if st, ok := e.machine.Confirm(snap.ID, e.clock.Now()); ok {
		e.emitStateLocked(st)
	}
	e.mu.Unlock()

	res := recognition.TagResult{Poi: snap.Selected, IsIndex: true, UserFeedback: true}
	e.cache.Feedback(snap.Selected, true)
	e.record(ActionConfirm, snap, res)
	return res, nil
}

// RejectRecognition tells the engine the selection for snap was wrong
// and returns the session to SEARCH.
func (e *Engine) RejectRecognition(snap *recognition.Snapshot) error {
	e.mu.Lock()
	if err := e.consumeLocked(snap); err != nil {
		e.mu.Unlock()
		return err
	}
	if st, ok := e.machine.Reject(e.clock.Now()); ok {
		e.emitStateLocked(st)
	}
	e.mu.Unlock()

	e.cache.Feedback(snap.Selected, false)
	e.record(ActionReject, snap, recognition.TagResult{Poi: snap.Selected, UserFeedback: true})
	return nil
}

// TagSnapshot labels snap with p regardless of the machine's selection.
// A nil p asserts that no POI is in the frame. POIs the cache does not
// know are registered as local POIs. The session state is not changed.
func (e *Engine) TagSnapshot(snap *recognition.Snapshot, p *poi.Poi) (recognition.TagResult, error) {
	e.mu.Lock()
	err := e.consumeLocked(snap)
	e.mu.Unlock()
	if err != nil {
		return recognition.TagResult{}, err
	}

	var tagged *poi.Poi
	if p != nil {
		tagged = e.cache.AddLocal(*p)
		e.cache.Feedback(tagged, true)
	}
	if snap.Selected != nil && snap.Selected.Key() != tagged.Key() {
		e.cache.Feedback(snap.Selected, false)
	}
	res := recognition.TagResult{
		Poi:          tagged,
		IsIndex:      tagged != nil && snap.Outcome != recognition.NonIndexable,
		UserFeedback: true,
	}
	e.record(ActionTag, snap, res)
	return res, nil
}

func (e *Engine) record(action string, snap *recognition.Snapshot, res recognition.TagResult) {
	e.metrics.tags.WithLabelValues(action).Inc()
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTag(e.ctx, action, snap, res); err != nil {
		monitoring.Opsf("record %s of snapshot %d: %v", action, snap.ID, err)
	}
}
