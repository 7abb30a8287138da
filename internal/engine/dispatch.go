package engine

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/urbo/internal/monitoring"
)

type event struct {
	gen  uint64
	name string
	fire func()
}

// dispatcher delivers listener callbacks from one goroutine in enqueue
// order. Events carry the generation they were raised in and are dropped
// if the generation has moved on by delivery time.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []event
	pending int
	closed  bool
	done    chan struct{}

	// deliverMu is held across each callback so bump can wait for the
	// one in progress.
	deliverMu sync.Mutex
	gen       atomic.Uint64
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) generation() uint64 { return d.gen.Load() }

func (d *dispatcher) enqueue(name string, fire func()) {
	if fire == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, event{gen: d.gen.Load(), name: name, fire: fire})
	d.pending++
	d.cond.Broadcast()
}

// bump starts a new generation. When it returns no event from an older
// generation is being delivered or will be.
func (d *dispatcher) bump() {
	d.deliverMu.Lock()
	d.gen.Add(1)
	d.deliverMu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(ev)

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.cond.Broadcast()
		}
		d.mu.Unlock()
	}
}

func (d *dispatcher) deliver(ev event) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if ev.gen != d.gen.Load() {
		monitoring.Tracef("dispatch: dropped %s from generation %d", ev.name, ev.gen)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			monitoring.Opsf("%s listener panicked: %v", ev.name, r)
		}
	}()
	ev.fire()
}

// close delivers what is already queued and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

// idle blocks until every queued callback has returned.
func (d *dispatcher) idle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 && !d.closed {
		d.cond.Wait()
	}
}
