// Package sensorfeed reads heading, pitch and location samples from a
// sensor bridge (a serial port or a recorded trace) and pushes them into
// a recognition session. Raw lines can be tailed by several subscribers.
package sensorfeed

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/timeutil"
)

var ErrWriteFailed = errors.New("failed to write to sensor port")

// Sink receives parsed readings. *engine.Engine implements it.
type Sink interface {
	PushHeading(deg float64)
	PushPitch(deg float64)
	PushLocation(lat, lon, accuracy float64)
}

// Stats counts what the feed has read.
type Stats struct {
	Lines    int `json:"lines"`
	Samples  int `json:"samples"`
	Rejected int `json:"rejected"`
}

// Feed multiplexes one sensor port.
type Feed[T Porter] struct {
	port  T
	sink  Sink
	clock timeutil.Clock

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	commandMu    sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	closingMu sync.Mutex
	closing   bool
}

// NewFeed returns a feed over port that pushes into sink. clock paces
// recorded traces and may be nil.
func NewFeed[T Porter](port T, sink Sink, clock timeutil.Clock) *Feed[T] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Feed[T]{
		port:        port,
		sink:        sink,
		clock:       clock,
		subscribers: make(map[string]chan string),
	}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of raw lines and its id for Unsubscribe.
// Slow subscribers miss lines rather than stall the feed.
func (f *Feed[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	f.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscriber.
func (f *Feed[T]) Unsubscribe(id string) {
	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	if ch, ok := f.subscribers[id]; ok {
		close(ch)
		delete(f.subscribers, id)
	}
}

// SendCommand writes a newline-terminated command to the bridge, for
// example "rate=10" to change its output rate.
func (f *Feed[T]) SendCommand(command string) error {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n"
	}
	n, err := f.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Stats returns the line counters.
func (f *Feed[T]) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

// Inject handles line as if it had been read from the port.
func (f *Feed[T]) Inject(ctx context.Context, line string) error {
	return f.handle(ctx, line)
}

func (f *Feed[T]) handle(ctx context.Context, line string) error {
	s, ok, err := ParseSample(line)

	f.statsMu.Lock()
	f.stats.Lines++
	switch {
	case err != nil:
		f.stats.Rejected++
	case ok:
		f.stats.Samples++
	}
	f.statsMu.Unlock()

	f.broadcast(line)
	if err != nil {
		monitoring.Tracef("sensor line rejected: %v", err)
		return err
	}
	if !ok {
		return nil
	}

	if d := s.Delay(); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(d):
		}
	}
	if s.Heading != nil {
		f.sink.PushHeading(*s.Heading)
	}
	if s.Pitch != nil {
		f.sink.PushPitch(*s.Pitch)
	}
	if s.Lat != nil {
		acc := 0.0
		if s.Accuracy != nil {
			acc = *s.Accuracy
		}
		f.sink.PushLocation(*s.Lat, *s.Lon, acc)
	}
	return nil
}

func (f *Feed[T]) broadcast(line string) {
	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Monitor reads lines until ctx is done, the port reaches EOF, or the
// feed is closed. Malformed lines are counted and skipped.
func (f *Feed[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(f.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs apart from the loop so cancellation is
	// noticed while the port is idle.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if f.isClosing() {
				return nil
			}
			return fmt.Errorf("sensor port: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !f.isClosing() {
						return fmt.Errorf("sensor port: %w", err)
					}
				default:
				}
				monitoring.Opsf("sensor feed ended after %d lines", f.Stats().Lines)
				return nil
			}
			if f.isClosing() {
				return nil
			}
			if err := f.handle(ctx, line); errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
		}
	}
}

func (f *Feed[T]) isClosing() bool {
	f.closingMu.Lock()
	defer f.closingMu.Unlock()
	return f.closing
}

// Close drops every subscriber and closes the port.
func (f *Feed[T]) Close() error {
	f.closingMu.Lock()
	f.closing = true
	f.closingMu.Unlock()

	f.subscriberMu.Lock()
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
	f.subscriberMu.Unlock()
	return f.port.Close()
}
