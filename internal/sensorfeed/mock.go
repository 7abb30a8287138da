package sensorfeed

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errPortClosed = errors.New("sensor port closed")

// TestPort is an in-memory Porter. Reads block until data is added, the
// port is ended with EOF, or it is closed.
type TestPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	read    bytes.Buffer
	written bytes.Buffer
	eof     bool
	closed  bool

	// WriteError is returned by the next Write when set.
	WriteError error
}

// NewTestPort returns a port preloaded with data.
func NewTestPort(data string) *TestPort {
	p := &TestPort{}
	p.cond = sync.NewCond(&p.mu)
	p.read.WriteString(data)
	return p
}

func (p *TestPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.read.Len() == 0 && !p.eof && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	if p.read.Len() == 0 {
		return 0, io.EOF
	}
	return p.read.Read(b)
}

func (p *TestPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.written.Write(b)
}

func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddLine queues a line for reading.
func (p *TestPort) AddLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read.WriteString(line + "\n")
	p.cond.Broadcast()
}

// End makes reads return EOF once the queued data is consumed.
func (p *TestPort) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.cond.Broadcast()
}

// Written returns everything written to the port.
func (p *TestPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}
