package monitoring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})

	Opsf("live feed started: %s", "sess-1")
	Diagf("cache request %d expired", 7)
	Tracef("dropped; trace stream disabled")

	assert.Contains(t, ops.String(), "[urbo] ")
	assert.Contains(t, ops.String(), "live feed started: sess-1")
	assert.Contains(t, diag.String(), "cache request 7 expired")
	assert.NotContains(t, ops.String(), "trace stream")
	assert.NotContains(t, diag.String(), "trace stream")
}
