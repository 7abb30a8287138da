package buffer

import (
	"errors"
	"fmt"
)

// Handle is an opaque reference to a platform frame buffer. The zero
// value never refers to a buffer.
type Handle uint64

// Geometry is the fixed frame layout of a pool.
type Geometry struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Rotation int `json:"rotation"` // clockwise degrees: 0, 90, 180 or 270
}

// Valid reports whether the geometry can describe a frame.
func (g Geometry) Valid() bool {
	if g.Width <= 0 || g.Height <= 0 {
		return false
	}
	switch g.Rotation {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// Image is a platform-encoded still produced by Compress.
type Image struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"-"`
}

var (
	// ErrBufferUnavailable is returned when the pool is exhausted or the
	// buffer has been released or deleted.
	ErrBufferUnavailable = errors.New("buffer unavailable")
	// ErrPoolClosed is returned by every operation after Shutdown.
	ErrPoolClosed = errors.New("buffer pool shut down")
	// ErrInvalidGeometry is returned when a manager reports an unusable layout.
	ErrInvalidGeometry = errors.New("invalid frame geometry")
)

// Manager is the per-platform buffer capability. Implementations are
// selected when the live feed is initialised.
//
// Open and Close bracket raw access from a goroutine that has called
// RegisterThread; the slice returned by Open must not be retained past
// Close. Compress returns nil when the buffer is invalid.
type Manager interface {
	Geometry() Geometry
	RegisterThread() error
	CloseThread()
	Open(h Handle) ([]byte, error)
	Close(h Handle)
	NewBuffer() (Handle, error)
	ReleaseToCamera(h Handle)
	Delete(h Handle)
	Compress(h Handle) *Image
}

func unavailable(h Handle, why string) error {
	return fmt.Errorf("%w: handle %d %s", ErrBufferUnavailable, h, why)
}
