package buffer

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// MemoryManager is an in-process Manager backed by 8-bit luma frames.
// It stands in for the camera in tests and in the replay tool.
type MemoryManager struct {
	geom     Geometry
	capacity int
	quality  int

	mu       sync.Mutex
	next     Handle
	bufs     map[Handle][]byte
	open     map[Handle]int
	threads  int
	released []Handle
}

// NewMemoryManager returns a manager that holds at most capacity buffers
// and encodes JPEG at the given quality.
func NewMemoryManager(geom Geometry, capacity, quality int) *MemoryManager {
	if capacity <= 0 {
		capacity = 4
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &MemoryManager{
		geom:     geom,
		capacity: capacity,
		quality:  quality,
		bufs:     make(map[Handle][]byte),
		open:     make(map[Handle]int),
	}
}

func (m *MemoryManager) Geometry() Geometry { return m.geom }

func (m *MemoryManager) RegisterThread() error {
	m.mu.Lock()
	m.threads++
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) CloseThread() {
	m.mu.Lock()
	if m.threads > 0 {
		m.threads--
	}
	m.mu.Unlock()
}

// Threads returns the number of currently registered threads.
func (m *MemoryManager) Threads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads
}

func (m *MemoryManager) NewBuffer() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bufs) >= m.capacity {
		return 0, fmt.Errorf("%w: %d of %d buffers in use", ErrBufferUnavailable, len(m.bufs), m.capacity)
	}
	m.next++
	m.bufs[m.next] = make([]byte, m.geom.Width*m.geom.Height)
	return m.next, nil
}

// Capture allocates a frame and fills it, the way the camera would before
// pushing it to the engine.
func (m *MemoryManager) Capture(fill func(luma []byte)) (Handle, error) {
	h, err := m.NewBuffer()
	if err != nil {
		return 0, err
	}
	if fill != nil {
		m.mu.Lock()
		fill(m.bufs[h])
		m.mu.Unlock()
	}
	return h, nil
}

func (m *MemoryManager) Open(h Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threads == 0 {
		return nil, fmt.Errorf("open %d: no registered thread", h)
	}
	b, ok := m.bufs[h]
	if !ok {
		return nil, unavailable(h, "is unknown")
	}
	m.open[h]++
	return b, nil
}

func (m *MemoryManager) Close(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[h] > 1 {
		m.open[h]--
		return
	}
	delete(m.open, h)
}

// ReleaseToCamera frees the buffer slot so the camera can reuse it.
func (m *MemoryManager) ReleaseToCamera(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bufs[h]; !ok {
		return
	}
	delete(m.bufs, h)
	delete(m.open, h)
	m.released = append(m.released, h)
}

func (m *MemoryManager) Delete(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bufs, h)
	delete(m.open, h)
}

// Released returns the handles returned to the camera, in order.
func (m *MemoryManager) Released() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.released...)
}

// InUse returns the number of allocated buffers.
func (m *MemoryManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bufs)
}

// Compress rotates the frame upright and encodes it as JPEG.
func (m *MemoryManager) Compress(h Handle) *Image {
	m.mu.Lock()
	raw, ok := m.bufs[h]
	threads := m.threads
	var gray *image.Gray
	if ok {
		gray = image.NewGray(image.Rect(0, 0, m.geom.Width, m.geom.Height))
		copy(gray.Pix, raw)
	}
	m.mu.Unlock()
	if !ok || threads == 0 {
		return nil
	}

	var out image.Image = gray
	// imaging rotates counter-clockwise.
	switch m.geom.Rotation {
	case 90:
		out = imaging.Rotate270(gray)
	case 180:
		out = imaging.Rotate180(gray)
	case 270:
		out = imaging.Rotate90(gray)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(m.quality)); err != nil {
		return nil
	}
	b := out.Bounds()
	return &Image{Format: "jpeg", Width: b.Dx(), Height: b.Dy(), Data: buf.Bytes()}
}
