package buffer

import (
	"bytes"
	"errors"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, rot int) (*Pool, *MemoryManager) {
	t.Helper()
	mgr := NewMemoryManager(Geometry{Width: 8, Height: 4, Rotation: rot}, 3, 80)
	p, err := NewPool(mgr)
	require.NoError(t, err)
	return p, mgr
}

func TestGeometryValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Geometry{Width: 1, Height: 1}.Valid())
	assert.True(t, Geometry{Width: 640, Height: 480, Rotation: 270}.Valid())
	assert.False(t, Geometry{Width: 0, Height: 1}.Valid())
	assert.False(t, Geometry{Width: 1, Height: 1, Rotation: 45}.Valid())
}

func TestNewPoolRejectsBadGeometry(t *testing.T) {
	t.Parallel()
	_, err := NewPool(NewMemoryManager(Geometry{Width: -1, Height: 4}, 1, 90))
	require.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = NewPool(nil)
	require.Error(t, err)
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)

	for i := 0; i < 3; i++ {
		_, err := p.NewBuffer()
		require.NoError(t, err)
	}
	_, err := p.NewBuffer()
	require.ErrorIs(t, err, ErrBufferUnavailable)
	assert.Equal(t, 3, mgr.InUse())
	assert.Equal(t, 3, p.Stats().Live)
}

func TestCompressRequiresRegisteredThread(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)
	h, err := mgr.Capture(func(b []byte) {
		for i := range b {
			b[i] = byte(i * 7)
		}
	})
	require.NoError(t, err)
	require.NoError(t, p.Adopt(h))

	assert.Nil(t, p.Compress(h), "no thread registered yet")

	scope, err := p.RegisterThread()
	require.NoError(t, err)
	defer scope.Close()

	img := p.Compress(h)
	require.NotNil(t, img)
	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 4, img.Height)

	decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, 8, decoded.Bounds().Dx())
}

func TestCompressRotates(t *testing.T) {
	t.Parallel()
	for _, rot := range []int{90, 270} {
		p, mgr := newTestPool(t, rot)
		h, err := mgr.Capture(nil)
		require.NoError(t, err)
		require.NoError(t, p.Adopt(h))
		scope, err := p.RegisterThread()
		require.NoError(t, err)

		img := p.Compress(h)
		require.NotNil(t, img)
		assert.Equal(t, 4, img.Width, "rotation %d", rot)
		assert.Equal(t, 8, img.Height, "rotation %d", rot)
		scope.Close()
	}
}

func TestCompressInvalidHandleReturnsNil(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, 0)
	scope, err := p.RegisterThread()
	require.NoError(t, err)
	defer scope.Close()

	assert.Nil(t, p.Compress(0))
	assert.Nil(t, p.Compress(42))
}

func TestReleaseIsIdempotentAndRevivable(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)
	h, err := mgr.Capture(nil)
	require.NoError(t, err)
	require.NoError(t, p.Adopt(h))

	p.ReleaseToCamera(h)
	p.ReleaseToCamera(h)
	assert.Equal(t, []Handle{h}, mgr.Released())
	assert.False(t, p.IsLive(h))

	// The camera may push the same handle again.
	require.NoError(t, p.Adopt(h))
	assert.True(t, p.IsLive(h))
}

func TestDeletedHandleIsNeverAdopted(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, 0)
	h, err := p.NewBuffer()
	require.NoError(t, err)

	p.Delete(h)
	err = p.Adopt(h)
	require.ErrorIs(t, err, ErrBufferUnavailable)
	assert.Equal(t, 1, p.Stats().Deleted)
	assert.Error(t, p.Adopt(0))
}

func TestViewScopesOpenAndClose(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)
	h, err := mgr.Capture(func(b []byte) { b[0] = 9 })
	require.NoError(t, err)
	require.NoError(t, p.Adopt(h))

	scope, err := p.RegisterThread()
	require.NoError(t, err)
	defer scope.Close()

	var first byte
	require.NoError(t, p.View(h, func(raw []byte) error {
		first = raw[0]
		return nil
	}))
	assert.Equal(t, byte(9), first)

	mgr.mu.Lock()
	assert.Empty(t, mgr.open)
	mgr.mu.Unlock()

	sentinel := errors.New("boom")
	assert.ErrorIs(t, p.View(h, func([]byte) error { return sentinel }), sentinel)
}

func TestScopeCloseOnce(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)
	scope, err := p.RegisterThread()
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.Threads())

	scope.Close()
	scope.Close()
	assert.Equal(t, 0, mgr.Threads())
	assert.Equal(t, 0, p.Stats().Threads)
}

func TestShutdownReleasesLiveBuffers(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)
	h1, _ := mgr.Capture(nil)
	h2, _ := mgr.Capture(nil)
	require.NoError(t, p.Adopt(h1))
	require.NoError(t, p.Adopt(h2))
	p.ReleaseToCamera(h1)

	p.Shutdown()
	p.Shutdown()

	assert.ElementsMatch(t, []Handle{h1, h2}, mgr.Released())
	assert.Equal(t, 0, mgr.InUse())

	_, err := p.NewBuffer()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.Adopt(h1), ErrPoolClosed)
	assert.Nil(t, p.Compress(h2))
	_, err = p.RegisterThread()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

type panickyManager struct {
	*MemoryManager
}

func (panickyManager) Compress(Handle) *Image { panic("driver fault") }

func TestCompressRecoversManagerPanic(t *testing.T) {
	t.Parallel()
	mgr := panickyManager{NewMemoryManager(Geometry{Width: 2, Height: 2}, 1, 90)}
	p, err := NewPool(mgr)
	require.NoError(t, err)
	h, err := p.NewBuffer()
	require.NoError(t, err)

	assert.NotPanics(t, func() { assert.Nil(t, p.Compress(h)) })
	assert.Equal(t, 1, p.Stats().Panics)
}

func TestShutdownWaitsForInflightCalls(t *testing.T) {
	t.Parallel()
	p, mgr := newTestPool(t, 0)
	h, _ := mgr.Capture(nil)
	require.NoError(t, p.Adopt(h))
	scope, err := p.RegisterThread()
	require.NoError(t, err)
	defer scope.Close()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.View(h, func([]byte) error {
			close(entered)
			<-unblock
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned while a view was in flight")
	default:
	}
	close(unblock)
	wg.Wait()
	<-done
	assert.Equal(t, 0, mgr.InUse())
}
