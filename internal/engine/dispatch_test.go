package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	t.Parallel()
	d := newDispatcher()
	defer d.close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		d.enqueue("n", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.idle()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDispatcherDropsOlderGeneration(t *testing.T) {
	t.Parallel()
	d := newDispatcher()
	defer d.close()

	block := make(chan struct{})
	started := make(chan struct{})
	fired := make(chan string, 4)
	d.enqueue("first", func() {
		close(started)
		<-block
		fired <- "first"
	})
	d.enqueue("stale", func() { fired <- "stale" })
	<-started

	bumped := make(chan struct{})
	go func() {
		d.bump()
		close(bumped)
	}()
	select {
	case <-bumped:
		t.Fatal("bump returned while a callback was running")
	default:
	}
	close(block)
	<-bumped

	d.enqueue("fresh", func() { fired <- "fresh" })
	d.idle()
	close(fired)

	var names []string
	for n := range fired {
		names = append(names, n)
	}
	assert.Equal(t, []string{"first", "fresh"}, names)
}

func TestDispatcherSurvivesPanickingListener(t *testing.T) {
	t.Parallel()
	d := newDispatcher()
	defer d.close()

	ok := false
	d.enqueue("boom", func() { panic("listener bug") })
	d.enqueue("after", func() { ok = true })
	d.idle()
	assert.True(t, ok)

	d.close()
	d.enqueue("closed", func() { t.Error("delivered after close") })
	d.idle()
}
