package ptt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandle(depth int, policy string, maxRun int) *SubscriberHandle {
	return &SubscriberHandle{
		id:            1,
		participantID: "p1",
		out:           make(chan []byte, depth),
		policy:        policy,
		maxRun:        maxRun,
	}
}

func TestHandleEnqueueAndDrain(t *testing.T) {
	h := newTestHandle(4, DropOldest, 3)

	require.True(t, h.enqueue([]byte("one"), frameControl))
	require.True(t, h.enqueue([]byte("two"), frameAudio))

	assert.Equal(t, "one", string(<-h.Frames()))
	assert.Equal(t, "two", string(<-h.Frames()))
	assert.Equal(t, int64(0), h.DroppedAudio())
}

func TestHandleDropOldestKeepsFresh(t *testing.T) {
	h := newTestHandle(2, DropOldest, 3)

	h.enqueue([]byte("a"), frameAudio)
	h.enqueue([]byte("b"), frameAudio)
	// Full queue: the oldest frame is evicted, the fresh one gets in.
	assert.True(t, h.enqueue([]byte("c"), frameAudio))

	assert.Equal(t, int64(1), h.DroppedAudio())
	assert.Equal(t, "b", string(<-h.Frames()))
	assert.Equal(t, "c", string(<-h.Frames()))
}

func TestHandleDropNewestFailsClosed(t *testing.T) {
	h := newTestHandle(1, DropNewest, 3)
	closed := false
	h.onClose = func(*SubscriberHandle) { closed = true }

	require.True(t, h.enqueue([]byte("a"), frameAudio))
	for i := 0; i < 3; i++ {
		assert.False(t, h.enqueue([]byte("late"), frameAudio))
	}

	assert.True(t, closed, "three consecutive drops must close the handle")
	assert.Equal(t, int64(3), h.DroppedAudio())

	// The frame channel closes on the broker side once the handle is
	// unregistered; buffered frames still drain, then EOF.
	h.closeOut()
	frame, ok := <-h.Frames()
	require.True(t, ok)
	assert.Equal(t, "a", string(frame))
	_, ok = <-h.Frames()
	assert.False(t, ok)
}

func TestHandleCloseIdempotent(t *testing.T) {
	h := newTestHandle(1, DropOldest, 3)
	calls := 0
	h.onClose = func(*SubscriberHandle) { calls++ }

	h.Close()
	h.Close()
	assert.Equal(t, 1, calls)

	assert.False(t, h.enqueue([]byte("x"), frameControl), "closed handle rejects frames")

	h.closeOut()
	h.closeOut()
	_, ok := <-h.Frames()
	assert.False(t, ok)
}

func TestHandleCloseDuringEnqueue(t *testing.T) {
	h := newTestHandle(1, DropOldest, 3)

	// A disconnecting transport calls Close while the broker goroutine is
	// mid-broadcast. The sender side must never observe a closed channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			h.enqueue([]byte("frame"), frameAudio)
		}
	}()

	time.Sleep(time.Millisecond)
	h.Close()
	<-done

	h.closeOut()
	for range h.Frames() {
	}
}
