package ptt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBufferOpts() Options {
	return Options{
		ReplayWindow: 5 * time.Second,
		ReplayMemCap: 4 << 20,
		MaxLag:       10,
		LookAhead:    50,
	}.withDefaults()
}

func TestChunkBufferInOrder(t *testing.T) {
	b := newChunkBuffer(testBufferOpts())
	now := time.Now()

	for seq := uint64(1); seq <= 3; seq++ {
		got := b.insert(seq, []byte{byte(seq)}, int64(seq), now)
		assert.Equal(t, chunkStored, got, "seq %d", seq)
	}
	assert.Equal(t, uint64(4), b.expected)
	assert.Equal(t, int64(3), b.accepted)
	assert.Equal(t, int64(0), b.missing())
}

func TestChunkBufferGapThenFill(t *testing.T) {
	b := newChunkBuffer(testBufferOpts())
	now := time.Now()

	require.Equal(t, chunkStored, b.insert(1, []byte("a"), 1, now))
	require.Equal(t, chunkStored, b.insert(3, []byte("c"), 3, now))
	// Gap at 2: expected stays put, the out-of-order chunk is held.
	assert.Equal(t, uint64(2), b.expected)

	require.Equal(t, chunkStored, b.insert(2, []byte("b"), 2, now))
	// Filling the gap advances through the contiguous prefix.
	assert.Equal(t, uint64(4), b.expected)
	assert.Equal(t, int64(0), b.missing())
	assert.Equal(t, 0.0, b.lossRate())
}

func TestChunkBufferDuplicate(t *testing.T) {
	b := newChunkBuffer(testBufferOpts())
	now := time.Now()

	require.Equal(t, chunkStored, b.insert(1, []byte("a"), 1, now))
	assert.Equal(t, chunkDuplicate, b.insert(1, []byte("a"), 1, now))
	assert.Equal(t, int64(1), b.accepted, "duplicate must not change totals")

	// A sequence below expected that expired out of the buffer is still a
	// duplicate, not an error.
	b.chunks = map[uint64]storedChunk{}
	assert.Equal(t, chunkDuplicate, b.insert(1, []byte("a"), 1, now))
}

func TestChunkBufferTooOld(t *testing.T) {
	opts := testBufferOpts()
	opts.MaxLag = 10
	b := newChunkBuffer(opts)
	now := time.Now()

	for seq := uint64(1); seq <= 20; seq++ {
		require.Equal(t, chunkStored, b.insert(seq, []byte("x"), int64(seq), now))
	}
	require.Equal(t, uint64(21), b.expected)

	// expected-maxLag == 11: sequence 10 is strictly below the floor.
	assert.Equal(t, chunkTooOld, b.insert(10, []byte("x"), 10, now))
	// The floor itself is tolerated (here: an idempotent duplicate).
	assert.Equal(t, chunkDuplicate, b.insert(11, []byte("x"), 11, now))
}

func TestChunkBufferMissingCount(t *testing.T) {
	b := newChunkBuffer(testBufferOpts())
	now := time.Now()

	b.insert(1, []byte("a"), 1, now)
	b.insert(2, []byte("b"), 2, now)
	b.insert(5, []byte("e"), 5, now)

	assert.Equal(t, int64(2), b.missing(), "3 and 4 never arrived")
	assert.InDelta(t, 0.4, b.lossRate(), 1e-9)
}

func TestChunkBufferSweepExpiry(t *testing.T) {
	opts := testBufferOpts()
	opts.ReplayWindow = time.Second
	b := newChunkBuffer(opts)
	start := time.Now()

	b.insert(1, []byte("a"), 1, start)
	b.insert(2, []byte("b"), 2, start.Add(600*time.Millisecond))

	removed := b.sweep(start.Add(1100 * time.Millisecond))
	assert.Equal(t, 1, removed)

	chunks := b.replay(start.Add(1100 * time.Millisecond))
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(2), chunks[0].Sequence)
	// Expiry does not rewrite history: totals still count chunk 1.
	assert.Equal(t, int64(2), b.accepted)
}

func TestChunkBufferTooNew(t *testing.T) {
	b := newChunkBuffer(testBufferOpts())
	now := time.Now()

	require.Equal(t, chunkStored, b.insert(1, []byte("a"), 1, now))

	// A wild sequence far past the look-ahead horizon is rejected outright;
	// accepting it would make every later chunk look like loss.
	assert.Equal(t, chunkTooNew, b.insert(uint64(1)<<60, []byte("x"), 2, now))
	assert.Equal(t, uint64(1), b.maxSeen)
	assert.Equal(t, int64(1), b.accepted)
	assert.Equal(t, int64(0), b.missing())

	// The horizon itself is still inside the window.
	assert.Equal(t, chunkStored, b.insert(b.expected+b.lookAhead, []byte("y"), 3, now))
	assert.Equal(t, chunkTooNew, b.insert(b.expected+b.lookAhead+1, []byte("z"), 4, now))
}

func TestChunkBufferInsertSweepsExpired(t *testing.T) {
	opts := testBufferOpts()
	opts.ReplayWindow = time.Second
	opts.ReplayMemCap = 2048
	b := newChunkBuffer(opts)
	start := time.Now()

	payload := make([]byte, 1024)
	require.Equal(t, chunkStored, b.insert(1, payload, 1, start))

	// By now chunk 1 is past its window. It must stop counting against the
	// cap, so both fresh chunks fit without any eviction.
	later := start.Add(2 * time.Second)
	require.Equal(t, chunkStored, b.insert(2, payload, 2, later))
	require.Equal(t, chunkStored, b.insert(3, payload, 3, later))

	assert.Equal(t, int64(2048), b.bytes)
	chunks := b.replay(later)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(2), chunks[0].Sequence)
	assert.Equal(t, uint64(3), chunks[1].Sequence)
}

func TestChunkBufferMemCapEvictsOldest(t *testing.T) {
	opts := testBufferOpts()
	opts.ReplayMemCap = 2048
	b := newChunkBuffer(opts)
	now := time.Now()

	payload := make([]byte, 1024)
	b.insert(1, payload, 1, now)
	b.insert(2, payload, 2, now)
	b.insert(3, payload, 3, now)

	assert.LessOrEqual(t, b.bytes, int64(2048))
	chunks := b.replay(now)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(2), chunks[0].Sequence)
	assert.Equal(t, uint64(3), chunks[1].Sequence)
}

func TestChunkBufferReplayOrder(t *testing.T) {
	b := newChunkBuffer(testBufferOpts())
	now := time.Now()

	for _, seq := range []uint64{5, 1, 3, 2, 4} {
		b.insert(seq, []byte{byte(seq)}, int64(seq), now)
	}
	chunks := b.replay(now)
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Sequence)
	}
}
