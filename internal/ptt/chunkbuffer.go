package ptt

import (
	"sort"
	"time"
)

// chunkAccept classifies a TxChunk against the sequencing policy.
type chunkAccept int

const (
	chunkStored chunkAccept = iota // new chunk, broadcast it
	chunkDuplicate                 // already held or already consumed, ack silently
	chunkTooOld                    // behind expected-MaxLag, reject
	chunkTooNew                    // past expected+LookAhead, reject
)

type storedChunk struct {
	payload     []byte
	sizeBytes   int
	timestampMs int64
	receivedAt  time.Time
	expiresAt   time.Time
}

// chunkBuffer is the bounded, time-indexed replay buffer for one
// transmission plus the expected-sequence cursor. Only the owning broker
// goroutine touches it, so there is no locking here.
//
// Policy (tolerant-with-gap):
//   - sequence == expected: accept, advance past the longest contiguous
//     prefix already held (bounded by lookAhead)
//   - sequence > expected: accept and hold the gap, up to expected+lookAhead
//   - duplicate: idempotent ack, no re-broadcast
//   - sequence < expected-maxLag: reject as too_old
//   - sequence > expected+lookAhead: reject as invalid; accepting it would
//     poison maxSeen and the loss accounting for the rest of the session
type chunkBuffer struct {
	chunks   map[uint64]storedChunk
	expected uint64 // next sequence the transmitter should send
	maxSeen  uint64 // highest sequence ever accepted
	accepted int64  // distinct chunks accepted over the session
	bytes    int64  // current in-buffer payload bytes

	window    time.Duration
	memCap    int64
	maxLag    uint64
	lookAhead uint64
}

func newChunkBuffer(opts Options) *chunkBuffer {
	return &chunkBuffer{
		chunks:    make(map[uint64]storedChunk),
		expected:  1,
		window:    opts.ReplayWindow,
		memCap:    opts.ReplayMemCap,
		maxLag:    opts.MaxLag,
		lookAhead: opts.LookAhead,
	}
}

// insert applies the acceptance policy to one chunk. The caller broadcasts
// only on chunkStored.
func (b *chunkBuffer) insert(seq uint64, payload []byte, timestampMs int64, now time.Time) chunkAccept {
	// Expired entries must not count against the memory cap, so sweep before
	// sizing the new chunk in.
	b.sweep(now)

	// Too old: strictly below the lag floor. expected-maxLag itself is still
	// accepted (as duplicate or stored).
	if b.expected > b.maxLag && seq < b.expected-b.maxLag {
		return chunkTooOld
	}
	if seq > b.expected+b.lookAhead {
		return chunkTooNew
	}
	if _, held := b.chunks[seq]; held {
		return chunkDuplicate
	}
	// A sequence below expected that is not in the buffer was already
	// consumed (or expired); treat as idempotent duplicate, not an error.
	if seq < b.expected {
		return chunkDuplicate
	}

	b.chunks[seq] = storedChunk{
		payload:     payload,
		sizeBytes:   len(payload),
		timestampMs: timestampMs,
		receivedAt:  now,
		expiresAt:   now.Add(b.window),
	}
	b.bytes += int64(len(payload))
	b.accepted++
	if seq > b.maxSeen {
		b.maxSeen = seq
	}

	// Advance expected past the longest contiguous prefix now present.
	limit := b.expected + b.lookAhead
	for b.expected <= limit {
		if _, ok := b.chunks[b.expected]; !ok {
			break
		}
		b.expected++
	}

	b.enforceMemCap()
	return chunkStored
}

// sweep drops chunks whose expiration has passed. Runs on the broker's
// housekeeping tick and at the top of every insert.
func (b *chunkBuffer) sweep(now time.Time) int {
	removed := 0
	for seq, c := range b.chunks {
		if !c.expiresAt.After(now) {
			b.bytes -= int64(c.sizeBytes)
			delete(b.chunks, seq)
			removed++
		}
	}
	return removed
}

// enforceMemCap evicts oldest chunks first until the buffer fits the cap.
// Eviction here is earlier than expiration; replay completeness yields to
// the memory bound.
func (b *chunkBuffer) enforceMemCap() {
	if b.bytes <= b.memCap {
		return
	}
	seqs := b.sortedSeqs()
	for _, seq := range seqs {
		if b.bytes <= b.memCap {
			break
		}
		c := b.chunks[seq]
		b.bytes -= int64(c.sizeBytes)
		delete(b.chunks, seq)
	}
}

// replay returns the live chunks in ascending sequence order for a late
// joiner. Expired entries are swept first so a subscriber never sees a
// chunk past its window.
func (b *chunkBuffer) replay(now time.Time) []AudioChunkPayload {
	b.sweep(now)
	seqs := b.sortedSeqs()
	out := make([]AudioChunkPayload, 0, len(seqs))
	for _, seq := range seqs {
		c := b.chunks[seq]
		out = append(out, AudioChunkPayload{
			Sequence:    seq,
			AudioData:   c.payload,
			SizeBytes:   c.sizeBytes,
			TimestampMs: c.timestampMs,
		})
	}
	return out
}

func (b *chunkBuffer) sortedSeqs() []uint64 {
	seqs := make([]uint64, 0, len(b.chunks))
	for seq := range b.chunks {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// missing reports how many sequences in [1, maxSeen] were never accepted.
func (b *chunkBuffer) missing() int64 {
	m := int64(b.maxSeen) - b.accepted
	if m < 0 {
		return 0
	}
	return m
}

// lossRate is missing/maxSeen, 0.0 when nothing was ever sent.
func (b *chunkBuffer) lossRate() float64 {
	if b.maxSeen == 0 {
		return 0
	}
	return float64(b.missing()) / float64(b.maxSeen)
}
