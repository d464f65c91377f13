package ptt

import (
	"sync"
	"sync/atomic"
)

// frameClass separates audio frames from control frames for the drop policy.
type frameClass int

const (
	frameControl frameClass = iota
	frameAudio
)

// SubscriberHandle is one connected listener's delivery handle. The broker
// enqueues pre-serialized frames; the transport's write pump drains Frames.
// The handle never blocks the broker: a full queue triggers the configured
// drop policy instead.
//
// Ownership: the broker owns the handle and is the only sender on out.
// The transport only receives from Frames and calls Close on disconnect,
// which posts back to the broker's mailbox.
type SubscriberHandle struct {
	id            uint64
	participantID string
	epoch         int64 // connection epoch, increments per Subscribe of the same participant

	out    chan []byte
	policy string
	maxRun int // consecutive-drop limit under DropNewest

	droppedAudio    atomic.Int64
	droppedControl  atomic.Int64
	consecutiveDrop int // broker goroutine only

	closeOnce sync.Once
	outOnce   sync.Once
	closed    atomic.Bool
	onClose   func(*SubscriberHandle)
}

// Frames is the outbound stream in broker emission order. It is closed when
// the handle is closed; the reader must treat a closed channel as disconnect.
func (h *SubscriberHandle) Frames() <-chan []byte { return h.out }

// ParticipantID returns the owning participant.
func (h *SubscriberHandle) ParticipantID() string { return h.participantID }

// DroppedAudio reports audio frames discarded on this handle, exposed in
// Status responses.
func (h *SubscriberHandle) DroppedAudio() int64 { return h.droppedAudio.Load() }

// Close tears the handle down. Safe to call from any goroutine and
// idempotent; the registered onClose callback posts the unregister to the
// broker mailbox. The frame channel itself is closed later, on the broker
// goroutine, once the handle is unregistered: the broker is the only
// sender, so closing anywhere else would race its broadcasts.
func (h *SubscriberHandle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.onClose != nil {
			h.onClose(h)
		}
	})
}

// closeOut closes the frame channel. Broker goroutine only, and only after
// the handle left the subscriber map, so no send can follow.
func (h *SubscriberHandle) closeOut() {
	h.outOnce.Do(func() {
		h.closed.Store(true)
		close(h.out)
	})
}

// enqueue offers a frame to the handle. Called only from the broker
// goroutine. Returns false if the frame was dropped.
func (h *SubscriberHandle) enqueue(frame []byte, class frameClass) bool {
	if h.closed.Load() {
		return false
	}
	select {
	case h.out <- frame:
		h.consecutiveDrop = 0
		return true
	default:
	}

	// Queue full.
	switch h.policy {
	case DropNewest:
		h.recordDrop(class)
		h.consecutiveDrop++
		if h.consecutiveDrop >= h.maxRun {
			// Fail closed: a subscriber this far behind will not recover.
			h.Close()
		}
		return false
	default: // DropOldest
		// Evict one queued frame, then retry once. The write pump may race
		// us for the eviction; either way a slot frees up or the retry
		// fails and the frame is counted as dropped.
		select {
		case <-h.out:
		default:
		}
		select {
		case h.out <- frame:
			h.consecutiveDrop = 0
			// The evicted frame, not this one, was the loss.
			h.recordDrop(class)
			return true
		default:
			h.recordDrop(class)
			return false
		}
	}
}

func (h *SubscriberHandle) recordDrop(class frameClass) {
	if class == frameAudio {
		h.droppedAudio.Add(1)
	} else {
		h.droppedControl.Add(1)
	}
}
