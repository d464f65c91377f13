package ptt

import "time"

// Drop policies for a subscriber's outbound queue when it is full.
const (
	// DropOldest evicts the oldest queued frame to make room. Preferred for
	// voice: late audio is worthless, fresh audio keeps the stream usable.
	DropOldest = "drop_oldest"
	// DropNewest fails closed: the new frame is discarded and the handle is
	// closed after MaxConsecutiveDrops consecutive discards.
	DropNewest = "drop_newest"
)

// Options are the per-broker tunables. Zero values are replaced by the
// defaults below in withDefaults, so a zero Options is usable in tests.
type Options struct {
	// MaxDuration is the hard ceiling on one transmission. The broker
	// installs a force-end timer at TxStart.
	MaxDuration time.Duration

	// IdleTimeout force-ends a transmission that stops producing chunks.
	IdleTimeout time.Duration

	// MaxChunkSize is the largest accepted TxChunk payload in bytes.
	MaxChunkSize int

	// MaxLag rejects chunks older than expected-MaxLag as too_old.
	MaxLag uint64

	// LookAhead bounds how far the expected cursor advances through a
	// contiguous prefix in one step.
	LookAhead uint64

	// ReplayWindow is how long a received chunk stays available for
	// late-joiner replay.
	ReplayWindow time.Duration

	// ReplayMemCap bounds the replay buffer per transmission. When hit,
	// the oldest in-buffer chunks are evicted before their expiration.
	ReplayMemCap int64

	// SubscriberQueueDepth is the outbound frame queue per handle.
	SubscriberQueueDepth int

	// DropPolicy is DropOldest or DropNewest.
	DropPolicy string

	// MaxConsecutiveDrops closes a handle under DropNewest.
	MaxConsecutiveDrops int

	// PresenceTimeout removes participants not seen by any verb or
	// heartbeat for this long.
	PresenceTimeout time.Duration

	// SweepInterval is the housekeeping tick: buffer expiration, idle
	// watchdog, presence sweep. Must be <= 1s for replay correctness.
	SweepInterval time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxDuration:          30 * time.Second,
		IdleTimeout:          3 * time.Second,
		MaxChunkSize:         64 * 1024,
		MaxLag:               10,
		LookAhead:            50,
		ReplayWindow:         5 * time.Second,
		ReplayMemCap:         4 << 20,
		SubscriberQueueDepth: 256,
		DropPolicy:           DropOldest,
		MaxConsecutiveDrops:  3,
		PresenceTimeout:      5 * time.Minute,
		SweepInterval:        500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDuration <= 0 {
		o.MaxDuration = d.MaxDuration
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = d.MaxChunkSize
	}
	if o.MaxLag == 0 {
		o.MaxLag = d.MaxLag
	}
	if o.LookAhead == 0 {
		o.LookAhead = d.LookAhead
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = d.ReplayWindow
	}
	if o.ReplayMemCap <= 0 {
		o.ReplayMemCap = d.ReplayMemCap
	}
	if o.SubscriberQueueDepth <= 0 {
		o.SubscriberQueueDepth = d.SubscriberQueueDepth
	}
	if o.DropPolicy == "" {
		o.DropPolicy = d.DropPolicy
	}
	if o.MaxConsecutiveDrops <= 0 {
		o.MaxConsecutiveDrops = d.MaxConsecutiveDrops
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = d.PresenceTimeout
	}
	if o.SweepInterval <= 0 || o.SweepInterval > time.Second {
		o.SweepInterval = d.SweepInterval
	}
	return o
}

// ChannelDescriptor is the administrative description of a channel. The
// broker receives it from the dispatcher on construction; channel CRUD lives
// outside the core.
type ChannelDescriptor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
}
