package ptt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	if cfg.Source == nil {
		cfg.Source = NewStaticSource([]ChannelDescriptor{
			{ID: "ops-1", Name: "Ops Channel 1", Capacity: 8},
			{ID: "ops-2", Name: "Ops Channel 2", Capacity: 4},
		})
	}
	cfg.Logger = zerolog.Nop()
	d := NewDispatcher(cfg)
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherLazyConstruction(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})
	ctx := context.Background()

	assert.Equal(t, 0, d.BrokerCount())

	b1, err := d.Get(ctx, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.BrokerCount())

	again, err := d.Get(ctx, "ops-1")
	require.NoError(t, err)
	assert.Same(t, b1, again, "same channel routes to the same broker")

	b2, err := d.Get(ctx, "ops-2")
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)
	assert.Equal(t, 2, d.BrokerCount())
}

func TestDispatcherUnknownChannel(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	_, err := d.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNoSuchChannel))
	assert.Equal(t, 0, d.BrokerCount())
}

func TestDispatcherReplacesStoppedBroker(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})
	ctx := context.Background()

	b1, err := d.Get(ctx, "ops-1")
	require.NoError(t, err)
	_, err = b1.Join(JoinRequest{ParticipantID: "p1", UserID: "u1", Username: "Alice"})
	require.NoError(t, err)

	b1.Stop()

	// A dead broker is replaced by a fresh, empty one on next access.
	b2, err := d.Get(ctx, "ops-1")
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)

	status, err := b2.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.ConnectedParticipants, "reconstructed broker starts empty")
}

func TestDispatcherDehydratesIdleBrokers(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{
		DehydrateIdle: 50 * time.Millisecond,
		JanitorTick:   20 * time.Millisecond,
	})

	_, err := d.Get(context.Background(), "ops-1")
	require.NoError(t, err)
	require.Equal(t, 1, d.BrokerCount())

	require.Eventually(t, func() bool {
		return d.BrokerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherKeepsBusyBrokers(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{
		DehydrateIdle: 50 * time.Millisecond,
		JanitorTick:   20 * time.Millisecond,
	})

	b, err := d.Get(context.Background(), "ops-1")
	require.NoError(t, err)
	_, err = b.Join(JoinRequest{ParticipantID: "p1", UserID: "u1", Username: "Alice"})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, d.BrokerCount(), "a broker with participants never dehydrates")
}

// slowSource delays lookups for one channel id, standing in for a NATS
// descriptor request on a congested link.
type slowSource struct {
	inner  DescriptorSource
	slowID string
	delay  time.Duration
}

func (s *slowSource) Lookup(ctx context.Context, channelID string) (ChannelDescriptor, error) {
	if channelID == s.slowID {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ChannelDescriptor{}, ctx.Err()
		}
	}
	return s.inner.Lookup(ctx, channelID)
}

func TestDispatcherSlowLookupDoesNotBlockOthers(t *testing.T) {
	src := &slowSource{
		inner: NewStaticSource([]ChannelDescriptor{
			{ID: "ops-1", Name: "Ops Channel 1", Capacity: 8},
			{ID: "ops-2", Name: "Ops Channel 2", Capacity: 4},
		}),
		slowID: "ops-2",
		delay:  300 * time.Millisecond,
	}
	d := newTestDispatcher(t, DispatcherConfig{Source: src})
	ctx := context.Background()

	slowStarted := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		close(slowStarted)
		_, err := d.Get(ctx, "ops-2")
		slowDone <- err
	}()
	<-slowStarted
	time.Sleep(10 * time.Millisecond)

	// While ops-2 is stuck in its lookup, ops-1 must hydrate immediately.
	fastStart := time.Now()
	_, err := d.Get(ctx, "ops-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(fastStart), 100*time.Millisecond,
		"one channel's slow lookup must not stall the rest")

	require.NoError(t, <-slowDone)
}

func TestDispatcherConcurrentGetSingleBroker(t *testing.T) {
	src := &slowSource{
		inner:  NewStaticSource([]ChannelDescriptor{{ID: "ops-1", Name: "Ops Channel 1", Capacity: 8}}),
		slowID: "ops-1",
		delay:  50 * time.Millisecond,
	}
	d := newTestDispatcher(t, DispatcherConfig{Source: src})
	ctx := context.Background()

	const callers = 8
	results := make(chan *Broker, callers)
	for i := 0; i < callers; i++ {
		go func() {
			b, err := d.Get(ctx, "ops-1")
			assert.NoError(t, err)
			results <- b
		}()
	}

	first := <-results
	for i := 1; i < callers; i++ {
		assert.Same(t, first, <-results, "racing callers must share one broker")
	}
	assert.Equal(t, 1, d.BrokerCount())
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Source: NewStaticSource([]ChannelDescriptor{{ID: "ops-1", Name: "Ops", Capacity: 8}}),
		Logger: zerolog.Nop(),
	})

	b, err := d.Get(context.Background(), "ops-1")
	require.NoError(t, err)

	d.Close()
	assert.True(t, b.Stopped())

	_, err = d.Get(context.Background(), "ops-1")
	assert.True(t, errors.Is(err, ErrServerShutdown))

	// Close is idempotent.
	d.Close()
}
