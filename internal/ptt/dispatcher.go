package ptt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flightcomms/ptt-server/internal/audit"
	"github.com/flightcomms/ptt-server/internal/monitoring"
)

// DescriptorSource resolves channel ids to descriptors. Channel CRUD lives
// in the administrative collaborator; the dispatcher only reads. Lookup
// returns ErrNoSuchChannel for unknown ids, and the dispatcher never
// constructs a broker for a channel it cannot describe.
type DescriptorSource interface {
	Lookup(ctx context.Context, channelID string) (ChannelDescriptor, error)
}

// StaticSource is a DescriptorSource over a fixed set of descriptors,
// seeded from configuration. Read-only after construction.
type StaticSource struct {
	byID map[string]ChannelDescriptor
}

func NewStaticSource(descs []ChannelDescriptor) *StaticSource {
	s := &StaticSource{byID: make(map[string]ChannelDescriptor, len(descs))}
	for _, d := range descs {
		s.byID[d.ID] = d
	}
	return s
}

func (s *StaticSource) Lookup(_ context.Context, channelID string) (ChannelDescriptor, error) {
	d, ok := s.byID[channelID]
	if !ok {
		return ChannelDescriptor{}, ErrNoSuchChannel
	}
	return d, nil
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Options       Options
	Source        DescriptorSource
	Sink          audit.Sink
	Relay         RelayHook
	DehydrateIdle time.Duration // teardown threshold for unused brokers
	JanitorTick   time.Duration
	Logger        zerolog.Logger
}

// Dispatcher routes channel ids to broker instances and owns their
// lifecycle: lazy construction on first reference, dehydration of idle
// brokers, and supervision of failed ones. Live channel state is ephemeral;
// a reconstructed broker starts empty.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger zerolog.Logger

	mu      sync.Mutex
	brokers map[string]*Broker
	closed  bool

	// Descriptor cache, refreshed lazily on miss. Shared read-only with
	// respect to brokers.
	descCache map[string]ChannelDescriptor

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DehydrateIdle <= 0 {
		cfg.DehydrateIdle = 10 * time.Minute
	}
	if cfg.JanitorTick <= 0 {
		cfg.JanitorTick = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "dispatcher").Logger(),
		brokers:     make(map[string]*Broker),
		descCache:   make(map[string]ChannelDescriptor),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go d.janitor()
	return d
}

// Get returns the broker for a channel, constructing it on first reference.
// A broker that died (panic supervision) is replaced by a fresh, empty one;
// its subscribers already received server_reset from the teardown path.
func (d *Dispatcher) Get(ctx context.Context, channelID string) (*Broker, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrServerShutdown
	}
	if b, ok := d.liveBrokerLocked(channelID); ok {
		d.mu.Unlock()
		return b, nil
	}
	desc, cached := d.descCache[channelID]
	d.mu.Unlock()

	if !cached {
		// Descriptor lookup can hit the network; never hold the broker map
		// lock across it, or one slow channel stalls every other.
		var err error
		desc, err = d.cfg.Source.Lookup(ctx, channelID)
		if err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrServerShutdown
	}
	// Another caller may have hydrated the broker while we were looking up.
	if b, ok := d.liveBrokerLocked(channelID); ok {
		return b, nil
	}
	d.descCache[channelID] = desc

	b := NewBroker(desc, d.cfg.Options, d.logger, d.cfg.Sink, d.cfg.Relay)
	d.brokers[channelID] = b
	monitoring.SetBrokersActive(len(d.brokers))
	d.logger.Info().
		Str("channel_id", channelID).
		Str("channel_name", desc.Name).
		Int("capacity", desc.Capacity).
		Msg("Broker hydrated")
	return b, nil
}

// liveBrokerLocked returns the hydrated broker for the channel, reaping a
// stopped one in place. Caller holds d.mu.
func (d *Dispatcher) liveBrokerLocked(channelID string) (*Broker, bool) {
	b, ok := d.brokers[channelID]
	if !ok {
		return nil, false
	}
	if !b.Stopped() {
		return b, true
	}
	delete(d.brokers, channelID)
	d.logger.Warn().
		Str("channel_id", channelID).
		Msg("Replacing stopped broker")
	return nil, false
}

// BrokerCount reports how many brokers are currently hydrated.
func (d *Dispatcher) BrokerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.brokers)
}

// janitor dehydrates brokers idle past the threshold and reaps stopped
// ones. The replay buffer is discarded with the broker; pending audit
// records are already queued at the sink by the broker's teardown.
func (d *Dispatcher) janitor() {
	defer close(d.janitorDone)
	defer monitoring.RecoverPanic(d.logger, "dispatcher_janitor", nil)
	ticker := time.NewTicker(d.cfg.JanitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweepIdle()
		case <-d.janitorStop:
			return
		}
	}
}

func (d *Dispatcher) sweepIdle() {
	d.mu.Lock()
	candidates := make(map[string]*Broker, len(d.brokers))
	for id, b := range d.brokers {
		candidates[id] = b
	}
	d.mu.Unlock()

	for id, b := range candidates {
		if b.Stopped() {
			d.remove(id, b, "stopped")
			continue
		}
		idle, err := b.IdleDuration()
		if err != nil {
			d.remove(id, b, "stopped")
			continue
		}
		if idle >= d.cfg.DehydrateIdle {
			b.Stop()
			d.remove(id, b, "idle")
		}
	}
}

func (d *Dispatcher) remove(channelID string, b *Broker, reason string) {
	d.mu.Lock()
	if current, ok := d.brokers[channelID]; ok && current == b {
		delete(d.brokers, channelID)
		monitoring.SetBrokersActive(len(d.brokers))
		d.logger.Info().
			Str("channel_id", channelID).
			Str("reason", reason).
			Msg("Broker dehydrated")
	}
	d.mu.Unlock()
}

// Close stops the janitor and every broker. Brokers force-end their
// transmissions (reason server_shutdown) and reset subscribers on the way
// down; the audit sink must be closed after this returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.janitorDone
		return
	}
	d.closed = true
	brokers := make([]*Broker, 0, len(d.brokers))
	for _, b := range d.brokers {
		brokers = append(brokers, b)
	}
	d.brokers = make(map[string]*Broker)
	d.mu.Unlock()

	close(d.janitorStop)
	<-d.janitorDone

	for _, b := range brokers {
		b.Stop()
	}
	monitoring.SetBrokersActive(0)
}
