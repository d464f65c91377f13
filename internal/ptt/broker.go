// Package ptt is the per-channel real-time broker core: the single-speaker
// state machine, the live transmission with its replay buffer, participant
// presence, subscriber fan-out, and the dispatcher that owns broker
// lifecycle. Everything above it (HTTP/WS transport, identity, admin) only
// ever calls the verbs exposed here.
package ptt

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flightcomms/ptt-server/internal/audit"
	"github.com/flightcomms/ptt-server/internal/monitoring"
)

// RelayHook receives already-encoded lifecycle frames for out-of-band
// consumers (admin service, monitoring). Best-effort: implementations must
// not block.
type RelayHook interface {
	PublishEvent(channelID, eventType string, frame []byte)
}

// Broker owns all live state for one channel and serializes every mutation
// on a single goroutine. Verbs are posted to the mailbox as closures and
// the caller waits for the reply; timers and the housekeeping tick post to
// the same mailbox, so there is a total order of state transitions.
//
// No state escapes: subscribers receive pre-encoded frames, Status returns
// copies, and the dispatcher holds only the opaque handle.
type Broker struct {
	desc   ChannelDescriptor
	opts   Options
	logger zerolog.Logger
	clk    clock
	sink   audit.Sink
	relay  RelayHook

	mailbox  chan func()
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the run goroutine.
	participants *participantSet
	subscribers  map[uint64]*SubscriberHandle
	nextHandleID uint64
	epochs       map[string]int64
	tx           *transmission
	idleSince    time.Time
	dropLogCount int64
}

// NewBroker constructs and starts a broker for one channel. The dispatcher
// is the only caller; tests construct brokers directly.
func NewBroker(desc ChannelDescriptor, opts Options, logger zerolog.Logger, sink audit.Sink, relay RelayHook) *Broker {
	return newBrokerWithClock(desc, opts, logger, sink, relay, systemClock{})
}

func newBrokerWithClock(desc ChannelDescriptor, opts Options, logger zerolog.Logger, sink audit.Sink, relay RelayHook, clk clock) *Broker {
	if sink == nil {
		sink = audit.Noop{}
	}
	b := &Broker{
		desc:         desc,
		opts:         opts.withDefaults(),
		logger:       logger.With().Str("component", "broker").Str("channel_id", desc.ID).Logger(),
		clk:          clk,
		sink:         sink,
		relay:        relay,
		mailbox:      make(chan func(), 256),
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
		participants: newParticipantSet(),
		subscribers:  make(map[uint64]*SubscriberHandle),
		epochs:       make(map[string]int64),
		idleSince:    clk.Now(),
	}
	go b.run()
	return b
}

// Descriptor returns the channel descriptor the broker was built from.
func (b *Broker) Descriptor() ChannelDescriptor { return b.desc }

// Stopped reports whether the run loop has exited, by shutdown or panic.
// The dispatcher uses this to reconstruct a fresh broker on next access.
func (b *Broker) Stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Stop shuts the broker down: any active transmission is force-ended with
// reason server_shutdown (audit record included), subscribers get a final
// server_reset, and all handles are closed. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopping) })
	<-b.done
}

func (b *Broker) run() {
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()

	defer func() {
		if r := recover(); r != nil {
			// Treat a panic as Shutdown from whatever state: subscribers
			// are reset, the audit record is still written, and the
			// dispatcher reconstructs on the next request.
			monitoring.RecoverPanic(b.logger, "broker_run", map[string]any{
				"channel_id": b.desc.ID,
			})
			monitoring.IncrementBrokerRestarts()
		}
		b.teardown()
		close(b.done)
	}()

	for {
		select {
		case fn := <-b.mailbox:
			fn()
		case <-ticker.C:
			b.housekeep()
		case <-b.stopping:
			return
		}
	}
}

// call posts a verb to the mailbox and waits for it to run. Returns
// ErrServerShutdown if the broker stopped before or during processing.
func (b *Broker) call(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case b.mailbox <- wrapped:
	case <-b.done:
		return ErrServerShutdown
	}
	select {
	case <-ran:
		return nil
	case <-b.done:
		return ErrServerShutdown
	}
}

// post delivers a mailbox message without waiting. Used by timers and
// handle-close callbacks; never blocks the caller's goroutine inline.
func (b *Broker) post(fn func()) {
	select {
	case b.mailbox <- fn:
	case <-b.done:
	default:
		go func() {
			select {
			case b.mailbox <- fn:
			case <-b.done:
			}
		}()
	}
}

// ---------------------------------------------------------------------------
// Verb request/result types

type JoinRequest struct {
	ParticipantID string
	UserID        string
	Username      string
	Location      *Location
	DeviceInfo    string
}

type JoinResult struct {
	ParticipantCount   int
	ActiveTransmission *TransmissionInfo
	Rejoined           bool
}

type LeaveResult struct {
	ParticipantCount int
}

type TxStartRequest struct {
	ParticipantID  string
	AudioFormat    string
	SampleRate     int
	Bitrate        int
	NetworkQuality string
	Location       *Location
	IsEmergency    bool
}

type TxStartResult struct {
	SessionID           string
	MaxDurationMs       int64
	ChunkSizeLimitBytes int
}

type TxChunkRequest struct {
	SessionID   string
	Sequence    uint64
	AudioData   []byte
	TimestampMs int64
	SizeBytes   int
}

type TxChunkResult struct {
	ChunkReceived        bool
	Duplicate            bool
	NextExpectedSequence uint64
}

type TxEndRequest struct {
	SessionID       string
	TotalDurationMs int64
	FinalLocation   *Location
}

type SubscriberStat struct {
	ParticipantID string `json:"participant_id"`
	DroppedAudio  int64  `json:"dropped_audio"`
}

type StatusResult struct {
	ActiveTransmission    *TransmissionInfo
	ConnectedParticipants int
	SubscriberCount       int
	Subscribers           []SubscriberStat
}

// ---------------------------------------------------------------------------
// Verbs (public wrappers around mailbox execution)

func (b *Broker) Join(req JoinRequest) (res JoinResult, err error) {
	if cerr := b.call(func() { res, err = b.join(req) }); cerr != nil {
		return JoinResult{}, cerr
	}
	return res, err
}

func (b *Broker) Leave(participantID string) (res LeaveResult, err error) {
	if cerr := b.call(func() { res, err = b.leave(participantID) }); cerr != nil {
		return LeaveResult{}, cerr
	}
	return res, err
}

func (b *Broker) TxStart(req TxStartRequest) (res TxStartResult, err error) {
	if cerr := b.call(func() { res, err = b.txStart(req) }); cerr != nil {
		return TxStartResult{}, cerr
	}
	return res, err
}

func (b *Broker) TxChunk(req TxChunkRequest) (res TxChunkResult, err error) {
	if cerr := b.call(func() { res, err = b.txChunk(req) }); cerr != nil {
		return TxChunkResult{}, cerr
	}
	return res, err
}

func (b *Broker) TxEnd(req TxEndRequest) (res SessionSummary, err error) {
	if cerr := b.call(func() { res, err = b.txEnd(req) }); cerr != nil {
		return SessionSummary{}, cerr
	}
	return res, err
}

func (b *Broker) Status() (res StatusResult, err error) {
	if cerr := b.call(func() { res = b.status() }); cerr != nil {
		return StatusResult{}, cerr
	}
	return res, nil
}

func (b *Broker) Subscribe(participantID string) (h *SubscriberHandle, err error) {
	if cerr := b.call(func() { h, err = b.subscribe(participantID) }); cerr != nil {
		return nil, cerr
	}
	return h, err
}

// Heartbeat refreshes a participant's last-seen. Sent by the subscriber
// read pump on application-level heartbeat frames.
func (b *Broker) Heartbeat(participantID string) {
	b.post(func() {
		if p := b.participants.get(participantID); p != nil {
			p.LastSeen = b.clk.Now()
		}
	})
}

// IdleDuration reports how long the broker has had no participants and no
// transmission. Zero while in use. The dispatcher dehydrates on this.
func (b *Broker) IdleDuration() (d time.Duration, err error) {
	if cerr := b.call(func() {
		if !b.idleSince.IsZero() {
			d = b.clk.Now().Sub(b.idleSince)
		}
	}); cerr != nil {
		return 0, cerr
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Verb implementations (run goroutine only)

func (b *Broker) join(req JoinRequest) (JoinResult, error) {
	now := b.clk.Now()

	// Reconnect: same participant id refreshes presence, never double-counts.
	if p := b.participants.get(req.ParticipantID); p != nil {
		p.LastSeen = now
		if req.DeviceInfo != "" {
			p.DeviceInfo = req.DeviceInfo
		}
		if req.Location != nil {
			p.Location = req.Location
		}
		return JoinResult{
			ParticipantCount:   b.participants.count(),
			ActiveTransmission: b.txInfo(),
			Rejoined:           true,
		}, nil
	}

	// Full channel rejects deterministically; never evicts.
	if b.participants.count() >= b.desc.Capacity {
		return JoinResult{}, ErrChannelFull
	}

	p := &Participant{
		ID:         req.ParticipantID,
		UserID:     req.UserID,
		Username:   req.Username,
		DeviceInfo: req.DeviceInfo,
		JoinedAt:   now,
		LastSeen:   now,
		Location:   req.Location,
	}
	b.participants.add(p)
	b.idleSince = time.Time{}
	monitoring.AddParticipants(1)

	b.logger.Info().
		Str("participant_id", p.ID).
		Str("user_id", p.UserID).
		Str("username", p.Username).
		Int("participant_count", b.participants.count()).
		Msg("Participant joined")

	b.broadcastLifecycle(EventParticipantJoin, "", ParticipantEventPayload{
		Participant:      p.info(),
		ParticipantCount: b.participants.count(),
	}, p.ID)

	return JoinResult{
		ParticipantCount:   b.participants.count(),
		ActiveTransmission: b.txInfo(),
	}, nil
}

func (b *Broker) leave(participantID string) (LeaveResult, error) {
	p := b.participants.get(participantID)
	if p == nil {
		return LeaveResult{}, ErrNotPresent
	}
	b.removeParticipant(p, "")
	return LeaveResult{ParticipantCount: b.participants.count()}, nil
}

// removeParticipant is the shared exit path for Leave, disconnect, and the
// presence sweeper. The transmitter's transmission is force-ended before
// the participant record goes away, preserving the invariant that a live
// transmission always names a present participant.
func (b *Broker) removeParticipant(p *Participant, reason string) {
	if b.tx != nil && b.tx.participantID == p.ID {
		b.endTransmission(ReasonTransmitterLeft, 0, nil)
	}

	if p.handle != nil {
		h := p.handle
		p.handle = nil
		delete(b.subscribers, h.id)
		h.Close()
		h.closeOut()
	}
	b.participants.remove(p.ID)
	monitoring.AddParticipants(-1)
	b.markIdleIfEmpty()

	b.logger.Info().
		Str("participant_id", p.ID).
		Str("username", p.Username).
		Str("reason", reason).
		Int("participant_count", b.participants.count()).
		Msg("Participant left")

	b.broadcastLifecycle(EventParticipantLeave, "", ParticipantEventPayload{
		Participant:      p.info(),
		ParticipantCount: b.participants.count(),
		Reason:           reason,
	}, "")
}

func (b *Broker) txStart(req TxStartRequest) (TxStartResult, error) {
	p := b.participants.get(req.ParticipantID)
	if p == nil {
		return TxStartResult{}, ErrNotPresent
	}
	if b.tx != nil {
		// The loser learns who currently holds the channel.
		return TxStartResult{}, errBusyWith(b.tx.username)
	}
	if req.AudioFormat == "" {
		return TxStartResult{}, errInvalidf("audio_format is required")
	}
	if req.SampleRate <= 0 {
		return TxStartResult{}, errInvalidf("sample_rate must be positive, got %d", req.SampleRate)
	}
	if req.Bitrate <= 0 {
		return TxStartResult{}, errInvalidf("bitrate must be positive, got %d", req.Bitrate)
	}

	now := b.clk.Now()
	p.LastSeen = now

	t := &transmission{
		sessionID:      newSessionID(),
		participantID:  p.ID,
		userID:         p.UserID,
		username:       p.Username,
		audioFormat:    req.AudioFormat,
		sampleRate:     req.SampleRate,
		bitrate:        req.Bitrate,
		networkQuality: req.NetworkQuality,
		isEmergency:    req.IsEmergency,
		location:       req.Location,
		startMono:      now,
		startWall:      time.Now(),
		lastChunkAt:    now,
		buffer:         newChunkBuffer(b.opts),
	}
	t.peakSubscribers = len(b.subscribers)
	b.tx = t
	b.idleSince = time.Time{}

	// Duration ceiling posts its force-end through the mailbox like any
	// other message; the session id guards against firing on a successor.
	sessionID := t.sessionID
	t.maxDurationTimer = time.AfterFunc(b.opts.MaxDuration, func() {
		b.post(func() { b.forceEnd(sessionID, ReasonDurationExceeded) })
	})

	monitoring.RecordTransmissionStarted(t.isEmergency)
	b.logger.Info().
		Str("session_id", t.sessionID).
		Str("participant_id", p.ID).
		Str("username", p.Username).
		Str("audio_format", t.audioFormat).
		Bool("is_emergency", t.isEmergency).
		Msg("Transmission started")

	info := t.info()
	b.broadcastLifecycle(EventTransmissionStarted, t.sessionID, info, "")

	return TxStartResult{
		SessionID:           t.sessionID,
		MaxDurationMs:       b.opts.MaxDuration.Milliseconds(),
		ChunkSizeLimitBytes: b.opts.MaxChunkSize,
	}, nil
}

func (b *Broker) txChunk(req TxChunkRequest) (TxChunkResult, error) {
	if b.tx == nil || b.tx.sessionID != req.SessionID {
		// A stale sender naming a previous session gets no_session, same
		// as no transmission at all.
		monitoring.RecordChunkRejected(CodeNoSession)
		return TxChunkResult{}, ErrNoSession
	}
	t := b.tx

	size := req.SizeBytes
	if len(req.AudioData) > size {
		size = len(req.AudioData)
	}
	if size > b.opts.MaxChunkSize {
		monitoring.RecordChunkRejected(CodeTooLarge)
		return TxChunkResult{}, errTooLarge(size, b.opts.MaxChunkSize)
	}
	if req.Sequence == 0 {
		return TxChunkResult{}, errInvalidf("chunk_sequence starts at 1")
	}

	now := b.clk.Now()
	switch t.buffer.insert(req.Sequence, req.AudioData, req.TimestampMs, now) {
	case chunkTooOld:
		monitoring.RecordChunkRejected(CodeTooOld)
		return TxChunkResult{}, ErrTooOld
	case chunkTooNew:
		monitoring.RecordChunkRejected(CodeInvalid)
		return TxChunkResult{}, errInvalidf("chunk_sequence %d is too far ahead of %d", req.Sequence, t.buffer.expected)
	case chunkDuplicate:
		// Idempotent: no totals change, no re-broadcast, positive ack.
		t.duplicateChunks++
		monitoring.IncrementDuplicateChunks()
		return TxChunkResult{
			ChunkReceived:        true,
			Duplicate:            true,
			NextExpectedSequence: t.buffer.expected,
		}, nil
	}

	t.totalBytes += int64(len(req.AudioData))
	t.lastChunkAt = now
	if p := b.participants.get(t.participantID); p != nil {
		p.LastSeen = now
	}
	if n := len(b.subscribers); n > t.peakSubscribers {
		t.peakSubscribers = n
	}
	monitoring.RecordChunkAccepted(len(req.AudioData))

	b.broadcast(EventAudioChunk, t.sessionID, AudioChunkPayload{
		Sequence:    req.Sequence,
		AudioData:   req.AudioData,
		SizeBytes:   len(req.AudioData),
		TimestampMs: req.TimestampMs,
	}, frameAudio, "")

	return TxChunkResult{
		ChunkReceived:        true,
		NextExpectedSequence: t.buffer.expected,
	}, nil
}

func (b *Broker) txEnd(req TxEndRequest) (SessionSummary, error) {
	if b.tx == nil || b.tx.sessionID != req.SessionID {
		return SessionSummary{}, ErrNoSession
	}
	return b.endTransmission("", req.TotalDurationMs, req.FinalLocation), nil
}

func (b *Broker) status() StatusResult {
	stats := make([]SubscriberStat, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		stats = append(stats, SubscriberStat{
			ParticipantID: h.participantID,
			DroppedAudio:  h.DroppedAudio(),
		})
	}
	return StatusResult{
		ActiveTransmission:    b.txInfo(),
		ConnectedParticipants: b.participants.count(),
		SubscriberCount:       len(b.subscribers),
		Subscribers:           stats,
	}
}

func (b *Broker) subscribe(participantID string) (*SubscriberHandle, error) {
	p := b.participants.get(participantID)
	if p == nil {
		return nil, ErrNotPresent
	}

	// A participant holds at most one delivery handle; a fresh Subscribe
	// replaces the previous connection (new epoch).
	if p.handle != nil {
		old := p.handle
		p.handle = nil
		delete(b.subscribers, old.id)
		old.Close()
		old.closeOut()
	}

	b.nextHandleID++
	b.epochs[participantID]++
	h := &SubscriberHandle{
		id:            b.nextHandleID,
		participantID: participantID,
		epoch:         b.epochs[participantID],
		out:           make(chan []byte, b.opts.SubscriberQueueDepth),
		policy:        b.opts.DropPolicy,
		maxRun:        b.opts.MaxConsecutiveDrops,
	}
	h.onClose = func(closed *SubscriberHandle) {
		b.post(func() { b.handleClosed(closed) })
	}
	b.subscribers[h.id] = h
	p.handle = h
	p.LastSeen = b.clk.Now()
	if b.tx != nil && len(b.subscribers) > b.tx.peakSubscribers {
		b.tx.peakSubscribers = len(b.subscribers)
	}

	// Synthetic channel_state, then the transmission descriptor and the
	// replay buffer in sequence order, so a late joiner catches up before
	// live chunks arrive on the same FIFO queue.
	state := ChannelStatePayload{
		ChannelName:        b.desc.Name,
		Capacity:           b.desc.Capacity,
		Participants:       b.participants.snapshot(),
		ActiveTransmission: b.txInfo(),
		SubscriberCount:    len(b.subscribers),
	}
	b.sendTo(h, EventChannelState, "", state, frameControl)

	if b.tx != nil {
		b.sendTo(h, EventTransmissionStarted, b.tx.sessionID, b.tx.info(), frameControl)
		for _, chunk := range b.tx.buffer.replay(b.clk.Now()) {
			b.sendTo(h, EventAudioChunk, b.tx.sessionID, chunk, frameAudio)
		}
	}

	b.logger.Info().
		Str("participant_id", participantID).
		Int64("epoch", h.epoch).
		Int("subscriber_count", len(b.subscribers)).
		Msg("Subscriber attached")

	return h, nil
}

// handleClosed runs on the mailbox after a handle is closed from any side
// (transport disconnect, slow-subscriber eviction, replacement). A closed
// delivery handle means the listener is gone: leave-like semantics. The
// frame channel is closed here, not in Close, so the close never races a
// broadcast in flight.
func (b *Broker) handleClosed(h *SubscriberHandle) {
	current, registered := b.subscribers[h.id]
	if !registered || current != h {
		// Already unregistered; the removing path closed the channel.
		return
	}
	delete(b.subscribers, h.id)
	h.closeOut()
	p := b.participants.get(h.participantID)
	if p == nil || p.handle != h {
		return
	}
	p.handle = nil
	b.removeParticipant(p, "disconnected")
}

// ---------------------------------------------------------------------------
// Transmission teardown

// forceEnd terminates the named session if it is still the active one.
// Timer callbacks race normal ends; the session guard makes them no-ops.
func (b *Broker) forceEnd(sessionID, reason string) {
	if b.tx == nil || b.tx.sessionID != sessionID {
		return
	}
	b.logger.Warn().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("Force-ending transmission")
	b.endTransmission(reason, 0, nil)
}

// endTransmission is the single teardown path for every way a transmission
// can end. It broadcasts transmission_ended, writes the audit record, and
// destroys the live object. reason is empty for a normal TxEnd.
func (b *Broker) endTransmission(reason string, declaredDurationMs int64, finalLocation *Location) SessionSummary {
	t := b.tx
	b.tx = nil
	if t.maxDurationTimer != nil {
		t.maxDurationTimer.Stop()
	}

	now := b.clk.Now()
	elapsed := now.Sub(t.startMono)
	durationMs := elapsed.Milliseconds()
	if reason == "" && declaredDurationMs > 0 {
		durationMs = declaredDurationMs
	}
	if finalLocation != nil {
		t.location = finalLocation
	}

	summary := SessionSummary{
		SessionID:            t.sessionID,
		TotalDurationMs:      durationMs,
		ChunksReceived:       t.buffer.accepted,
		TotalBytes:           t.totalBytes,
		ParticipantsNotified: t.peakSubscribers,
		MissingChunks:        t.buffer.missing(),
		PacketLossRate:       t.buffer.lossRate(),
	}

	b.broadcastLifecycle(EventTransmissionEnded, t.sessionID, TransmissionEndedPayload{
		DurationMs:  durationMs,
		TotalChunks: t.buffer.accepted,
		TotalBytes:  t.totalBytes,
		Reason:      reason,
	}, "")

	rec := audit.Record{
		SessionID:        t.sessionID,
		ChannelID:        b.desc.ID,
		UserID:           t.userID,
		Username:         t.username,
		StartTime:        t.startWall,
		EndTime:          t.startWall.Add(elapsed),
		DurationSeconds:  int(elapsed.Round(time.Second) / time.Second),
		AudioFormat:      t.audioFormat,
		ChunksCount:      t.buffer.accepted,
		TotalBytes:       t.totalBytes,
		ParticipantCount: t.peakSubscribers,
		IsEmergency:      t.isEmergency,
		NetworkQuality:   t.networkQuality,
		MissingChunks:    t.buffer.missing(),
		PacketLossRate:   t.buffer.lossRate(),
		EndReason:        reason,
	}
	if t.location != nil {
		lat, lon := t.location.Lat, t.location.Lon
		rec.LocationLat = &lat
		rec.LocationLon = &lon
	}
	b.sink.Write(rec)

	monitoring.RecordTransmissionEnded(reason, elapsed.Seconds())
	b.markIdleIfEmpty()

	b.logger.Info().
		Str("session_id", t.sessionID).
		Str("reason", reason).
		Int64("duration_ms", durationMs).
		Int64("chunks", t.buffer.accepted).
		Int64("bytes", t.totalBytes).
		Int64("missing_chunks", summary.MissingChunks).
		Msg("Transmission ended")

	return summary
}

// ---------------------------------------------------------------------------
// Housekeeping & teardown

// housekeep runs on every sweep tick: replay expiration, the idle
// transmitter watchdog, and the presence sweeper.
func (b *Broker) housekeep() {
	now := b.clk.Now()

	if b.tx != nil {
		b.tx.buffer.sweep(now)
		if now.Sub(b.tx.lastChunkAt) > b.opts.IdleTimeout {
			b.forceEnd(b.tx.sessionID, ReasonIdleTimeout)
		}
	}

	cutoff := now.Add(-b.opts.PresenceTimeout)
	for _, p := range b.participants.stale(cutoff) {
		b.logger.Warn().
			Str("participant_id", p.ID).
			Time("last_seen", p.LastSeen).
			Msg("Presence timeout, removing participant")
		b.removeParticipant(p, "presence_timeout")
	}
}

// teardown runs exactly once when the run loop exits, normally or after a
// panic. Shutdown from Transmitting still emits transmission_ended and the
// audit record; subscribers see a final server_reset.
func (b *Broker) teardown() {
	if b.tx != nil {
		b.endTransmission(ReasonServerShutdown, 0, nil)
	}
	b.broadcast(EventServerReset, "", nil, frameControl, "")
	for id, h := range b.subscribers {
		delete(b.subscribers, id)
		h.Close()
		h.closeOut()
	}
	monitoring.AddParticipants(-b.participants.count())
	b.participants = newParticipantSet()
}

// ---------------------------------------------------------------------------
// Fan-out

func (b *Broker) txInfo() *TransmissionInfo {
	if b.tx == nil {
		return nil
	}
	info := b.tx.info()
	return &info
}

// broadcast serializes the event once and enqueues the same bytes to every
// registered handle except excludeParticipant. The broker never waits on a
// subscriber: a full queue triggers the handle's drop policy inline.
func (b *Broker) broadcast(typ, sessionID string, payload any, class frameClass, excludeParticipant string) []byte {
	frame, err := encodeEvent(typ, sessionID, b.desc.ID, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", typ).Msg("Failed to serialize event, dropping broadcast")
		return nil
	}
	for _, h := range b.subscribers {
		if excludeParticipant != "" && h.participantID == excludeParticipant {
			continue
		}
		b.deliver(h, frame, class, typ)
	}
	return frame
}

// broadcastLifecycle is broadcast plus the relay hook for out-of-band
// consumers. Audio chunks stay off the relay.
func (b *Broker) broadcastLifecycle(typ, sessionID string, payload any, excludeParticipant string) {
	frame := b.broadcast(typ, sessionID, payload, frameControl, excludeParticipant)
	if frame != nil && b.relay != nil {
		b.relay.PublishEvent(b.desc.ID, typ, frame)
	}
}

// sendTo delivers one event to a single handle (subscribe-time replay).
func (b *Broker) sendTo(h *SubscriberHandle, typ, sessionID string, payload any, class frameClass) {
	frame, err := encodeEvent(typ, sessionID, b.desc.ID, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", typ).Msg("Failed to serialize event")
		return
	}
	b.deliver(h, frame, class, typ)
}

func (b *Broker) deliver(h *SubscriberHandle, frame []byte, class frameClass, typ string) {
	if h.enqueue(frame, class) {
		monitoring.RecordFrameEnqueued()
		return
	}
	className := "control"
	if class == frameAudio {
		className = "audio"
	}
	monitoring.RecordFrameDropped(className)
	// Sampled: a saturated subscriber would otherwise flood the log.
	b.dropLogCount++
	if b.dropLogCount%100 == 1 {
		b.logger.Warn().
			Str("participant_id", h.participantID).
			Str("event_type", typ).
			Str("class", className).
			Int64("dropped_audio", h.DroppedAudio()).
			Msg("Subscriber queue full, frame dropped (sampled)")
	}
}

func (b *Broker) markIdleIfEmpty() {
	if b.participants.count() == 0 && b.tx == nil && b.idleSince.IsZero() {
		b.idleSince = b.clk.Now()
	}
}
