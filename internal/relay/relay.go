// Package relay publishes channel lifecycle events to NATS for the
// out-of-process collaborators (admin service, monitoring, push delivery).
// Everything here is best-effort: the live voice path never waits on the
// message bus, and a missing NATS deployment just disables the relay.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/flightcomms/ptt-server/internal/ptt"
)

const (
	// subjectPrefix scopes every relay subject: ptt.channel.<id>.<event>.
	subjectPrefix = "ptt.channel"

	// lookupSubject is the admin service's request/reply endpoint for
	// channel descriptors.
	lookupSubject = "ptt.admin.channel.lookup"
)

// Publisher implements ptt.RelayHook over a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS with the retry behavior suited to a long-lived
// server: buffered reconnects, capped wait, and handlers that only log.
// The broker core keeps running without the relay.
func Connect(url string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected, events buffered until reconnect")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{
		nc:     nc,
		logger: logger.With().Str("component", "relay").Logger(),
	}, nil
}

// PublishEvent forwards one pre-encoded lifecycle frame. Failures are
// logged and dropped; the relay carries no delivery guarantee.
func (p *Publisher) PublishEvent(channelID, eventType string, frame []byte) {
	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, channelID, eventType)
	if err := p.nc.Publish(subject, frame); err != nil {
		p.logger.Warn().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish lifecycle event")
	}
}

// Close flushes pending publishes and drops the connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("NATS flush on close failed")
	}
	p.nc.Close()
}

// DescriptorSource resolves channel descriptors through the admin service
// over NATS request/reply. Used in deployments where channels are managed
// live; static deployments use ptt.StaticSource instead.
type DescriptorSource struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewDescriptorSource(p *Publisher, timeout time.Duration) *DescriptorSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DescriptorSource{nc: p.nc, timeout: timeout}
}

type lookupRequest struct {
	ChannelID string `json:"channel_id"`
}

func (s *DescriptorSource) Lookup(ctx context.Context, channelID string) (ptt.ChannelDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := json.Marshal(lookupRequest{ChannelID: channelID})
	if err != nil {
		return ptt.ChannelDescriptor{}, err
	}
	msg, err := s.nc.RequestWithContext(ctx, lookupSubject, req)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return ptt.ChannelDescriptor{}, ptt.ErrNoSuchChannel
		}
		return ptt.ChannelDescriptor{}, fmt.Errorf("descriptor lookup: %w", err)
	}
	// Empty reply is the admin service's "unknown channel".
	if len(msg.Data) == 0 {
		return ptt.ChannelDescriptor{}, ptt.ErrNoSuchChannel
	}

	var desc ptt.ChannelDescriptor
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		return ptt.ChannelDescriptor{}, fmt.Errorf("descriptor lookup: bad reply: %w", err)
	}
	if desc.ID == "" {
		return ptt.ChannelDescriptor{}, ptt.ErrNoSuchChannel
	}
	return desc, nil
}
