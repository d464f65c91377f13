package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	_ "modernc.org/sqlite"

	"github.com/flightcomms/ptt-server/internal/audit"
	"github.com/flightcomms/ptt-server/internal/config"
	"github.com/flightcomms/ptt-server/internal/monitoring"
	"github.com/flightcomms/ptt-server/internal/ptt"
	"github.com/flightcomms/ptt-server/internal/relay"
	"github.com/flightcomms/ptt-server/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "force debug logging")
	flag.Parse()

	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}).With().Str("instance", config.MustHostname()).Logger()
	cfg.LogConfig(logger)

	// Audit sink. A disabled store falls back to the no-op sink; the live
	// voice path does not depend on it either way.
	var sink audit.Sink = audit.Noop{}
	var sqlSink *audit.SQLSink
	if cfg.AuditDriver != "" && cfg.AuditDriver != "none" {
		sqlSink, err = audit.NewSQLSink(audit.SQLSinkConfig{
			Driver:    cfg.AuditDriver,
			DSN:       cfg.AuditDSN,
			QueueSize: cfg.AuditQueueSize,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open audit store")
		}
		sink = sqlSink
	}

	// Optional NATS relay. When connected it also serves channel descriptor
	// lookups; otherwise channels come from the static seed list.
	var (
		relayHook ptt.RelayHook
		publisher *relay.Publisher
		source    ptt.DescriptorSource
	)
	if cfg.NATSURL != "" {
		publisher, err = relay.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("Failed to connect to NATS")
		}
		relayHook = publisher
		source = relay.NewDescriptorSource(publisher, 2*time.Second)
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS relay enabled")
	} else {
		seeds, _ := cfg.Channels()
		descs := make([]ptt.ChannelDescriptor, 0, len(seeds))
		for _, s := range seeds {
			descs = append(descs, ptt.ChannelDescriptor{
				ID:        s.ID,
				Name:      s.Name,
				Capacity:  s.Capacity,
				CreatedAt: time.Now(),
			})
		}
		source = ptt.NewStaticSource(descs)
		logger.Info().Int("channels", len(descs)).Msg("Static channel seeds loaded")
	}

	dispatcher := ptt.NewDispatcher(ptt.DispatcherConfig{
		Options: ptt.Options{
			MaxDuration:          cfg.MaxTransmissionDuration,
			IdleTimeout:          cfg.IdleTimeout,
			MaxChunkSize:         cfg.MaxChunkSizeBytes,
			MaxLag:               cfg.MaxSequenceLag,
			LookAhead:            cfg.SequenceLookAhead,
			ReplayWindow:         cfg.ReplayWindow,
			ReplayMemCap:         cfg.ReplayMemCapBytes,
			SubscriberQueueDepth: cfg.SubscriberQueueDepth,
			DropPolicy:           cfg.DropPolicy,
			MaxConsecutiveDrops:  cfg.MaxConsecutiveDrops,
			PresenceTimeout:      cfg.PresenceTimeout,
			SweepInterval:        cfg.SweepInterval,
		},
		Source:        source,
		Sink:          sink,
		Relay:         relayHook,
		DehydrateIdle: cfg.DehydrateIdle,
		Logger:        logger,
	})

	server := transport.NewServer(transport.Config{
		Addr:                     cfg.Addr,
		MaxConnections:           cfg.MaxConnections,
		CPURejectThreshold:       cfg.CPURejectThreshold,
		MemoryLimit:              cfg.MemoryLimit,
		ConnRateLimitEnabled:     cfg.ConnRateLimitEnabled,
		ConnRateLimitIPBurst:     cfg.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:      cfg.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst: cfg.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:  cfg.ConnRateLimitGlobalRate,
		HTTPReadTimeout:          cfg.HTTPReadTimeout,
		HTTPWriteTimeout:         cfg.HTTPWriteTimeout,
		HTTPIdleTimeout:          cfg.HTTPIdleTimeout,
		DrainGracePeriod:         cfg.DrainGracePeriod,
	}, dispatcher, logger)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Order matters: transport drains and stops the dispatcher (brokers
	// force-end and queue their audit records), then the sink flushes, then
	// the relay goes away.
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	if sqlSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sqlSink.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Audit store close error")
		}
		cancel()
	}
	if publisher != nil {
		publisher.Close()
	}
	logger.Info().Msg("Server exited")
}
