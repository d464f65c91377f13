package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flightcomms/ptt-server/internal/monitoring"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS transmission_audit (
	session_id        TEXT PRIMARY KEY,
	channel_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	username          TEXT NOT NULL,
	start_time        TEXT NOT NULL,
	end_time          TEXT NOT NULL,
	duration_seconds  INT NOT NULL,
	audio_format      TEXT NOT NULL,
	chunks_count      INT NOT NULL,
	total_bytes       INT NOT NULL,
	participant_count INT NOT NULL,
	is_emergency      INT NOT NULL,
	network_quality   TEXT,
	location_lat      REAL,
	location_lon      REAL,
	missing_chunks    INT NOT NULL DEFAULT 0,
	packet_loss_rate  REAL NOT NULL DEFAULT 0,
	end_reason        TEXT
)`

const insertSQL = `
INSERT OR REPLACE INTO transmission_audit (
	session_id, channel_id, user_id, username, start_time, end_time,
	duration_seconds, audio_format, chunks_count, total_bytes,
	participant_count, is_emergency, network_quality,
	location_lat, location_lon, missing_chunks, packet_loss_rate, end_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLSinkConfig configures the relational audit sink.
type SQLSinkConfig struct {
	Driver       string // database/sql driver name, e.g. "sqlite"
	DSN          string
	QueueSize    int           // pending record queue, drop-oldest on overflow
	WriteTimeout time.Duration // per-insert deadline
	Logger       zerolog.Logger
}

// SQLSink writes audit records to a relational store with bind parameters.
// Write enqueues and returns immediately; a single worker drains the queue
// so inserts serialize per connection. On overflow the oldest pending
// record is dropped and counted; audit is best-effort by contract.
type SQLSink struct {
	db     *sql.DB
	cfg    SQLSinkConfig
	logger zerolog.Logger

	queue   chan Record
	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closing   chan struct{}
}

// NewSQLSink opens the store, ensures the schema, and starts the worker.
func NewSQLSink(cfg SQLSinkConfig) (*SQLSink, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	// A single writer connection keeps inserts serialized and plays well
	// with SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	s := &SQLSink{
		db:      db,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "audit_sink").Logger(),
		queue:   make(chan Record, cfg.QueueSize),
		closing: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Write implements Sink. Never blocks: on a full queue the oldest pending
// record is evicted to make room for the new one.
func (s *SQLSink) Write(rec Record) {
	select {
	case <-s.closing:
		s.dropped.Add(1)
		monitoring.IncrementDroppedAudit()
		return
	default:
	}
	select {
	case s.queue <- rec:
		monitoring.SetAuditQueueDepth(len(s.queue))
		return
	default:
	}
	// Queue full: evict oldest, then retry once.
	select {
	case old := <-s.queue:
		s.dropped.Add(1)
		monitoring.IncrementDroppedAudit()
		s.logger.Warn().
			Str("session_id", old.SessionID).
			Str("channel_id", old.ChannelID).
			Int64("total_dropped", s.dropped.Load()).
			Msg("Audit queue full, dropped oldest record")
	default:
	}
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
		monitoring.IncrementDroppedAudit()
	}
}

// Dropped reports how many records were discarded due to overflow.
func (s *SQLSink) Dropped() int64 { return s.dropped.Load() }

// Written reports successfully inserted records.
func (s *SQLSink) Written() int64 { return s.written.Load() }

func (s *SQLSink) worker() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "audit_worker", nil)
	for rec := range s.queue {
		s.insert(rec)
		monitoring.SetAuditQueueDepth(len(s.queue))
	}
}

func (s *SQLSink) insert(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	emergency := 0
	if rec.IsEmergency {
		emergency = 1
	}
	_, err := s.db.ExecContext(ctx, insertSQL,
		rec.SessionID,
		rec.ChannelID,
		rec.UserID,
		rec.Username,
		rec.StartTime.UTC().Format(time.RFC3339Nano),
		rec.EndTime.UTC().Format(time.RFC3339Nano),
		rec.DurationSeconds,
		rec.AudioFormat,
		rec.ChunksCount,
		rec.TotalBytes,
		rec.ParticipantCount,
		emergency,
		rec.NetworkQuality,
		rec.LocationLat,
		rec.LocationLon,
		rec.MissingChunks,
		rec.PacketLossRate,
		rec.EndReason,
	)
	if err != nil {
		// Audit failure is non-fatal to live traffic: log, count, move on.
		s.failed.Add(1)
		monitoring.IncrementAuditErrors()
		s.logger.Error().
			Err(err).
			Str("session_id", rec.SessionID).
			Str("channel_id", rec.ChannelID).
			Msg("Failed to write audit record")
		return
	}
	s.written.Add(1)
}

// Close stops accepting records, drains the queue, and closes the store.
// Brokers must be stopped first so every pending record is already queued.
func (s *SQLSink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		close(s.queue)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			s.logger.Warn().
				Int("pending", len(s.queue)).
				Msg("Audit drain deadline exceeded, records lost")
		}
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
