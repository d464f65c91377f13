// Package transport exposes the broker core over HTTP: JSON
// request/response wrappers for the one-shot verbs and a WebSocket stream
// for Subscribe. Handlers stay thin (unmarshal, call the verb, marshal);
// all policy lives in internal/ptt.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flightcomms/ptt-server/internal/limits"
	"github.com/flightcomms/ptt-server/internal/monitoring"
	"github.com/flightcomms/ptt-server/internal/ptt"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Config holds the transport-level settings.
type Config struct {
	Addr           string
	MaxConnections int

	CPURejectThreshold float64
	MemoryLimit        int64

	ConnRateLimitEnabled     bool
	ConnRateLimitIPBurst     int
	ConnRateLimitIPRate      float64
	ConnRateLimitGlobalBurst int
	ConnRateLimitGlobalRate  float64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	DrainGracePeriod time.Duration
}

// Server is the HTTP/WebSocket front of the broker core.
type Server struct {
	cfg        Config
	logger     zerolog.Logger
	dispatcher *ptt.Dispatcher

	listener   net.Listener
	httpServer *http.Server

	connLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	currentConns int64
	shuttingDown int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
}

// NewServer wires the transport around an already-constructed dispatcher.
func NewServer(cfg Config, dispatcher *ptt.Dispatcher, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "transport").Logger(),
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}

	memLimit := cfg.MemoryLimit
	if memLimit == 0 {
		if memLimit = limits.DetectMemoryLimit(); memLimit > 0 {
			s.logger.Info().Int64("memory_limit_bytes", memLimit).Msg("Memory limit detected from cgroup")
		}
	}
	s.guard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimitBytes:   memLimit,
	}, logger, &s.currentConns)

	if cfg.ConnRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			IPTTL:       5 * time.Minute,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}
	return s
}

// routes builds the request mux: the channel verb endpoints, the subscriber
// stream, and the operational endpoints.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/channels/{channel}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/channels/{channel}/leave", s.handleLeave)
	mux.HandleFunc("POST /v1/channels/{channel}/tx/start", s.handleTxStart)
	mux.HandleFunc("POST /v1/channels/{channel}/tx/chunk", s.handleTxChunk)
	mux.HandleFunc("POST /v1/channels/{channel}/tx/end", s.handleTxEnd)
	mux.HandleFunc("GET /v1/channels/{channel}/status", s.handleStatus)
	mux.HandleFunc("GET /v1/channels/{channel}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", monitoring.HandleMetrics)
	return mux
}

// Start begins listening and serving. Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.guard.StartMonitoring(s.ctx)

	s.httpServer = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    s.cfg.HTTPReadTimeout,
		WriteTimeout:   s.cfg.HTTPWriteTimeout,
		IdleTimeout:    s.cfg.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")
	return nil
}

// Shutdown drains gracefully: stop accepting, wait for subscriber streams
// to wind down inside the grace period, then stop the dispatcher (which
// force-ends transmissions and resets remaining subscribers).
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	grace := s.cfg.DrainGracePeriod
	if grace <= 0 {
		grace = 15 * time.Second
	}
	drainTimer := time.NewTimer(grace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.currentConns)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Grace period expired, forcing subscriber disconnects")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.currentConns) == 0 {
				s.logger.Info().Msg("All subscriber streams drained")
				break drain
			}
		}
	}

	// Dispatcher teardown force-ends transmissions and closes every
	// remaining handle; their write pumps exit as the frame channels close.
	s.dispatcher.Close()

	s.cancel()
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
