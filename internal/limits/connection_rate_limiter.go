// Package limits guards the server against overload: per-IP and global
// connection rate limiting, per-stream inbound frame limiting, and
// CPU/memory admission control.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter rate-limits subscriber connection attempts with
// two token buckets: per source IP and global. Both must admit.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds the limiter tunables. Zero values get
// defaults suited to a small pre-authenticated group: generous reconnect
// bursts, low sustained rate.
type ConnectionRateLimiterConfig struct {
	IPBurst     int           // max burst connections per IP (default 10)
	IPRate      float64       // sustained connections/sec per IP (default 1.0)
	IPTTL       time.Duration // forget idle IPs after this (default 5m)
	GlobalBurst int           // max burst connections overall (default 100)
	GlobalRate  float64       // sustained connections/sec overall (default 20)
	Logger      zerolog.Logger
}

func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 100
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 20.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed. The
// global bucket is only charged when the per-IP bucket admits, so one
// flooding IP cannot exhaust the shared budget.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.ipMu.Lock()
	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.ipMu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("client_ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	if !l.globalLimiter.Allow() {
		l.logger.Warn().Str("client_ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.ipMu.Lock()
			for ip, entry := range l.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ipLimiters, ip)
				}
			}
			l.ipMu.Unlock()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop halts the background cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stopCleanup)
	})
}

// FrameLimiter bounds inbound frames from one subscriber stream. A client
// only ever sends ping and heartbeat, so the limit is tight; anything
// faster is a bug or abuse.
func NewFrameLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(10), 50)
}
