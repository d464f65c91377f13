package transport

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/flightcomms/ptt-server/internal/limits"
	"github.com/flightcomms/ptt-server/internal/monitoring"
	"github.com/flightcomms/ptt-server/internal/ptt"
)

// wsSession is one subscriber stream: the hijacked connection, the broker
// delivery handle, and the transport-local pong lane. The write pump is the
// only goroutine writing data frames to the connection.
type wsSession struct {
	conn          net.Conn
	handle        *ptt.SubscriberHandle
	broker        *ptt.Broker
	channelID     string
	participantID string
	pongs         chan []byte
	logger        zerolog.Logger
}

// clientMessage is the only inbound application frame shape. Subscribers
// never send audio; they only keep the connection and their presence alive.
type clientMessage struct {
	Type string `json:"type"`
}

// handleSubscribe upgrades to WebSocket and attaches the caller as a
// subscriber. Admission control runs before the upgrade so rejections are
// plain HTTP; errors after the upgrade are delivered as an error frame.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		s.writeError(w, ptt.ErrServerShutdown)
		return
	}

	clientIP := getClientIP(r)
	if s.connLimiter != nil && !s.connLimiter.Allow(clientIP) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	if accept, reason := s.guard.ShouldAccept(); !accept {
		monitoring.ConnectionsRejected.WithLabelValues("resources").Inc()
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("Subscriber rejected")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	participantID := r.URL.Query().Get("client_id")
	if participantID == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "client_id query parameter is required"))
		return
	}
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	atomic.AddInt64(&s.currentConns, 1)
	monitoring.IncrementSubscribers()

	handle, err := broker.Subscribe(participantID)
	if err != nil {
		// Already upgraded; the rejection travels as an error frame.
		var perr *ptt.Error
		if !errors.As(err, &perr) {
			perr = ptt.NewError(ptt.CodeInvalid, "subscribe failed")
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		wsutil.WriteServerMessage(conn, ws.OpText, ptt.EncodeError(broker.Descriptor().ID, perr))
		ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, perr.Code)))
		conn.Close()
		atomic.AddInt64(&s.currentConns, -1)
		monitoring.DecrementSubscribers()
		return
	}

	sess := &wsSession{
		conn:          conn,
		handle:        handle,
		broker:        broker,
		channelID:     broker.Descriptor().ID,
		participantID: participantID,
		pongs:         make(chan []byte, 4),
		logger: s.logger.With().
			Str("channel_id", broker.Descriptor().ID).
			Str("participant_id", participantID).
			Str("client_ip", clientIP).
			Logger(),
	}

	sess.logger.Info().Msg("Subscriber stream opened")
	go s.writePump(sess)
	s.readPump(sess)
}

// readPump consumes inbound frames until disconnect. Subscribers only send
// ping and heartbeat; anything else is ignored. Runs on the handler
// goroutine, which gobwas leaves free after the hijack.
func (s *Server) readPump(sess *wsSession) {
	defer monitoring.RecoverPanic(sess.logger, "ws_read_pump", nil)
	defer func() {
		sess.handle.Close()
		sess.conn.Close()
	}()

	limiter := limits.NewFrameLimiter()
	for {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		data, op, err := wsutil.ReadClientData(sess.conn)
		if err != nil {
			sess.logger.Debug().Err(err).Msg("Subscriber stream closed")
			return
		}
		if op != ws.OpText {
			continue
		}
		if !limiter.Allow() {
			sess.logger.Warn().Msg("Inbound frame rate exceeded, closing subscriber")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			select {
			case sess.pongs <- ptt.EncodePong(sess.channelID):
			default:
			}
		case "heartbeat":
			sess.broker.Heartbeat(sess.participantID)
		}
	}
}

// writePump drains the broker's frame queue onto the wire, interleaving
// transport-level pongs and protocol pings. A closed Frames channel is the
// broker saying goodbye: remaining frames are flushed first, then a normal
// close frame.
func (s *Server) writePump(sess *wsSession) {
	defer monitoring.RecoverPanic(sess.logger, "ws_write_pump", nil)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.handle.Close()
		sess.conn.Close()
		atomic.AddInt64(&s.currentConns, -1)
		monitoring.DecrementSubscribers()
		sess.logger.Info().Int64("dropped_audio", sess.handle.DroppedAudio()).Msg("Subscriber stream closed")
	}()

	for {
		select {
		case frame, open := <-sess.handle.Frames():
			if !open {
				sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteFrame(sess.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sess.conn, ws.OpText, frame); err != nil {
				sess.logger.Debug().Err(err).Msg("Write failed, closing subscriber")
				return
			}
		case pong := <-sess.pongs:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sess.conn, ws.OpText, pong); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sess.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// getClientIP resolves the source address, honoring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
