package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/flightcomms/ptt-server/internal/ptt"
)

// Wire types for the one-shot verbs. client_id is the caller's stable
// participant identity; the channel comes from the URL path.

type joinRequest struct {
	ClientID   string        `json:"client_id"`
	UserID     string        `json:"user_id"`
	Username   string        `json:"username"`
	DeviceInfo string        `json:"device_info,omitempty"`
	Location   *ptt.Location `json:"location,omitempty"`
}

type joinResponse struct {
	Success            bool                  `json:"success"`
	ParticipantCount   int                   `json:"participant_count"`
	Rejoined           bool                  `json:"rejoined,omitempty"`
	ActiveTransmission *ptt.TransmissionInfo `json:"active_transmission,omitempty"`
}

type leaveRequest struct {
	ClientID string `json:"client_id"`
}

type leaveResponse struct {
	Success          bool `json:"success"`
	ParticipantCount int  `json:"participant_count"`
}

type txStartRequest struct {
	ClientID       string        `json:"client_id"`
	AudioFormat    string        `json:"audio_format"`
	SampleRate     int           `json:"sample_rate"`
	Bitrate        int           `json:"bitrate"`
	NetworkQuality string        `json:"network_quality,omitempty"`
	Location       *ptt.Location `json:"location,omitempty"`
	IsEmergency    bool          `json:"is_emergency,omitempty"`
}

type txStartResponse struct {
	Success             bool   `json:"success"`
	SessionID           string `json:"session_id"`
	MaxDurationMs       int64  `json:"max_duration_ms"`
	ChunkSizeLimitBytes int    `json:"chunk_size_limit_bytes"`
}

type txChunkRequest struct {
	SessionID      string `json:"session_id"`
	ChunkSequence  uint64 `json:"chunk_sequence"`
	AudioData      []byte `json:"audio_data"`
	ChunkSizeBytes int    `json:"chunk_size_bytes,omitempty"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

type txChunkResponse struct {
	Success              bool   `json:"success"`
	ChunkReceived        bool   `json:"chunk_received"`
	Duplicate            bool   `json:"duplicate,omitempty"`
	NextExpectedSequence uint64 `json:"next_expected_sequence"`
}

type txEndRequest struct {
	SessionID       string        `json:"session_id"`
	TotalDurationMs int64         `json:"total_duration_ms,omitempty"`
	FinalLocation   *ptt.Location `json:"final_location,omitempty"`
}

type txEndResponse struct {
	Success        bool               `json:"success"`
	SessionSummary ptt.SessionSummary `json:"session_summary"`
}

type statusResponse struct {
	Success               bool                  `json:"success"`
	ActiveTransmission    *ptt.TransmissionInfo `json:"active_transmission,omitempty"`
	ConnectedParticipants int                   `json:"connected_participants"`
	SubscriberCount       int                   `json:"subscriber_count"`
	Subscribers           []ptt.SubscriberStat  `json:"subscribers"`
	TimestampMs           int64                 `json:"timestamp_ms"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.UserID == "" || req.Username == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "client_id, user_id, and username are required"))
		return
	}
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}
	res, err := broker.Join(ptt.JoinRequest{
		ParticipantID: req.ClientID,
		UserID:        req.UserID,
		Username:      req.Username,
		DeviceInfo:    req.DeviceInfo,
		Location:      req.Location,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, joinResponse{
		Success:            true,
		ParticipantCount:   res.ParticipantCount,
		Rejoined:           res.Rejoined,
		ActiveTransmission: res.ActiveTransmission,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "client_id is required"))
		return
	}
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}
	res, err := broker.Leave(req.ClientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, leaveResponse{
		Success:          true,
		ParticipantCount: res.ParticipantCount,
	})
}

func (s *Server) handleTxStart(w http.ResponseWriter, r *http.Request) {
	var req txStartRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "client_id is required"))
		return
	}
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}
	res, err := broker.TxStart(ptt.TxStartRequest{
		ParticipantID:  req.ClientID,
		AudioFormat:    req.AudioFormat,
		SampleRate:     req.SampleRate,
		Bitrate:        req.Bitrate,
		NetworkQuality: req.NetworkQuality,
		Location:       req.Location,
		IsEmergency:    req.IsEmergency,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txStartResponse{
		Success:             true,
		SessionID:           res.SessionID,
		MaxDurationMs:       res.MaxDurationMs,
		ChunkSizeLimitBytes: res.ChunkSizeLimitBytes,
	})
}

func (s *Server) handleTxChunk(w http.ResponseWriter, r *http.Request) {
	var req txChunkRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "session_id is required"))
		return
	}
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}
	res, err := broker.TxChunk(ptt.TxChunkRequest{
		SessionID:   req.SessionID,
		Sequence:    req.ChunkSequence,
		AudioData:   req.AudioData,
		TimestampMs: req.TimestampMs,
		SizeBytes:   req.ChunkSizeBytes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txChunkResponse{
		Success:              true,
		ChunkReceived:        res.ChunkReceived,
		Duplicate:            res.Duplicate,
		NextExpectedSequence: res.NextExpectedSequence,
	})
}

func (s *Server) handleTxEnd(w http.ResponseWriter, r *http.Request) {
	var req txEndRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "session_id is required"))
		return
	}
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}
	summary, err := broker.TxEnd(ptt.TxEndRequest{
		SessionID:       req.SessionID,
		TotalDurationMs: req.TotalDurationMs,
		FinalLocation:   req.FinalLocation,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txEndResponse{
		Success:        true,
		SessionSummary: summary,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	broker, ok := s.broker(w, r)
	if !ok {
		return
	}
	res, err := broker.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Success:               true,
		ActiveTransmission:    res.ActiveTransmission,
		ConnectedParticipants: res.ConnectedParticipants,
		SubscriberCount:       res.SubscriberCount,
		Subscribers:           res.Subscribers,
		TimestampMs:           time.Now().UnixMilli(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct, _ := s.guard.Snapshot()
	conns := atomic.LoadInt64(&s.currentConns)

	status := "healthy"
	httpStatus := http.StatusOK
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "draining"
		httpStatus = http.StatusServiceUnavailable
	} else if conns >= int64(s.cfg.MaxConnections) {
		status = "degraded"
	}

	s.writeJSON(w, httpStatus, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"subscribers":    conns,
		"brokers_active": s.dispatcher.BrokerCount(),
		"cpu_percent":    cpuPct,
		"memory_percent": memPct,
		"goroutines":     runtime.NumGoroutine(),
	})
}

// ---------------------------------------------------------------------------
// Helpers

// broker resolves the {channel} path segment to a live broker, writing the
// error response on failure.
func (s *Server) broker(w http.ResponseWriter, r *http.Request) (*ptt.Broker, bool) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		s.writeError(w, ptt.ErrServerShutdown)
		return nil, false
	}
	channelID := r.PathValue("channel")
	if channelID == "" {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "channel id is required"))
		return nil, false
	}
	b, err := s.dispatcher.Get(r.Context(), channelID)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return b, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, ptt.NewError(ptt.CodeInvalid, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError maps a verb error to its HTTP status. Unrecognized errors are
// masked as a plain 500; the broker only returns *ptt.Error values.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var perr *ptt.Error
	if !errors.As(err, &perr) {
		s.logger.Error().Err(err).Msg("Unclassified handler error")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "internal",
			Message: "internal server error",
		})
		return
	}

	status := http.StatusBadRequest
	switch perr.Code {
	case ptt.CodeChannelFull, ptt.CodeBusy:
		status = http.StatusConflict
	case ptt.CodeNotPresent, ptt.CodeNoSession, ptt.CodeNoSuchChannel:
		status = http.StatusNotFound
	case ptt.CodePermissionDenied:
		status = http.StatusForbidden
	case ptt.CodeTooLarge:
		status = http.StatusRequestEntityTooLarge
	case ptt.CodeServerShutdown:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorResponse{
		Error:   perr.Code,
		Message: perr.Message,
	})
}
