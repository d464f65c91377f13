package ptt

import (
	"encoding/json"
	"time"
)

// Event types delivered to subscribers. Every frame a subscriber sees is an
// Event serialized once and fanned out to all handles (single marshal per
// broadcast, not per client).
const (
	EventChannelState        = "channel_state"
	EventParticipantJoin     = "participant_join"
	EventParticipantLeave    = "participant_leave"
	EventTransmissionStarted = "transmission_started"
	EventAudioChunk          = "audio_chunk"
	EventTransmissionEnded   = "transmission_ended"
	EventError               = "error"
	EventPong                = "pong"
	EventServerReset         = "server_reset"
)

// Force-end reasons surfaced in transmission_ended frames and audit records.
const (
	ReasonDurationExceeded = "duration_exceeded"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonTransmitterLeft  = "transmitter_left"
	ReasonServerShutdown   = "server_shutdown"
)

// Event is the framed message sent over the subscriber stream.
// SessionID is set only for transmission-scoped events.
type Event struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	ChannelID   string          `json:"channel_id"`
	TimestampMs int64           `json:"timestamp_ms"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// encode marshals an event once. Marshal failure here means a programming
// error in one of the payload structs below, so the caller logs and drops.
func encodeEvent(typ, sessionID, channelID string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Event{
		Type:        typ,
		SessionID:   sessionID,
		ChannelID:   channelID,
		TimestampMs: time.Now().UnixMilli(),
		Data:        raw,
	})
}

// EncodePong builds the reply frame for an application-level ping. Sent by
// the transport directly on the subscriber stream, outside the broker.
func EncodePong(channelID string) []byte {
	frame, _ := encodeEvent(EventPong, "", channelID, nil)
	return frame
}

// EncodeError builds an error frame for subscriber streams that fail after
// the WebSocket upgrade, when an HTTP status is no longer possible.
func EncodeError(channelID string, err *Error) []byte {
	frame, _ := encodeEvent(EventError, "", channelID, err)
	return frame
}

// Location is an optional client-reported coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ParticipantInfo is the participant snapshot carried in channel_state and
// participant_join/leave events.
type ParticipantInfo struct {
	ParticipantID string    `json:"participant_id"`
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	JoinedAt      int64     `json:"joined_at_ms"`
	LastSeenAt    int64     `json:"last_seen_at_ms"`
	Location      *Location `json:"location,omitempty"`
	Subscribed    bool      `json:"subscribed"`
}

// TransmissionInfo describes the active transmission in channel_state,
// transmission_started events and Status responses.
type TransmissionInfo struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	AudioFormat    string    `json:"audio_format"`
	SampleRate     int       `json:"sample_rate"`
	Bitrate        int       `json:"bitrate"`
	NetworkQuality string    `json:"network_quality,omitempty"`
	IsEmergency    bool      `json:"is_emergency"`
	Location       *Location `json:"location,omitempty"`
	StartedAtMs    int64     `json:"started_at_ms"`
	ChunksReceived int64     `json:"chunks_received"`
	TotalBytes     int64     `json:"total_bytes"`
}

// ChannelStatePayload is sent once, synthesized, immediately after Subscribe.
type ChannelStatePayload struct {
	ChannelName        string            `json:"channel_name"`
	Capacity           int               `json:"capacity"`
	Participants       []ParticipantInfo `json:"participants"`
	ActiveTransmission *TransmissionInfo `json:"active_transmission,omitempty"`
	SubscriberCount    int               `json:"subscriber_count"`
}

// ParticipantEventPayload carries participant_join / participant_leave data.
type ParticipantEventPayload struct {
	Participant      ParticipantInfo `json:"participant"`
	ParticipantCount int             `json:"participant_count"`
	Reason           string          `json:"reason,omitempty"`
}

// AudioChunkPayload carries one sequenced chunk. AudioData is base64 on the
// wire (Go's default []byte JSON encoding).
type AudioChunkPayload struct {
	Sequence    uint64 `json:"sequence"`
	AudioData   []byte `json:"audio_data"`
	SizeBytes   int    `json:"size_bytes"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// TransmissionEndedPayload closes out a transmission for subscribers.
// Reason is empty for a normal TxEnd.
type TransmissionEndedPayload struct {
	DurationMs  int64  `json:"duration_ms"`
	TotalChunks int64  `json:"total_chunks"`
	TotalBytes  int64  `json:"total_bytes"`
	Reason      string `json:"reason,omitempty"`
}
