package ptt

import "time"

// transmission is the live single-speaker object. At most one exists per
// broker (invariant: single speaker), created by TxStart and destroyed by
// TxEnd or any force-end. Broker goroutine only.
type transmission struct {
	sessionID     string
	participantID string
	userID        string
	username      string

	audioFormat    string
	sampleRate     int
	bitrate        int
	networkQuality string
	isEmergency    bool
	location       *Location

	startMono   time.Time // monotonic, for duration math
	startWall   time.Time // wall clock, for audit
	lastChunkAt time.Time // monotonic, idle watchdog input

	totalBytes      int64
	duplicateChunks int64
	peakSubscribers int

	buffer *chunkBuffer

	// maxDurationTimer posts the duration force-end to the broker mailbox.
	// Cancelled on any end path.
	maxDurationTimer *time.Timer
}

func (t *transmission) info() TransmissionInfo {
	return TransmissionInfo{
		SessionID:      t.sessionID,
		UserID:         t.userID,
		Username:       t.username,
		AudioFormat:    t.audioFormat,
		SampleRate:     t.sampleRate,
		Bitrate:        t.bitrate,
		NetworkQuality: t.networkQuality,
		IsEmergency:    t.isEmergency,
		Location:       t.location,
		StartedAtMs:    t.startWall.UnixMilli(),
		ChunksReceived: t.buffer.accepted,
		TotalBytes:     t.totalBytes,
	}
}

// SessionSummary is the TxEnd result returned to the transmitter.
type SessionSummary struct {
	SessionID            string  `json:"session_id"`
	TotalDurationMs      int64   `json:"total_duration_ms"`
	ChunksReceived       int64   `json:"chunks_received"`
	TotalBytes           int64   `json:"total_bytes"`
	ParticipantsNotified int     `json:"participants_notified"`
	MissingChunks        int64   `json:"missing_chunks"`
	PacketLossRate       float64 `json:"packet_loss_rate"`
}
