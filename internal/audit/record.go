// Package audit emits the durable transmission record. The broker hands a
// Record to a Sink at the end of every transmission, normal or forced; the
// sink owns its own queue and worker so live traffic never waits on storage.
package audit

import "time"

// Record is the immutable row written once per transmission. Exactly one
// record is submitted per transmission that ever began, whatever ended it.
type Record struct {
	SessionID       string
	ChannelID       string
	UserID          string
	Username        string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int
	AudioFormat     string
	ChunksCount     int64
	TotalBytes      int64
	// ParticipantCount is the peak subscriber count during the transmission.
	ParticipantCount int
	IsEmergency      bool
	NetworkQuality   string
	LocationLat      *float64
	LocationLon      *float64
	MissingChunks    int64
	PacketLossRate   float64
	// EndReason is empty for a normal TxEnd, otherwise the force-end reason.
	EndReason string
}

// Sink accepts records with best-effort semantics. Write must never block
// the caller; durability beyond the process is the sink's concern.
type Sink interface {
	Write(rec Record)
}

// Noop discards every record. Used in tests and when auditing is disabled.
type Noop struct{}

func (Noop) Write(Record) {}
