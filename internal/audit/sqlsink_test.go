package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testRecord(sessionID string) Record {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	lat, lon := 59.33, 18.07
	return Record{
		SessionID:        sessionID,
		ChannelID:        "ops-1",
		UserID:           "u1",
		Username:         "Alice",
		StartTime:        start,
		EndTime:          start.Add(12 * time.Second),
		DurationSeconds:  12,
		AudioFormat:      "opus",
		ChunksCount:      240,
		TotalBytes:       480000,
		ParticipantCount: 5,
		IsEmergency:      true,
		NetworkQuality:   "good",
		LocationLat:      &lat,
		LocationLon:      &lon,
		MissingChunks:    3,
		PacketLossRate:   0.0125,
		EndReason:        "idle_timeout",
	}
}

func TestSQLSinkWritesRecord(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "audit.db")

	sink, err := NewSQLSink(SQLSinkConfig{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	sink.Write(testRecord("tx-1"))

	require.Eventually(t, func() bool {
		return sink.Written() == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	// The row survives the sink; verify through a fresh connection.
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	var (
		channelID string
		username  string
		duration  int
		chunks    int64
		emergency int
		missing   int64
		lossRate  float64
		reason    string
	)
	row := db.QueryRow(`SELECT channel_id, username, duration_seconds, chunks_count,
		is_emergency, missing_chunks, packet_loss_rate, end_reason
		FROM transmission_audit WHERE session_id = ?`, "tx-1")
	require.NoError(t, row.Scan(&channelID, &username, &duration, &chunks, &emergency, &missing, &lossRate, &reason))

	assert.Equal(t, "ops-1", channelID)
	assert.Equal(t, "Alice", username)
	assert.Equal(t, 12, duration)
	assert.Equal(t, int64(240), chunks)
	assert.Equal(t, 1, emergency)
	assert.Equal(t, int64(3), missing)
	assert.InDelta(t, 0.0125, lossRate, 1e-9)
	assert.Equal(t, "idle_timeout", reason)
}

func TestSQLSinkUpsertsOnSessionID(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "audit.db")

	sink, err := NewSQLSink(SQLSinkConfig{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	rec := testRecord("tx-dup")
	sink.Write(rec)
	rec.ChunksCount = 999
	sink.Write(rec)

	require.Eventually(t, func() bool {
		return sink.Written() == 2
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	var count, chunks int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*), MAX(chunks_count) FROM transmission_audit`).Scan(&count, &chunks))
	assert.Equal(t, int64(1), count, "same session id replaces, never duplicates")
	assert.Equal(t, int64(999), chunks)
}

func TestSQLSinkCloseDrainsQueue(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "audit.db")

	sink, err := NewSQLSink(SQLSinkConfig{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		rec := testRecord("tx-" + string(rune('a'+i)))
		sink.Write(rec)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, int64(20), sink.Written())
	assert.Equal(t, int64(0), sink.Dropped())
}

func TestSQLSinkRejectsBadDriver(t *testing.T) {
	_, err := NewSQLSink(SQLSinkConfig{
		Driver: "no-such-driver",
		DSN:    "x",
		Logger: zerolog.Nop(),
	})
	require.Error(t, err)
}
