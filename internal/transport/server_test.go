package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcomms/ptt-server/internal/audit"
	"github.com/flightcomms/ptt-server/internal/ptt"
)

func newTestServer(t *testing.T) (*httptest.Server, *ptt.Dispatcher) {
	t.Helper()
	dispatcher := ptt.NewDispatcher(ptt.DispatcherConfig{
		Source: ptt.NewStaticSource([]ptt.ChannelDescriptor{
			{ID: "ops-1", Name: "Ops Channel 1", Capacity: 4},
		}),
		Sink:   audit.Noop{},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(dispatcher.Close)

	s := NewServer(Config{
		MaxConnections: 100,
	}, dispatcher, zerolog.Nop())

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, dispatcher
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	return resp, fields
}

func strField(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(fields[key], &s))
	return s
}

func TestJoinStatusRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, fields := postJSON(t, ts.URL+"/v1/channels/ops-1/join", joinRequest{
		ClientID: "p1", UserID: "u1", Username: "Alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "true", string(fields["success"]))
	assert.JSONEq(t, "1", string(fields["participant_count"]))

	statusResp, err := http.Get(ts.URL + "/v1/channels/ops-1/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.True(t, status.Success)
	assert.Equal(t, 1, status.ConnectedParticipants)
	assert.Nil(t, status.ActiveTransmission)
}

func TestUnknownChannelIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, fields := postJSON(t, ts.URL+"/v1/channels/nope/join", joinRequest{
		ClientID: "p1", UserID: "u1", Username: "Alice",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ptt.CodeNoSuchChannel, strField(t, fields, "error"))
}

func TestMalformedBodyIs400(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/channels/ops-1/join", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTransmissionFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/v1/channels/ops-1"

	postJSON(t, base+"/join", joinRequest{ClientID: "p1", UserID: "u1", Username: "Alice"})
	postJSON(t, base+"/join", joinRequest{ClientID: "p2", UserID: "u2", Username: "Bob"})

	resp, fields := postJSON(t, base+"/tx/start", txStartRequest{
		ClientID: "p1", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := strField(t, fields, "session_id")
	require.NotEmpty(t, sessionID)

	// Second speaker loses with a conflict.
	resp, fields = postJSON(t, base+"/tx/start", txStartRequest{
		ClientID: "p2", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ptt.CodeBusy, strField(t, fields, "error"))

	resp, fields = postJSON(t, base+"/tx/chunk", txChunkRequest{
		SessionID: sessionID, ChunkSequence: 1, AudioData: []byte("audio-bytes"), TimestampMs: 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "true", string(fields["chunk_received"]))
	assert.JSONEq(t, "2", string(fields["next_expected_sequence"]))

	resp, _ = postJSON(t, base+"/tx/end", txEndRequest{SessionID: sessionID, TotalDurationMs: 900})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The session is gone afterwards.
	resp, fields = postJSON(t, base+"/tx/chunk", txChunkRequest{
		SessionID: sessionID, ChunkSequence: 2, AudioData: []byte("late"),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ptt.CodeNoSession, strField(t, fields, "error"))
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

// wsTestConn pairs the dialed connection with the handshake's buffered
// reader, when gobwas returns one.
type wsTestConn struct {
	io.Reader
	io.Writer
}

func dialSubscribe(t *testing.T, ts *httptest.Server, channelID, clientID string) (wsTestConn, func()) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/channels/" + channelID + "/subscribe?client_id=" + clientID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return wsTestConn{Reader: r, Writer: conn}, func() { conn.Close() }
}

func readEvent(t *testing.T, c wsTestConn) map[string]json.RawMessage {
	t.Helper()
	data, op, err := wsutil.ReadServerData(c)
	require.NoError(t, err)
	require.Equal(t, ws.OpText, op)
	var ev map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWSSubscribeDeliversState(t *testing.T) {
	ts, _ := newTestServer(t)
	postJSON(t, ts.URL+"/v1/channels/ops-1/join", joinRequest{ClientID: "p1", UserID: "u1", Username: "Alice"})

	c, closeConn := dialSubscribe(t, ts, "ops-1", "p1")
	defer closeConn()

	ev := readEvent(t, c)
	assert.Equal(t, "channel_state", strField(t, ev, "type"))

	// Application-level ping answers with a pong frame.
	require.NoError(t, wsutil.WriteClientMessage(c, ws.OpText, []byte(`{"type":"ping"}`)))
	ev = readEvent(t, c)
	assert.Equal(t, "pong", strField(t, ev, "type"))
}

func TestWSSubscribeWithoutJoinGetsErrorFrame(t *testing.T) {
	ts, _ := newTestServer(t)

	c, closeConn := dialSubscribe(t, ts, "ops-1", "ghost")
	defer closeConn()

	ev := readEvent(t, c)
	assert.Equal(t, "error", strField(t, ev, "type"))
	var payload ptt.Error
	require.NoError(t, json.Unmarshal(ev["data"], &payload))
	assert.Equal(t, ptt.CodeNotPresent, payload.Code)
}

func TestWSSubscriberReceivesLiveChunks(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/v1/channels/ops-1"
	postJSON(t, base+"/join", joinRequest{ClientID: "p1", UserID: "u1", Username: "Alice"})
	postJSON(t, base+"/join", joinRequest{ClientID: "p2", UserID: "u2", Username: "Bob"})

	c, closeConn := dialSubscribe(t, ts, "ops-1", "p2")
	defer closeConn()
	readEvent(t, c) // channel_state

	_, fields := postJSON(t, base+"/tx/start", txStartRequest{
		ClientID: "p1", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	})
	sessionID := strField(t, fields, "session_id")

	ev := readEvent(t, c)
	assert.Equal(t, "transmission_started", strField(t, ev, "type"))

	postJSON(t, base+"/tx/chunk", txChunkRequest{
		SessionID: sessionID, ChunkSequence: 1, AudioData: []byte("chunk-one"), TimestampMs: 1,
	})
	ev = readEvent(t, c)
	assert.Equal(t, "audio_chunk", strField(t, ev, "type"))
	var chunk ptt.AudioChunkPayload
	require.NoError(t, json.Unmarshal(ev["data"], &chunk))
	assert.Equal(t, uint64(1), chunk.Sequence)
	assert.Equal(t, "chunk-one", string(chunk.AudioData))

	postJSON(t, base+"/tx/end", txEndRequest{SessionID: sessionID})
	ev = readEvent(t, c)
	assert.Equal(t, "transmission_ended", strField(t, ev, "type"))
}
