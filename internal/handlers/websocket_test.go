package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/models"
	"github.com/ternarybob/jobfeed/internal/services/jobstore"
)

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startEventsServer(t *testing.T, throttle string) (*JobEventsHandler, *jobstore.Store, string) {
	t.Helper()
	logger := arbor.NewLogger()
	store := jobstore.NewStore(logger)

	handler := NewJobEventsHandler(store, logger, &common.WebSocketConfig{ThrottleInterval: throttle})
	handler.Start()
	t.Cleanup(handler.Close)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	return handler, store, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialEvents(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wsEnvelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readJob(t *testing.T, msg wsEnvelope) models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.Unmarshal(msg.Payload, &job))
	return job
}

func TestJobEventsHandler_SnapshotThenChanges(t *testing.T) {
	handler, store, wsURL := startEventsServer(t, "")

	require.NoError(t, store.Insert(models.NewJob("J0", "AAPL")))

	conn := dialEvents(t, wsURL)

	snapshot := readEnvelope(t, conn)
	require.Equal(t, "snapshot", snapshot.Type)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(snapshot.Payload, &payload))
	assert.True(t, strings.HasPrefix(payload.ServerInstanceID, "srv_"))
	require.Len(t, payload.Jobs, 1)
	assert.Equal(t, "J0", payload.Jobs[0].ID)

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Insert(models.NewJob("J1", "MSFT")))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "job_inserted", msg.Type)
	assert.Equal(t, "J1", readJob(t, msg).ID)

	_, err := store.ApplyUpdate("J1", models.JobUpdate{Progress: ptr(25), Status: ptr(models.JobStatusRunning)})
	require.NoError(t, err)
	msg = readEnvelope(t, conn)
	assert.Equal(t, "job_updated", msg.Type)
	assert.Equal(t, 25, readJob(t, msg).Progress)

	require.NoError(t, store.Remove("J1"))
	msg = readEnvelope(t, conn)
	assert.Equal(t, "job_removed", msg.Type)
	assert.Equal(t, "J1", readJob(t, msg).ID)
}

func TestJobEventsHandler_ThrottlesProgressOnly(t *testing.T) {
	handler, store, wsURL := startEventsServer(t, "1h")

	conn := dialEvents(t, wsURL)
	assert.Equal(t, "snapshot", readEnvelope(t, conn).Type)
	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))
	assert.Equal(t, "job_inserted", readEnvelope(t, conn).Type)

	// First progress-only update passes, the rest inside the interval are dropped
	for _, p := range []int{10, 20, 30} {
		_, err := store.ApplyUpdate("J1", models.JobUpdate{Progress: ptr(p)})
		require.NoError(t, err)
	}

	// Status changes are never throttled
	_, err := store.ApplyUpdate("J1", models.JobUpdate{Status: ptr(models.JobStatusCompleted), Progress: ptr(100)})
	require.NoError(t, err)

	first := readJob(t, readEnvelope(t, conn))
	assert.Equal(t, 10, first.Progress)

	final := readJob(t, readEnvelope(t, conn))
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
}

func TestJobEventsHandler_CloseDisconnectsClients(t *testing.T) {
	handler, _, wsURL := startEventsServer(t, "")

	conn := dialEvents(t, wsURL)
	assert.Equal(t, "snapshot", readEnvelope(t, conn).Type)
	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	handler.Close()
	assert.Equal(t, 0, handler.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestJobEventsHandler_ManyClients(t *testing.T) {
	handler, store, wsURL := startEventsServer(t, "")

	const numClients = 5
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = dialEvents(t, wsURL)
		assert.Equal(t, "snapshot", readEnvelope(t, conns[i]).Type)
	}
	require.Eventually(t, func() bool { return handler.ClientCount() == numClients }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))

	for _, conn := range conns {
		msg := readEnvelope(t, conn)
		assert.Equal(t, "job_inserted", msg.Type)
	}

	conns[0].Close()
	require.Eventually(t, func() bool { return handler.ClientCount() == numClients-1 }, 2*time.Second, 10*time.Millisecond)
}
