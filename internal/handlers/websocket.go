// -----------------------------------------------------------------------
// Job Events - dashboard WebSocket fan-out of job store changes
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
	"golang.org/x/time/rate"
)

const (
	clientSendBuffer = 64
	clientWriteWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every dashboard message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the first message a dashboard client receives
type SnapshotPayload struct {
	ServerInstanceID string       `json:"server_instance_id"` // Clients use to detect server restart
	Jobs             []models.Job `json:"jobs"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// JobEventsHandler fans job store changes out to dashboard WebSocket clients.
// Progress-only updates are throttled per job; status changes always go out.
type JobEventsHandler struct {
	store  interfaces.JobStore
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	throttleInterval time.Duration
	throttleMu       sync.Mutex
	throttlers       map[string]*rate.Limiter
	lastStatus       map[string]models.JobStatus

	serverInstanceID string
	unsubscribe      func()
}

// NewJobEventsHandler creates the dashboard fan-out. Call Start to subscribe to the store.
func NewJobEventsHandler(store interfaces.JobStore, logger arbor.ILogger, config *common.WebSocketConfig) *JobEventsHandler {
	h := &JobEventsHandler{
		store:            store,
		logger:           logger,
		clients:          make(map[*wsClient]struct{}),
		throttlers:       make(map[string]*rate.Limiter),
		lastStatus:       make(map[string]models.JobStatus),
		serverInstanceID: common.NewInstanceID("srv"),
	}

	if config != nil && config.ThrottleInterval != "" {
		if duration, err := time.ParseDuration(config.ThrottleInterval); err == nil {
			h.throttleInterval = duration
		} else {
			logger.Warn().
				Err(err).
				Str("interval", config.ThrottleInterval).
				Msg("Failed to parse websocket throttle interval - throttling disabled")
		}
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Dur("throttle_interval", h.throttleInterval).
		Msg("Job events handler initialized")

	return h
}

// Start subscribes to job changes
func (h *JobEventsHandler) Start() {
	h.unsubscribe = h.store.SubscribeChanges(h.onJobChange)
}

// Close unsubscribes and disconnects every client
func (h *JobEventsHandler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.removeClient(client)
	}
}

// ClientCount returns the number of connected dashboard clients
func (h *JobEventsHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles GET /ws
func (h *JobEventsHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	// Snapshot and registration happen under one lock so no change is missed
	h.mu.Lock()
	snapshot, err := json.Marshal(WSMessage{
		Type: "snapshot",
		Payload: SnapshotPayload{
			ServerInstanceID: h.serverInstanceID,
			Jobs:             slices.Collect(h.store.List()),
		},
	})
	if err != nil {
		h.mu.Unlock()
		h.logger.Error().Err(err).Msg("Failed to marshal snapshot message")
		conn.Close()
		return
	}
	client.send <- snapshot
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	common.SafeGo(h.logger, "ws-writer", func() { h.writeLoop(client) })

	defer func() {
		h.removeClient(client)
		h.logger.Debug().Int("clients", h.ClientCount()).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *JobEventsHandler) writeLoop(client *wsClient) {
	for data := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug().Err(err).Msg("WebSocket write failed")
			client.conn.Close()
			// Drain until removeClient closes the channel
			for range client.send {
			}
			return
		}
	}
	_ = client.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	client.conn.Close()
}

// removeClient unregisters client once and stops its writer
func (h *JobEventsHandler) removeClient(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.mu.Unlock()
}

// onJobChange runs inside the store's notification; it never blocks on clients
func (h *JobEventsHandler) onJobChange(job models.Job, kind interfaces.JobChangeKind) {
	if !h.shouldBroadcast(job, kind) {
		return
	}

	data, err := json.Marshal(WSMessage{
		Type:    "job_" + string(kind),
		Payload: job,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to marshal job change")
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn().Msg("Dropping slow WebSocket client")
		h.removeClient(client)
	}
}

// shouldBroadcast applies the per-job throttle to progress-only updates
func (h *JobEventsHandler) shouldBroadcast(job models.Job, kind interfaces.JobChangeKind) bool {
	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	if kind == interfaces.JobRemoved {
		delete(h.throttlers, job.ID)
		delete(h.lastStatus, job.ID)
		return true
	}

	previous, seen := h.lastStatus[job.ID]
	h.lastStatus[job.ID] = job.Status

	if h.throttleInterval <= 0 || kind != interfaces.JobUpdated || !seen || previous != job.Status {
		return true
	}

	limiter, ok := h.throttlers[job.ID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.throttleInterval), 1)
		h.throttlers[job.ID] = limiter
	}
	return limiter.Allow()
}
