package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/models"
	"github.com/ternarybob/jobfeed/internal/services/jobstore"
)

// ConnState is the lifecycle state of one job's feed
type ConnState string

const (
	StateNoConnection ConnState = "no_connection"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateClosing      ConnState = "closing"
)

var errFeedClosed = errors.New("progress feed closed")

// jobConnection owns the dial/read/keepalive loop for one job.
// close may be called from any goroutine, including the reader itself.
type jobConnection struct {
	jobID   string
	url     string
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	logger  arbor.ILogger

	mu     sync.Mutex
	state  ConnState
	ws     *websocket.Conn
	closed bool
}

func (c *jobConnection) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *jobConnection) setState(state ConnState) {
	c.mu.Lock()
	if !c.closed {
		c.state = state
	}
	c.mu.Unlock()
}

// close cancels any pending dial or backoff and releases the socket in the same
// call, so no keepalive can be written afterwards. Reports whether this call
// performed the close.
func (c *jobConnection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	c.state = StateClosing
	c.cancel()

	if c.ws != nil {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = c.ws.Close()
		c.ws = nil
	}
	return true
}

func (c *jobConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run dials, serves and redials until the feed is closed
func (c *jobConnection) run() {
	defer c.setState(StateNoConnection)

	m := c.manager
	for attempt := 0; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			c.setState(StateConnecting)
			if !c.sleep(m.reconnectDelay()) {
				return
			}
			if !m.jobIsActive(c.jobID) {
				return
			}
		}

		ws, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			m.stats.transportFails.Add(1)
			c.logger.Warn().
				Err(err).
				Str("job_id", c.jobID).
				Str("url", c.url).
				Int("attempt", attempt+1).
				Msg("Progress feed dial failed - will retry")
			continue
		}

		if !c.install(ws) {
			_ = ws.Close()
			return
		}

		m.stats.opened.Add(1)
		c.logger.Info().
			Str("job_id", c.jobID).
			Int("attempt", attempt+1).
			Msg("Progress feed open")

		err = c.serve(ws)
		if c.ctx.Err() != nil || c.isClosed() {
			return
		}

		m.stats.transportFails.Add(1)
		c.logger.Warn().
			Err(err).
			Str("job_id", c.jobID).
			Msg("Progress feed dropped - will reconnect")
	}
}

func (c *jobConnection) dial() (*websocket.Conn, error) {
	m := c.manager
	if err := m.waitDialSlot(c.ctx); err != nil {
		return nil, err
	}

	m.stats.dialAttempts.Add(1)
	ws, resp, err := m.dialer.DialContext(c.ctx, c.url, m.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

// install finalizes a dialled socket unless the feed was closed or the job
// finished while the handshake was in flight
func (c *jobConnection) install(ws *websocket.Conn) bool {
	if !c.manager.jobIsActive(c.jobID) {
		c.logger.Debug().Str("job_id", c.jobID).Msg("Discarding late feed - job no longer active")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug().Str("job_id", c.jobID).Msg("Discarding late feed - closed during dial")
		return false
	}
	c.ws = ws
	c.state = StateOpen
	return true
}

// serve runs the keepalive loop while a reader applies inbound events.
// Returns the transport error that ended the feed.
func (c *jobConnection) serve(ws *websocket.Conn) error {
	readDone := make(chan struct{})
	var readErr error

	common.SafeGo(c.logger, "progress-read:"+c.jobID, func() {
		defer close(readDone)
		readErr = c.readLoop(ws)
	})

	ticker := time.NewTicker(c.manager.config.KeepaliveInterval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-c.ctx.Done():
			err = errFeedClosed
			break loop
		case <-readDone:
			err = readErr
			break loop
		case <-ticker.C:
			if err = c.ping(ws); err != nil {
				break loop
			}
		}
	}

	c.release(ws)
	<-readDone
	return err
}

// release closes a socket that ended without close() being called
func (c *jobConnection) release(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *jobConnection) ping(ws *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.ws != ws {
		return errFeedClosed
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(models.KeepaliveToken)); err != nil {
		return err
	}
	c.manager.stats.pingsSent.Add(1)
	return nil
}

func (c *jobConnection) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(data)
	}
}

// handleMessage applies one inbound frame. Frames arriving after close are
// dropped so a terminal job is never written again.
func (c *jobConnection) handleMessage(data []byte) {
	m := c.manager

	event, err := models.DecodeProgressEvent(data)
	if err != nil {
		m.stats.eventsDropped.Add(1)
		c.logger.Debug().Err(err).Str("job_id", c.jobID).Msg("Dropping undecodable progress frame")
		return
	}
	if event.IsKeepalive() {
		return
	}

	update, ok := event.JobUpdate()
	if !ok || update.IsEmpty() {
		return
	}

	if c.isClosed() {
		m.stats.eventsDropped.Add(1)
		return
	}

	if _, err := m.store.ApplyUpdate(c.jobID, update); err != nil {
		m.stats.eventsDropped.Add(1)
		if c.isClosed() && errors.Is(err, jobstore.ErrUnknownJobID) {
			return
		}
		c.logger.Error().
			Err(err).
			Str("job_id", c.jobID).
			Str("event_type", string(event.Type)).
			Msg("Store rejected progress update")
		return
	}

	m.stats.eventsApplied.Add(1)
}

// sleep waits for d unless the feed is closed first
func (c *jobConnection) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
