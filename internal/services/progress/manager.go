// Package progress keeps one WebSocket progress feed open per active research job.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"golang.org/x/time/rate"
)

const (
	// DefaultPathPrefix is the feed path; the job ID is appended
	DefaultPathPrefix = "/ws/progress/"

	// DefaultKeepaliveInterval is how often "ping" is sent on an open feed
	DefaultKeepaliveInterval = 30 * time.Second

	// DefaultReconnectDelay is the fixed wait before redialling a dropped feed
	DefaultReconnectDelay = 5 * time.Second

	// DefaultHandshakeTimeout bounds the HTTP upgrade
	DefaultHandshakeTimeout = 10 * time.Second

	// writeWait bounds keepalive and close-frame writes
	writeWait = time.Second
)

// ErrManagerStopped is returned by Start after Shutdown
var ErrManagerStopped = errors.New("progress manager stopped")

// Config controls how feeds are addressed and kept alive
type Config struct {
	Origin            string        // ws(s)://host[:port] of the job-execution service
	PathPrefix        string        // Defaults to DefaultPathPrefix
	KeepaliveInterval time.Duration // Defaults to DefaultKeepaliveInterval
	ReconnectDelay    time.Duration // Defaults to DefaultReconnectDelay
	ReconnectJitter   time.Duration // Random extra delay in [0, jitter); zero disables
	HandshakeTimeout  time.Duration // Defaults to DefaultHandshakeTimeout
	DialRate          float64       // Dial attempts per second across all jobs; zero = unlimited
	DialBurst         int
}

func (c Config) withDefaults() Config {
	if c.PathPrefix == "" {
		c.PathPrefix = DefaultPathPrefix
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DialBurst <= 0 {
		c.DialBurst = 1
	}
	return c
}

// Stats are lifetime counters for the status endpoint
type Stats struct {
	Tracked        int   `json:"tracked"`
	DialAttempts   int64 `json:"dial_attempts"`
	Opened         int64 `json:"opened"`
	Closed         int64 `json:"closed"`
	TransportFails int64 `json:"transport_failures"`
	PingsSent      int64 `json:"pings_sent"`
	EventsApplied  int64 `json:"events_applied"`
	EventsDropped  int64 `json:"events_dropped"`
}

type counters struct {
	dialAttempts   atomic.Int64
	opened         atomic.Int64
	closed         atomic.Int64
	transportFails atomic.Int64
	pingsSent      atomic.Int64
	eventsApplied  atomic.Int64
	eventsDropped  atomic.Int64
}

// Option configures the Manager
type Option func(*Manager)

// WithDialer replaces the default WebSocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

// WithHeader adds headers sent with every handshake
func WithHeader(header http.Header) Option {
	return func(m *Manager) {
		m.header = header.Clone()
	}
}

// Manager reconciles tracked feeds against the store's non-terminal jobs.
//
// Lock order: Manager.mu -> jobConnection.mu -> store. The store never calls
// back into the manager while holding its own locks.
type Manager struct {
	store   interfaces.JobStore
	config  Config
	dialer  *websocket.Dialer
	header  http.Header
	limiter *rate.Limiter
	logger  arbor.ILogger
	stats   counters

	mu          sync.Mutex
	conns       map[string]*jobConnection
	started     bool
	stopped     bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewManager creates a manager bound to store. Call Start to begin reconciling.
func NewManager(store interfaces.JobStore, config Config, logger arbor.ILogger, opts ...Option) *Manager {
	config = config.withDefaults()

	m := &Manager{
		store:  store,
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger,
		conns:  make(map[string]*jobConnection),
	}

	if config.DialRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(config.DialRate), config.DialBurst)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start subscribes to the store and runs the initial reconciliation for jobs
// that are already non-terminal
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	unsubscribe := m.store.SubscribeActive(m.Reconcile)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		unsubscribe()
		return ErrManagerStopped
	}
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.logger.Info().
		Str("origin", m.config.Origin).
		Str("path_prefix", m.config.PathPrefix).
		Dur("keepalive_interval", m.config.KeepaliveInterval).
		Dur("reconnect_delay", m.config.ReconnectDelay).
		Msg("Progress manager started")

	m.Reconcile()
	return nil
}

// Reconcile opens a feed for every non-terminal job without one and closes
// every feed whose job is terminal or gone. Repeated calls with no store change
// are no-ops.
func (m *Manager) Reconcile() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || !m.started {
		return
	}

	active := m.store.ActiveIDs()
	wanted := make(map[string]struct{}, len(active))
	for _, id := range active {
		wanted[id] = struct{}{}
		if _, tracked := m.conns[id]; !tracked {
			m.openLocked(id)
		}
	}

	for id, conn := range m.conns {
		if _, ok := wanted[id]; !ok {
			m.closeLocked(id, conn, "job no longer active")
		}
	}
}

// Shutdown closes every feed regardless of job status and waits for the
// connection goroutines to exit or ctx to expire
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	closedCount := len(m.conns)
	for id, conn := range m.conns {
		m.closeLocked(id, conn, "manager shutdown")
	}
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	m.logger.Info().Int("closed", closedCount).Msg("Progress manager shutting down")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("Progress manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress manager shutdown: %w", ctx.Err())
	}
}

// TrackedCount returns the number of feeds being connected or open
func (m *Manager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// TrackedIDs returns the sorted job IDs with a tracked feed
func (m *Manager) TrackedIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// State returns the feed state for a job ID
func (m *Manager) State(jobID string) ConnState {
	m.mu.Lock()
	conn, ok := m.conns[jobID]
	m.mu.Unlock()

	if !ok {
		return StateNoConnection
	}
	return conn.getState()
}

// Stats returns a snapshot of the lifetime counters
func (m *Manager) Stats() Stats {
	return Stats{
		Tracked:        m.TrackedCount(),
		DialAttempts:   m.stats.dialAttempts.Load(),
		Opened:         m.stats.opened.Load(),
		Closed:         m.stats.closed.Load(),
		TransportFails: m.stats.transportFails.Load(),
		PingsSent:      m.stats.pingsSent.Load(),
		EventsApplied:  m.stats.eventsApplied.Load(),
		EventsDropped:  m.stats.eventsDropped.Load(),
	}
}

func (m *Manager) openLocked(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &jobConnection{
		jobID:   jobID,
		url:     common.BuildProgressURL(m.config.Origin, m.config.PathPrefix, jobID),
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnecting,
		logger:  m.logger,
	}
	m.conns[jobID] = conn

	m.logger.Debug().
		Str("job_id", jobID).
		Str("url", conn.url).
		Msg("Opening progress feed")

	m.wg.Add(1)
	common.SafeGo(m.logger, "progress:"+jobID, func() {
		defer m.wg.Done()
		conn.run()
	})
}

func (m *Manager) closeLocked(jobID string, conn *jobConnection, reason string) {
	delete(m.conns, jobID)
	if conn.close() {
		m.stats.closed.Add(1)
		m.logger.Debug().
			Str("job_id", jobID).
			Str("reason", reason).
			Msg("Progress feed closed")
	}
}

// reconnectDelay returns the wait before the next dial of a dropped feed
func (m *Manager) reconnectDelay() time.Duration {
	delay := m.config.ReconnectDelay
	if m.config.ReconnectJitter > 0 {
		delay += rand.N(m.config.ReconnectJitter)
	}
	return delay
}

// jobIsActive re-checks the store before a feed is (re)established
func (m *Manager) jobIsActive(jobID string) bool {
	job, err := m.store.Get(jobID)
	if err != nil {
		return false
	}
	return !job.IsTerminal()
}

func (m *Manager) waitDialSlot(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}
