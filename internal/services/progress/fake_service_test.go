package progress

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeService plays the job-execution service's progress endpoint
type fakeService struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	reject    atomic.Bool // answer 503 instead of upgrading
	replyPong atomic.Bool

	gateMu sync.Mutex
	gate   chan struct{} // when set, handshakes block until closed

	mu            sync.Mutex
	conns         map[string][]*serverConn
	upgrades      map[string]int
	pings         map[string]int
	maxConcurrent map[string]int
	headers       map[string]http.Header // handshake headers of the latest upgrade
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (sc *serverConn) write(msg string) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	f := &fakeService{
		conns:         make(map[string][]*serverConn),
		upgrades:      make(map[string]int),
		pings:         make(map[string]int),
		maxConcurrent: make(map[string]int),
		headers:       make(map[string]http.Header),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// origin returns the ws:// origin of the fake service
func (f *fakeService) origin() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeService) setGate(gate chan struct{}) {
	f.gateMu.Lock()
	f.gate = gate
	f.gateMu.Unlock()
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, DefaultPathPrefix) {
		http.NotFound(w, r)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, DefaultPathPrefix)

	f.gateMu.Lock()
	gate := f.gate
	f.gateMu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if f.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{ws: ws}

	f.mu.Lock()
	f.upgrades[jobID]++
	f.headers[jobID] = r.Header.Clone()
	f.conns[jobID] = append(f.conns[jobID], sc)
	if n := len(f.conns[jobID]); n > f.maxConcurrent[jobID] {
		f.maxConcurrent[jobID] = n
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		remaining := f.conns[jobID][:0]
		for _, c := range f.conns[jobID] {
			if c != sc {
				remaining = append(remaining, c)
			}
		}
		f.conns[jobID] = remaining
		f.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "ping" {
			f.mu.Lock()
			f.pings[jobID]++
			f.mu.Unlock()
			if f.replyPong.Load() {
				_ = sc.write(`{"type":"pong"}`)
			}
		}
	}
}

// send writes a frame to the newest open socket for jobID
func (f *fakeService) send(jobID, msg string) error {
	f.mu.Lock()
	conns := f.conns[jobID]
	var sc *serverConn
	if len(conns) > 0 {
		sc = conns[len(conns)-1]
	}
	f.mu.Unlock()

	if sc == nil {
		return errors.New("no open connection for " + jobID)
	}
	return sc.write(msg)
}

// drop abruptly closes every server-side socket for jobID
func (f *fakeService) drop(jobID string) {
	f.mu.Lock()
	conns := append([]*serverConn(nil), f.conns[jobID]...)
	f.mu.Unlock()

	for _, sc := range conns {
		sc.ws.Close()
	}
}

func (f *fakeService) openCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[jobID])
}

func (f *fakeService) totalOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, conns := range f.conns {
		total += len(conns)
	}
	return total
}

func (f *fakeService) upgradeCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upgrades[jobID]
}

func (f *fakeService) pingCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[jobID]
}

func (f *fakeService) totalPings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.pings {
		total += n
	}
	return total
}

func (f *fakeService) maxConcurrentFor(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxConcurrent[jobID]
}

func (f *fakeService) handshakeHeader(jobID string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[jobID]
}
