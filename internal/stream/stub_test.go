package stream

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/event"
)

// stubServer is a scripted stand-in for the gateway. Each accepted socket
// runs script on the handler goroutine.
type stubServer struct {
	*httptest.Server

	handlers sync.WaitGroup

	mu       sync.Mutex
	connects []time.Time
	requests []*http.Request
}

type stubConn struct {
	t    *testing.T
	n    int
	req  *http.Request
	conn *websocket.Conn

	texts chan string
	done  chan struct{}

	mu       sync.Mutex
	received []string
}

func newStubServer(t *testing.T, script func(sc *stubConn)) *stubServer {
	t.Helper()
	s := &stubServer{}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.handlers.Add(1)
		defer s.handlers.Done()

		s.mu.Lock()
		s.connects = append(s.connects, time.Now())
		s.requests = append(s.requests, r)
		n := len(s.connects)
		s.mu.Unlock()

		sc := &stubConn{
			t:     t,
			n:     n,
			req:   r,
			conn:  conn,
			texts: make(chan string, 1024),
			done:  make(chan struct{}),
		}
		go sc.readPump()
		script(sc)

		// Let the client finish the close handshake before dropping the
		// socket so unread ACKs don't turn into a reset.
		select {
		case <-sc.done:
		case <-time.After(2 * time.Second):
		}
		conn.Close()
	}))
	t.Cleanup(func() {
		s.Close()
		s.handlers.Wait()
	})
	return s
}

func (s *stubServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *stubServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connects)
}

func (s *stubServer) connectTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.connects...)
}

func (s *stubServer) request(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (sc *stubConn) readPump() {
	defer close(sc.done)
	for {
		mt, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		sc.mu.Lock()
		sc.received = append(sc.received, string(data))
		sc.mu.Unlock()
		select {
		case sc.texts <- string(data):
		default:
		}
	}
}

func (sc *stubConn) textsReceived() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.received...)
}

func (sc *stubConn) count(text string) int {
	n := 0
	for _, s := range sc.textsReceived() {
		if s == text {
			n++
		}
	}
	return n
}

func (sc *stubConn) sendBinary(data []byte) {
	if err := sc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		sc.t.Errorf("stub write binary: %v", err)
	}
}

func (sc *stubConn) sendText(text string) {
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		sc.t.Errorf("stub write text: %v", err)
	}
}

func (sc *stubConn) sendEvents(from, n int) {
	for i := from; i < from+n; i++ {
		sc.sendBinary(testFrame(sc.t, i))
	}
}

func (sc *stubConn) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		sc.t.Errorf("stub write close: %v", err)
	}
}

// waitText blocks until the client sends want or the timeout passes.
func (sc *stubConn) waitText(want string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-sc.texts:
			if got == want {
				return true
			}
		case <-deadline:
			return false
		case <-sc.done:
			return false
		}
	}
}

func testEvent(i int) event.QuantumEvent {
	return event.QuantumEvent{
		JobID:          fmt.Sprintf("job-%d", i),
		TS:             int64(1700000000000 + i),
		Algo:           event.Algos[i%len(event.Algos)],
		Provider:       event.Providers[i%len(event.Providers)],
		Phase:          "running",
		LogicalQubits:  i,
		PhysicalQubits: i * 1000,
		CircuitDepth:   i * 10,
		GateError:      0.001,
		Fidelity:       0.99,
		ProgressPct:    float32(i%100) + 0.5,
		EtaSec:         i,
		PSuccess:       0.5,
	}
}

func testFrame(t *testing.T, i int) []byte {
	data, err := event.Encode(testEvent(i))
	if err != nil {
		t.Errorf("encode test event %d: %v", i, err)
	}
	return data
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(url string) Config {
	cfg := DefaultConfig(LiveEndpoint(url, "job-1", "secret-token"))
	cfg.Backoff.BaseDelay = 20 * time.Millisecond
	cfg.Backoff.MaxDelay = 100 * time.Millisecond
	cfg.Backoff.MaxRetries = 3
	cfg.AuthGrace = 50 * time.Millisecond
	return cfg
}

// recorder collects deliveries and state changes from a client.
type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	states     []StateChange
}

func (r *recorder) attach(c *Client) {
	c.Subscribe(func(d Delivery) {
		r.mu.Lock()
		r.deliveries = append(r.deliveries, d)
		r.mu.Unlock()
	})
	c.OnStateChange(func(ch StateChange) {
		r.mu.Lock()
		r.states = append(r.states, ch)
		r.mu.Unlock()
	})
}

func (r *recorder) snapshot() ([]Delivery, []StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...), append([]StateChange(nil), r.states...)
}

func (r *recorder) countState(s State) int {
	_, states := r.snapshot()
	n := 0
	for _, ch := range states {
		if ch.To == s {
			n++
		}
	}
	return n
}

func (r *recorder) reconnects() []StateChange {
	_, states := r.snapshot()
	var out []StateChange
	for _, ch := range states {
		if ch.To == StateReconnecting {
			out = append(out, ch)
		}
	}
	return out
}

func (r *recorder) sawState(s State) bool {
	return r.countState(s) > 0
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
