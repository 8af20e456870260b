package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/event"
	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

// SessionStats is a read-only snapshot of a session's counters.
type SessionStats struct {
	ID       string
	State    State
	OpenedAt time.Time
	Received uint64
	Acks     uint64
	Pending  int
	Paused   bool
}

// Session is one open socket. Its state is mutated only by its own read
// and liveness goroutines; everything exported is either a snapshot or a
// teardown request.
type Session struct {
	id       string
	conn     *websocket.Conn
	flow     *FlowController
	sink     *Sink
	clock    clockwork.Clock
	logger   logrus.FieldLogger
	metrics  *Metrics
	cfg      Config
	onState  func(StateChange)
	openedAt time.Time

	writeMu sync.Mutex // serialises all conn writes (ack, ping, close)

	mu    sync.Mutex
	state State
	ended bool
	err   error

	pong       chan struct{}
	active     chan struct{} // closed once the first frame arrives
	activeOnce sync.Once
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	done       chan struct{}
}

type sessionAcks struct{ s *Session }

func (a sessionAcks) WriteAck() error {
	return a.s.writeText(protocol.MsgAck)
}

func newSession(id string, conn *websocket.Conn, c *Client) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		sink:     c.sink,
		clock:    c.clock,
		logger:   c.logger.WithField("session_id", id),
		metrics:  c.metrics,
		cfg:      c.cfg,
		onState:  c.sessionStateChanged,
		openedAt: c.clock.Now(),
		state:    StateConnecting,
		pong:     make(chan struct{}, 1),
		active:   make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.flow = NewFlowController(c.cfg.AckThreshold, sessionAcks{s})
	return s
}

func (s *Session) start(paused bool) {
	if paused {
		s.flow.Pause()
	}
	s.setState(StateOpen, nil)

	s.wg.Add(2)
	go s.readLoop()
	go s.liveness()
	go func() {
		s.wg.Wait()
		s.setState(StateClosed, s.Err())
		close(s.done)
	}()
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Done is closed once the socket is released and both goroutines exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended: nil for a normal or caller-initiated
// close, *AuthError, or *TransientError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:       s.id,
		State:    s.State(),
		OpenedAt: s.openedAt,
		Received: s.flow.Received(),
		Acks:     s.flow.Acks(),
		Pending:  s.flow.Pending(),
		Paused:   s.flow.Paused(),
	}
}

// Pause withholds ACKs until Resume.
func (s *Session) Pause() { s.flow.Pause() }

// Resume re-enables ACKs and acknowledges outstanding frames.
func (s *Session) Resume() error {
	return s.flow.Resume()
}

// Close tears the session down and blocks until it reaches CLOSED. It is
// safe to call from any goroutine, any number of times.
func (s *Session) Close() error {
	s.finish(nil, protocol.CloseNormal, "client closing")
	<-s.done
	return nil
}

func (s *Session) setState(to State, err error) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed || (from == StateClosing && to != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.metrics.State.Set(float64(to))
	if s.onState != nil {
		s.onState(StateChange{From: from, To: to, Err: err})
	}
}

func (s *Session) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// finish records the terminal error (first caller wins) and releases the
// socket. A non-zero code is sent as a best-effort close frame.
func (s *Session) finish(err error, code int, text string) {
	s.mu.Lock()
	if !s.ended {
		s.ended = true
		s.err = err
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		s.setState(StateClosing, err)
		close(s.stop)
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, text)
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}
		s.conn.Close()
	})
}

func (s *Session) writeText(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(s.classifyReadError(err), 0, "")
			return
		}
		s.activeOnce.Do(func() { close(s.active) })
		if s.stopping() {
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if err := s.handleFrame(data); err != nil {
				s.finish(err, protocol.CloseGoingAway, "ack failed")
				return
			}
		case websocket.TextMessage:
			s.handleText(string(data))
		}
	}
}

func (s *Session) handleFrame(data []byte) error {
	ev, decodeErr := event.Decode(data)

	acked, err := s.flow.OnFrameReceived()
	if err != nil {
		return &TransientError{Reason: "ack write failed", Err: err}
	}
	if acked {
		s.metrics.Acks.Inc()
	}
	if p := s.flow.Pending(); p == s.cfg.ServerPauseThreshold+1 {
		s.logger.WithError(&ProtocolViolationError{
			Detail: "server kept publishing past its pause threshold",
		}).WithField("pending", p).Warn("backpressure ignored by server")
	}

	if decodeErr != nil {
		s.metrics.Frames.WithLabelValues("decode_error").Inc()
		s.logger.WithError(decodeErr).Debug("dropping malformed frame")
	} else {
		s.metrics.Frames.WithLabelValues("event").Inc()
	}
	s.sink.Deliver(ev, decodeErr)
	return nil
}

func (s *Session) handleText(text string) {
	if text == protocol.MsgPong {
		select {
		case s.pong <- struct{}{}:
		default:
		}
		return
	}
	if msg, ok := protocol.ParseErrorFrame(text); ok {
		s.metrics.ServerErrors.Inc()
		s.logger.WithField("message", msg).Warn("server reported an error")
		s.sink.Deliver(event.QuantumEvent{}, &ServerError{Message: msg})
		return
	}
	s.logger.WithError(&ProtocolViolationError{Detail: "unexpected text frame"}).
		WithField("text", text).Warn("ignoring text frame")
}

func (s *Session) classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == protocol.CloseNormal:
			return nil
		case protocol.IsAuthClose(ce.Code):
			return &AuthError{Code: ce.Code, Reason: ce.Text}
		default:
			return &TransientError{Code: ce.Code, Reason: protocol.CloseText(ce.Code), Err: err}
		}
	}
	if s.stopping() {
		// Our own teardown closed the socket; finish already has the cause.
		return nil
	}
	return &TransientError{Reason: "read failed", Err: err}
}
