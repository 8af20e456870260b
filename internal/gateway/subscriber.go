package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

type closeReq struct {
	code int
	text string
}

// outbound is a queued binary frame, or an in-order close once every frame
// before it has been written.
type outbound struct {
	frame []byte
	close *closeReq
}

// subscriber is one stream connection. The write pump owns the unACKed
// counter and stops draining frames once it reaches pauseAt; an ACK from
// the read pump resets it.
type subscriber struct {
	id       string
	route    string
	streamID string
	tenant   string

	conn         *websocket.Conn
	pauseAt      int
	writeTimeout time.Duration
	logger       logrus.FieldLogger
	metrics      *Metrics

	queue   chan outbound
	texts   chan string
	acks    chan struct{}
	closeCh chan closeReq

	closeOnce sync.Once
	readDone  chan struct{}
	done      chan struct{}

	sent    atomic.Int64
	unacked atomic.Int64
	paused  atomic.Bool
}

func newSubscriber(conn *websocket.Conn, id, route, streamID, tenant string, cfg Config, logger logrus.FieldLogger, metrics *Metrics) *subscriber {
	return &subscriber{
		id:           id,
		route:        route,
		streamID:     streamID,
		tenant:       tenant,
		conn:         conn,
		pauseAt:      cfg.PauseThreshold,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		metrics:      metrics,
		queue:        make(chan outbound, cfg.QueueSize),
		texts:        make(chan string, 16),
		acks:         make(chan struct{}, 1),
		closeCh:      make(chan closeReq, 1),
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *subscriber) start() {
	go s.readPump()
	go s.writePump()
}

// offer queues frame without blocking; false means the queue is full.
func (s *subscriber) offer(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- outbound{frame: frame}:
		return true
	default:
		return false
	}
}

// enqueue queues frame, waiting for room until the connection ends.
func (s *subscriber) enqueue(frame []byte) bool {
	select {
	case s.queue <- outbound{frame: frame}:
		return true
	case <-s.done:
		return false
	}
}

// finish closes the connection with code once everything queued so far
// has been written. Falls back to an immediate close if the queue is full.
func (s *subscriber) finish(code int, text string) {
	req := &closeReq{code: code, text: text}
	select {
	case s.queue <- outbound{close: req}:
	case <-s.done:
	default:
		s.closeWith(code, text)
	}
}

// closeWith closes the connection immediately, dropping queued frames.
func (s *subscriber) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCh <- closeReq{code: code, text: text}
	})
}

func (s *subscriber) Done() <-chan struct{} { return s.done }

func (s *subscriber) readPump() {
	defer close(s.readDone)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			s.reply(protocol.ErrorFrame("binary frames not accepted"))
			continue
		}
		switch string(data) {
		case protocol.MsgAck:
			s.metrics.Acks.Inc()
			select {
			case s.acks <- struct{}{}:
			default:
			}
		case protocol.MsgPing:
			s.reply(protocol.MsgPong)
		default:
			s.reply(protocol.ErrorFrame("unknown command"))
		}
	}
}

func (s *subscriber) reply(text string) {
	select {
	case s.texts <- text:
	default:
		s.logger.WithField("text", text).Warn("reply queue full, dropping")
	}
}

func (s *subscriber) writePump() {
	defer close(s.done)
	defer s.conn.Close()

	var unacked int64
	for {
		queue := s.queue
		if unacked >= int64(s.pauseAt) {
			queue = nil
		}

		select {
		case req := <-s.closeCh:
			s.writeClose(req)
			return
		case <-s.readDone:
			return
		case <-s.acks:
			if unacked >= int64(s.pauseAt) {
				s.logger.WithField("unacked", unacked).Debug("resuming publisher")
			}
			unacked = 0
			s.unacked.Store(0)
			s.paused.Store(false)
		case text := <-s.texts:
			if err := s.write(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		case out := <-queue:
			if out.close != nil {
				s.writeClose(*out.close)
				return
			}
			if err := s.write(websocket.BinaryMessage, out.frame); err != nil {
				s.logger.WithError(err).Debug("frame write failed")
				return
			}
			unacked++
			s.unacked.Store(unacked)
			s.sent.Add(1)
			s.metrics.FramesSent.WithLabelValues(s.route).Inc()
			if unacked == int64(s.pauseAt) {
				s.paused.Store(true)
				s.metrics.Pauses.Inc()
				s.logger.WithField("unacked", unacked).Debug("pausing publisher until ACK")
			}
		}
	}
}

func (s *subscriber) write(mt int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(mt, data)
}

func (s *subscriber) writeClose(req closeReq) {
	msg := websocket.FormatCloseMessage(req.code, req.text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	// Give the peer a moment to echo the close before the socket drops.
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}
}
