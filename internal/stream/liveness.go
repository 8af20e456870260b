package stream

import "github.com/qryptonic/qstrike-stream/internal/protocol"

// liveness sends a text ping every PingInterval of open connection and
// fails the session if no pong follows within PongTimeout. Exactly one
// timer is armed at any moment, and both are released on every exit path.
func (s *Session) liveness() {
	defer s.wg.Done()

	for {
		idle := s.clock.NewTimer(s.cfg.PingInterval)
		select {
		case <-s.stop:
			idle.Stop()
			return
		case <-idle.Chan():
		}

		// A pong that arrived without an outstanding ping is stale.
		select {
		case <-s.pong:
		default:
		}

		if err := s.writeText(protocol.MsgPing); err != nil {
			s.finish(&TransientError{Reason: "ping write failed", Err: err}, 0, "")
			return
		}
		s.metrics.Pings.Inc()
		s.setState(StateAwaitingPong, nil)

		deadline := s.clock.NewTimer(s.cfg.PongTimeout)
		select {
		case <-s.stop:
			deadline.Stop()
			return
		case <-s.pong:
			deadline.Stop()
			s.setState(StateOpen, nil)
		case <-deadline.Chan():
			s.metrics.PongTimeouts.Inc()
			s.logger.WithField("timeout", s.cfg.PongTimeout).Warn("no pong received, dropping connection")
			s.finish(&TransientError{Reason: "pong timeout"}, protocol.CloseGoingAway, "pong timeout")
			return
		}
	}
}
