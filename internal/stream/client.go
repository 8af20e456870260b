// Package stream consumes the QStrike binary event stream: it decodes Avro
// frames, ACKs every AckThreshold frames so the server never has to pause,
// keeps the socket alive with text pings, reconnects with capped
// exponential backoff, and hands every frame to subscribers in wire order.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

// BackoffConfig shapes the reconnect delay curve.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxRetries bounds consecutive reconnects; -1 retries forever.
	MaxRetries int
	// HealthyAfter is how long a session must stay open for the curve to
	// restart from BaseDelay.
	HealthyAfter time.Duration
	JitterFactor float64
}

// Config configures a Client.
type Config struct {
	Endpoint             Endpoint
	AckThreshold         int
	ServerPauseThreshold int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	HandshakeTimeout     time.Duration
	// AuthGrace is how long Connect waits after the upgrade for a
	// post-handshake auth close before handing the session back.
	AuthGrace time.Duration
	Backoff   BackoffConfig
}

// DefaultConfig returns the documented client behaviour for endpoint.
func DefaultConfig(endpoint Endpoint) Config {
	return Config{
		Endpoint:             endpoint,
		AckThreshold:         protocol.DefaultAckThreshold,
		ServerPauseThreshold: protocol.DefaultPauseThreshold,
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		AuthGrace:            250 * time.Millisecond,
		Backoff: BackoffConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxRetries:   10,
			HealthyAfter: time.Minute,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Endpoint)
	if c.AckThreshold <= 0 {
		c.AckThreshold = d.AckThreshold
	}
	if c.ServerPauseThreshold <= 0 {
		c.ServerPauseThreshold = d.ServerPauseThreshold
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AuthGrace <= 0 {
		c.AuthGrace = d.AuthGrace
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = d.Backoff.BaseDelay
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		c.Backoff.MaxDelay = max(d.Backoff.MaxDelay, c.Backoff.BaseDelay)
	}
	if c.Backoff.MaxRetries < -1 {
		c.Backoff.MaxRetries = -1
	}
	if c.Backoff.HealthyAfter <= 0 {
		c.Backoff.HealthyAfter = d.Backoff.HealthyAfter
	}
	return c
}

// Option customises a Client.
type Option func(*Client)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock replaces the clock driving liveness timers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is the connection manager for one subscription. It owns at most
// one live session at a time.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	clock   clockwork.Clock
	logger  logrus.FieldLogger
	metrics *Metrics
	sink    *Sink

	mu       sync.Mutex
	state    State
	watchers []StateHandler
	session  *Session
	paused   bool
	closed   bool
	cancel   context.CancelFunc
	runDone  chan struct{}
}

// New creates a client. Nothing is dialled until Connect or Run.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		clock:  clockwork.NewRealClock(),
		logger: logrus.StandardLogger(),
		sink:   NewSink(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.cfg.HandshakeTimeout,
		}
	}
	c.logger = c.logger.WithFields(logrus.Fields{
		"route":  c.cfg.Endpoint.Route.String(),
		"stream": c.cfg.Endpoint.ID,
	})
	return c
}

// Subscribe registers a delivery handler. See Sink.Subscribe.
func (c *Client) Subscribe(h Handler) func() {
	return c.sink.Subscribe(h)
}

// SubscribeHandlers registers per-kind callbacks. See Sink.SubscribeHandlers.
func (c *Client) SubscribeHandlers(h Handlers) (func(), Capabilities) {
	return c.sink.SubscribeHandlers(h)
}

// OnStateChange registers an observer for connection state transitions.
func (c *Client) OnStateChange(h StateHandler) {
	c.mu.Lock()
	c.watchers = append(c.watchers, h)
	c.mu.Unlock()
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current session, or nil between connections.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Pause withholds ACKs on the current and any future session.
func (c *Client) Pause() {
	c.mu.Lock()
	c.paused = true
	s := c.session
	c.mu.Unlock()
	if s != nil {
		s.Pause()
	}
}

// Resume re-enables ACKs and acknowledges anything outstanding.
func (c *Client) Resume() error {
	c.mu.Lock()
	c.paused = false
	s := c.session
	c.mu.Unlock()
	if s != nil {
		return s.Resume()
	}
	return nil
}

func (c *Client) publish(ch StateChange) {
	c.mu.Lock()
	if ch.From == ch.To && ch.Err == nil {
		c.mu.Unlock()
		return
	}
	c.state = ch.To
	watchers := c.watchers
	c.mu.Unlock()

	c.metrics.State.Set(float64(ch.To))
	for _, w := range watchers {
		w(ch)
	}
}

func (c *Client) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.mu.Unlock()
	c.publish(StateChange{From: from, To: to, Err: err})
}

func (c *Client) sessionStateChanged(ch StateChange) {
	c.mu.Lock()
	ch.From = c.state
	c.mu.Unlock()
	c.publish(ch)
}

// Connect dials the endpoint once and returns the open session. A rejected
// handshake (HTTP 401/403) or a 4001/4003/4011 close before the first frame
// and within AuthGrace yields *AuthError; any other dial failure a
// *TransientError. Connect never retries.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	closed, paused := c.closed, c.paused
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	c.transition(StateConnecting, nil)
	s, err := c.dial(ctx, paused)
	if err != nil {
		c.transition(StateClosed, err)
		return nil, err
	}
	if err := c.awaitAdmission(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// awaitAdmission holds a fresh session until the server sends its first
// frame, AuthGrace passes, or the socket closes. Only an auth close is
// returned; the session has already published CLOSED by then. The grace
// timer is wall-clock like the handshake timeout, not the liveness clock.
func (c *Client) awaitAdmission(ctx context.Context, s *Session) error {
	grace := time.NewTimer(c.cfg.AuthGrace)
	defer grace.Stop()

	select {
	case <-s.active:
	case <-grace.C:
	case <-s.Done():
		if err := s.Err(); IsAuthError(err) {
			c.clearSession(s)
			return err
		}
	case <-ctx.Done():
		s.Close()
		c.clearSession(s)
		return ctx.Err()
	}
	return nil
}

func (c *Client) clearSession(s *Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context, paused bool) (*Session, error) {
	target, header, err := c.cfg.Endpoint.Request()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Reason: "dial failed", Err: err}
	}

	s := newSession(uuid.NewString(), conn, c)
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	s.start(paused)
	c.logger.WithField("session_id", s.id).Info("stream connected")
	return s, nil
}

// healthyDrop marks a transient failure after a session that stayed open
// for HealthyAfter. It deliberately does not unwrap to *TransientError so
// the retry policy hands it back and Run restarts the curve.
type healthyDrop struct {
	err error
}

func (h *healthyDrop) Error() string { return h.err.Error() }

// Run connects and keeps the subscription alive until the server closes
// normally (nil), an auth failure (*AuthError), the retry budget runs out
// (the last *TransientError), ctx is cancelled, or Close is called.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("stream client already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.runDone = cancel, done
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel, c.runDone = nil, nil
		c.mu.Unlock()
		close(done)
	}()

	for {
		err := c.runWithRetry(ctx)

		var hd *healthyDrop
		if !errors.As(err, &hd) {
			if ctx.Err() != nil && !IsAuthError(err) {
				err = ctx.Err()
			}
			c.transition(StateClosed, err)
			return err
		}

		delay := c.cfg.Backoff.BaseDelay
		c.metrics.Reconnects.Inc()
		c.logger.WithError(hd.err).WithField("delay", delay).Warn("stream dropped after healthy session, reconnecting")
		c.publish(StateChange{From: c.State(), To: StateReconnecting, Err: hd.err, Attempt: 1, Delay: delay})

		select {
		case <-ctx.Done():
			c.transition(StateClosed, ctx.Err())
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) retryPolicy() retrypolicy.RetryPolicy[any] {
	b := c.cfg.Backoff
	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return IsTransient(err)
		}).
		WithBackoff(b.BaseDelay, b.MaxDelay).
		WithMaxRetries(b.MaxRetries).
		ReturnLastFailure().
		OnRetryScheduled(func(e failsafe.ExecutionScheduledEvent[any]) {
			c.metrics.Reconnects.Inc()
			c.logger.WithError(e.LastError()).WithFields(logrus.Fields{
				"attempt": e.Attempts(),
				"delay":   e.Delay,
			}).Warn("stream connection lost, reconnecting")
			c.publish(StateChange{
				From:    c.State(),
				To:      StateReconnecting,
				Err:     e.LastError(),
				Attempt: e.Attempts(),
				Delay:   e.Delay,
			})
		})
	if b.JitterFactor > 0 {
		builder = builder.WithJitterFactor(b.JitterFactor)
	}
	return builder.Build()
}

func (c *Client) runWithRetry(ctx context.Context) error {
	_, err := failsafe.With[any](c.retryPolicy()).
		WithContext(ctx).
		Get(func() (any, error) {
			return nil, c.runSession(ctx)
		})
	return err
}

func (c *Client) runSession(ctx context.Context) error {
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
	c.clearSession(s)

	err = s.Err()
	if IsTransient(err) && c.clock.Since(s.openedAt) >= c.cfg.Backoff.HealthyAfter {
		return &healthyDrop{err: err}
	}
	if err == nil {
		c.logger.WithField("session_id", s.id).Info("stream closed normally")
	}
	return err
}

// Close stops Run (including a pending backoff delay), closes any open
// session and waits until the client is CLOSED. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel, done, s := c.cancel, c.runDone, c.session
	c.session = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if s != nil {
		s.Close()
	}
	c.transition(StateClosed, nil)
	return nil
}
