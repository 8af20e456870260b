package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qryptonic/qstrike-stream/internal/event"
	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

func runClient(t *testing.T, c *Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestRunDeliversFramesInWireOrder(t *testing.T) {
	for _, n := range []int{0, 1, 7, 450} {
		t.Run(fmt.Sprintf("%d frames", n), func(t *testing.T) {
			srv := newStubServer(t, func(sc *stubConn) {
				sc.sendEvents(0, n)
				sc.closeWith(protocol.CloseNormal, "done")
			})

			c := New(testConfig(srv.wsURL()), WithLogger(quietLogger()))
			rec := &recorder{}
			rec.attach(c)

			if err := runClient(t, c); err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			deliveries, _ := rec.snapshot()
			if len(deliveries) != n {
				t.Fatalf("got %d deliveries, want %d", len(deliveries), n)
			}
			for i, d := range deliveries {
				if !d.OK() {
					t.Fatalf("delivery %d error: %v", i, d.Err)
				}
				if want := fmt.Sprintf("job-%d", i); d.Event.JobID != want {
					t.Fatalf("delivery %d job = %q, want %q", i, d.Event.JobID, want)
				}
				if d.Seq != uint64(i+1) {
					t.Fatalf("delivery %d seq = %d", i, d.Seq)
				}
			}
		})
	}
}

func TestAckSentBeforeNextFrameIsProcessed(t *testing.T) {
	const threshold = 5
	srv := newStubServer(t, func(sc *stubConn) {
		sc.sendEvents(0, 3*threshold+2)
		sc.closeWith(protocol.CloseNormal, "")
	})

	cfg := testConfig(srv.wsURL())
	cfg.AckThreshold = threshold
	c := New(cfg, WithLogger(quietLogger()))

	// At delivery k the session must already have ACKed floor(k/threshold)
	// times: the ACK for frame N goes out before frame N+1 is read.
	var mismatches []string
	c.Subscribe(func(d Delivery) {
		s := c.Session()
		if s == nil {
			mismatches = append(mismatches, fmt.Sprintf("seq %d: no session", d.Seq))
			return
		}
		want := d.Seq / threshold
		if got := s.Stats().Acks; got != want {
			mismatches = append(mismatches, fmt.Sprintf("seq %d: acks %d, want %d", d.Seq, got, want))
		}
	})

	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mismatches) > 0 {
		t.Errorf("ack cadence violated:\n%s", strings.Join(mismatches, "\n"))
	}
}

func TestEndToEnd205FramesThenNormalClose(t *testing.T) {
	conns := make(chan *stubConn, 4)
	srv := newStubServer(t, func(sc *stubConn) {
		sc.sendEvents(0, 205)
		sc.closeWith(protocol.CloseNormal, "stream complete")
		conns <- sc
	})

	c := New(testConfig(srv.wsURL()), WithLogger(quietLogger()))
	rec := &recorder{}
	rec.attach(c)

	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	sc := <-conns
	select {
	case <-sc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the client close")
	}
	if got := sc.count(protocol.MsgAck); got != 1 {
		t.Errorf("server received %d ACKs, want 1", got)
	}

	deliveries, _ := rec.snapshot()
	if len(deliveries) != 205 {
		t.Fatalf("decoded %d frames, want 205", len(deliveries))
	}
	for i, d := range deliveries {
		if d.Event.JobID != fmt.Sprintf("job-%d", i) {
			t.Fatalf("frame %d out of order: %q", i, d.Event.JobID)
		}
	}

	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := srv.connectCount(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
	if rec.sawState(StateReconnecting) {
		t.Error("client reconnected after a normal close")
	}
}

func TestMalformedFramesCountTowardAck(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.sendEvents(0, 1)
		sc.sendBinary([]byte{0xff, 0xff})
		sc.sendEvents(1, 1)
		sc.sendBinary(nil)
		sc.closeWith(protocol.CloseNormal, "")
	})

	cfg := testConfig(srv.wsURL())
	cfg.AckThreshold = 2
	metrics := NewMetrics(prometheus.NewRegistry())
	c := New(cfg, WithLogger(quietLogger()), WithMetrics(metrics))
	rec := &recorder{}
	rec.attach(c)

	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	deliveries, _ := rec.snapshot()
	if len(deliveries) != 4 {
		t.Fatalf("got %d deliveries, want 4", len(deliveries))
	}
	wantOK := []bool{true, false, true, false}
	for i, d := range deliveries {
		if d.OK() != wantOK[i] {
			t.Errorf("delivery %d OK = %v, want %v (err %v)", i, d.OK(), wantOK[i], d.Err)
		}
	}
	if got := testutil.ToFloat64(metrics.Acks); got != 2 {
		t.Errorf("acks metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.Frames.WithLabelValues("decode_error")); got != 2 {
		t.Errorf("decode_error frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.Frames.WithLabelValues("event")); got != 2 {
		t.Errorf("event frames = %v, want 2", got)
	}
}

func TestServerErrorFrameIsDelivered(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.sendEvents(0, 1)
		sc.sendText(protocol.ErrorFrame("replay window exceeded"))
		sc.sendText("unexpected")
		sc.sendEvents(1, 1)
		sc.closeWith(protocol.CloseNormal, "")
	})

	c := New(testConfig(srv.wsURL()), WithLogger(quietLogger()))
	var serverErrs []string
	events := 0
	_, caps := c.SubscribeHandlers(Handlers{
		OnEvent:       func(event.QuantumEvent) { events++ },
		OnServerError: func(e *ServerError) { serverErrs = append(serverErrs, e.Message) },
	})
	if caps.DecodeErrors != Unavailable {
		t.Errorf("DecodeErrors capability = %v, want Unavailable", caps.DecodeErrors)
	}

	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
	if len(serverErrs) != 1 || serverErrs[0] != "replay window exceeded" {
		t.Errorf("server errors = %v", serverErrs)
	}
}

func TestAuthCloseIsFatal(t *testing.T) {
	for _, code := range []int{protocol.CloseUnauthorized, protocol.CloseForbidden, protocol.CloseTokenExpired} {
		t.Run(protocol.CloseText(code), func(t *testing.T) {
			srv := newStubServer(t, func(sc *stubConn) {
				sc.closeWith(code, "tenant mismatch")
			})

			c := New(testConfig(srv.wsURL()), WithLogger(quietLogger()))
			rec := &recorder{}
			rec.attach(c)

			err := runClient(t, c)
			var ae *AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("Run() error = %v, want *AuthError", err)
			}
			if ae.Code != code {
				t.Errorf("AuthError.Code = %d, want %d", ae.Code, code)
			}

			time.Sleep(3 * testConfig("").Backoff.BaseDelay)
			if got := srv.connectCount(); got != 1 {
				t.Errorf("server saw %d connections, want 1", got)
			}
			if rec.sawState(StateReconnecting) {
				t.Error("client scheduled a reconnect after an auth failure")
			}
		})
	}
}

func TestConnectReportsAuthCloseAfterUpgrade(t *testing.T) {
	for _, code := range []int{protocol.CloseUnauthorized, protocol.CloseForbidden, protocol.CloseTokenExpired} {
		t.Run(protocol.CloseText(code), func(t *testing.T) {
			srv := newStubServer(t, func(sc *stubConn) {
				sc.closeWith(code, "bad token")
			})

			cfg := testConfig(srv.wsURL())
			cfg.AuthGrace = 2 * time.Second
			c := New(cfg, WithLogger(quietLogger()))
			rec := &recorder{}
			rec.attach(c)

			start := time.Now()
			s, err := c.Connect(context.Background())
			var ae *AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("Connect() = %v, %v; want *AuthError", s, err)
			}
			if ae.Code != code {
				t.Errorf("AuthError.Code = %d, want %d", ae.Code, code)
			}
			if s != nil {
				t.Error("Connect returned a session alongside the auth error")
			}
			if took := time.Since(start); took >= cfg.AuthGrace {
				t.Errorf("Connect took %v, want the close reported before the grace window ends", took)
			}
			if c.Session() != nil {
				t.Error("client kept the rejected session")
			}
			if got := c.State(); got != StateClosed {
				t.Errorf("State() = %v, want CLOSED", got)
			}
			if rec.sawState(StateReconnecting) {
				t.Error("Connect scheduled a reconnect")
			}
		})
	}
}

func TestConnectReturnsOnFirstFrame(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.sendEvents(0, 1)
		<-sc.done
	})

	cfg := testConfig(srv.wsURL())
	cfg.AuthGrace = 5 * time.Second
	c := New(cfg, WithLogger(quietLogger()))
	t.Cleanup(func() { c.Close() })
	rec := &recorder{}
	rec.attach(c)

	start := time.Now()
	s, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if took := time.Since(start); took >= time.Second {
		t.Errorf("Connect took %v with a frame already delivered", took)
	}
	eventually(t, time.Second, func() bool {
		d, _ := rec.snapshot()
		return len(d) == 1
	}, "first delivery")

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
}

func TestServerErrorCloseReconnectsOnceAfterBackoffFloor(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		if sc.n == 1 {
			sc.sendEvents(0, 3)
			sc.closeWith(protocol.CloseServerError, "broker unavailable")
			return
		}
		sc.sendEvents(3, 2)
		sc.closeWith(protocol.CloseNormal, "")
	})

	cfg := testConfig(srv.wsURL())
	cfg.Backoff.BaseDelay = 150 * time.Millisecond
	cfg.Backoff.MaxDelay = time.Second
	metrics := NewMetrics(nil)
	c := New(cfg, WithLogger(quietLogger()), WithMetrics(metrics))
	rec := &recorder{}
	rec.attach(c)

	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	times := srv.connectTimes()
	if len(times) != 2 {
		t.Fatalf("server saw %d connections, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < cfg.Backoff.BaseDelay {
		t.Errorf("reconnect after %v, want at least %v", gap, cfg.Backoff.BaseDelay)
	}
	if got := rec.countState(StateReconnecting); got != 1 {
		t.Errorf("RECONNECTING transitions = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Reconnects); got != 1 {
		t.Errorf("reconnects metric = %v, want 1", got)
	}

	_, states := rec.snapshot()
	for _, ch := range states {
		if ch.To != StateReconnecting {
			continue
		}
		var te *TransientError
		if !errors.As(ch.Err, &te) || te.Code != protocol.CloseServerError {
			t.Errorf("reconnect cause = %v, want close 1011", ch.Err)
		}
		if ch.Delay != cfg.Backoff.BaseDelay {
			t.Errorf("reconnect delay = %v, want %v", ch.Delay, cfg.Backoff.BaseDelay)
		}
	}

	deliveries, _ := rec.snapshot()
	if len(deliveries) != 5 {
		t.Fatalf("got %d deliveries across sessions, want 5", len(deliveries))
	}
	for i, d := range deliveries {
		if d.Event.JobID != fmt.Sprintf("job-%d", i) {
			t.Errorf("delivery %d = %q", i, d.Event.JobID)
		}
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.closeWith(protocol.CloseGoingAway, "restarting")
	})

	cfg := testConfig(srv.wsURL())
	cfg.Backoff.MaxRetries = 2
	c := New(cfg, WithLogger(quietLogger()))

	err := runClient(t, c)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want *TransientError", err)
	}
	if te.Code != protocol.CloseGoingAway {
		t.Errorf("TransientError.Code = %d, want 1001", te.Code)
	}
	if got := srv.connectCount(); got != 3 {
		t.Errorf("server saw %d connections, want 3", got)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}
}

func TestBackoffGrowsToCapAcrossShortSessions(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.closeWith(protocol.CloseServerError, "broker unavailable")
	})

	cfg := testConfig(srv.wsURL())
	cfg.Backoff.BaseDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 40 * time.Millisecond
	cfg.Backoff.MaxRetries = 5
	c := New(cfg, WithLogger(quietLogger()))
	rec := &recorder{}
	rec.attach(c)

	err := runClient(t, c)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want *TransientError", err)
	}

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	got := rec.reconnects()
	if len(got) != len(want) {
		t.Fatalf("RECONNECTING transitions = %d, want %d", len(got), len(want))
	}
	for i, ch := range got {
		if ch.Delay != want[i] {
			t.Errorf("reconnect %d delay = %v, want %v", i, ch.Delay, want[i])
		}
		if ch.Attempt != i+1 {
			t.Errorf("reconnect %d attempt = %d, want %d", i, ch.Attempt, i+1)
		}
	}
	if n := srv.connectCount(); n != len(want)+1 {
		t.Errorf("server saw %d connections, want %d", n, len(want)+1)
	}
}

func TestBackoffJitterStaysWithinFactor(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.closeWith(protocol.CloseGoingAway, "restarting")
	})

	cfg := testConfig(srv.wsURL())
	cfg.Backoff.BaseDelay = 20 * time.Millisecond
	cfg.Backoff.MaxDelay = 80 * time.Millisecond
	cfg.Backoff.MaxRetries = 4
	cfg.Backoff.JitterFactor = 0.5
	c := New(cfg, WithLogger(quietLogger()))
	rec := &recorder{}
	rec.attach(c)

	if err := runClient(t, c); !IsTransient(err) {
		t.Fatalf("Run() error = %v, want transient", err)
	}

	got := rec.reconnects()
	if len(got) != cfg.Backoff.MaxRetries {
		t.Fatalf("RECONNECTING transitions = %d, want %d", len(got), cfg.Backoff.MaxRetries)
	}
	nominal := cfg.Backoff.BaseDelay
	for i, ch := range got {
		lo := time.Duration(float64(nominal) * (1 - cfg.Backoff.JitterFactor))
		hi := time.Duration(float64(nominal) * (1 + cfg.Backoff.JitterFactor))
		if ch.Delay < lo || ch.Delay > hi {
			t.Errorf("reconnect %d delay = %v, want within [%v, %v]", i, ch.Delay, lo, hi)
		}
		nominal = min(2*nominal, cfg.Backoff.MaxDelay)
	}
}

func TestHealthySessionRestartsBackoff(t *testing.T) {
	healthy := make(chan struct{})
	srv := newStubServer(t, func(sc *stubConn) {
		switch sc.n {
		case 1, 2:
			sc.closeWith(protocol.CloseServerError, "broker unavailable")
		case 3:
			select {
			case <-healthy:
			case <-sc.done:
				return
			}
			sc.closeWith(protocol.CloseServerError, "broker unavailable")
		default:
			sc.closeWith(protocol.CloseNormal, "")
		}
	})

	clock := clockwork.NewFakeClock()
	cfg := testConfig(srv.wsURL())
	cfg.Backoff.HealthyAfter = 5 * time.Second
	c := New(cfg, WithLogger(quietLogger()), WithClock(clock))
	t.Cleanup(func() { c.Close() })
	rec := &recorder{}
	rec.attach(c)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	eventually(t, 2*time.Second, func() bool {
		s := c.Session()
		return srv.connectCount() == 3 && s != nil && s.State() == StateOpen
	}, "third session open")
	if got := len(rec.reconnects()); got != 2 {
		t.Fatalf("RECONNECTING transitions before the healthy session = %d, want 2", got)
	}

	clock.Advance(cfg.Backoff.HealthyAfter)
	close(healthy)

	eventually(t, 2*time.Second, func() bool { return len(rec.reconnects()) == 3 }, "RECONNECTING after healthy session")
	clock.BlockUntil(1)
	clock.Advance(cfg.Backoff.BaseDelay)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	got := rec.reconnects()
	want := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, cfg.Backoff.BaseDelay},
		{2, 2 * cfg.Backoff.BaseDelay},
		{1, cfg.Backoff.BaseDelay},
	}
	if len(got) != len(want) {
		t.Fatalf("RECONNECTING transitions = %d, want %d", len(got), len(want))
	}
	for i, ch := range got {
		if ch.Attempt != want[i].attempt || ch.Delay != want[i].delay {
			t.Errorf("reconnect %d = attempt %d in %v, want attempt %d in %v",
				i, ch.Attempt, ch.Delay, want[i].attempt, want[i].delay)
		}
	}
	if n := srv.connectCount(); n != 4 {
		t.Errorf("server saw %d connections, want 4", n)
	}
}

func TestHandshakeRejectionIsAuthError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), WithLogger(quietLogger()))
	err := runClient(t, c)

	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Run() error = %v, want *AuthError", err)
	}
	if ae.Status != http.StatusUnauthorized {
		t.Errorf("AuthError.Status = %d, want 401", ae.Status)
	}
	if attempts != 1 {
		t.Errorf("handshake attempts = %d, want 1", attempts)
	}
}

func TestCloseDuringBackoff(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.closeWith(protocol.CloseServerError, "")
	})

	cfg := testConfig(srv.wsURL())
	cfg.Backoff.BaseDelay = 10 * time.Second
	cfg.Backoff.MaxDelay = 10 * time.Second
	c := New(cfg, WithLogger(quietLogger()))
	rec := &recorder{}
	rec.attach(c)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	eventually(t, 2*time.Second, func() bool { return rec.sawState(StateReconnecting) }, "RECONNECTING")

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Close took %v during backoff", took)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if got := srv.connectCount(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Run after Close = %v, want ErrClientClosed", err)
	}
}

func TestPongTimeoutDropsConnection(t *testing.T) {
	conns := make(chan *stubConn, 1)
	srv := newStubServer(t, func(sc *stubConn) {
		conns <- sc
		<-sc.done // never answers pings
	})

	clock := clockwork.NewFakeClock()
	metrics := NewMetrics(nil)
	c := New(testConfig(srv.wsURL()), WithLogger(quietLogger()), WithClock(clock), WithMetrics(metrics))
	rec := &recorder{}
	rec.attach(c)

	s, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	sc := <-conns

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	if !sc.waitText(protocol.MsgPing, 2*time.Second) {
		t.Fatal("client never sent ping")
	}
	eventually(t, time.Second, func() bool { return s.State() == StateAwaitingPong }, "AWAITING_PONG")

	clock.BlockUntil(1)
	clock.Advance(9 * time.Second)
	select {
	case <-s.Done():
		t.Fatal("session closed before the pong timeout")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session still open after pong timeout")
	}

	var te *TransientError
	if !errors.As(s.Err(), &te) || te.Reason != "pong timeout" {
		t.Fatalf("session Err() = %v, want pong timeout", s.Err())
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("session state = %v, want CLOSED", got)
	}
	if !rec.sawState(StateClosing) {
		t.Error("no CLOSING transition observed")
	}
	if got := testutil.ToFloat64(metrics.PongTimeouts); got != 1 {
		t.Errorf("pong timeouts = %v, want 1", got)
	}
}

func TestPongKeepsConnectionOpen(t *testing.T) {
	conns := make(chan *stubConn, 1)
	srv := newStubServer(t, func(sc *stubConn) {
		conns <- sc
		for {
			select {
			case text := <-sc.texts:
				if text == protocol.MsgPing {
					sc.sendText(protocol.MsgPong)
				}
			case <-sc.done:
				return
			}
		}
	})

	clock := clockwork.NewFakeClock()
	c := New(testConfig(srv.wsURL()), WithLogger(quietLogger()), WithClock(clock))
	rec := &recorder{}
	rec.attach(c)

	s, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	<-conns

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(30 * time.Second)
		opens := i + 2
		eventually(t, 2*time.Second, func() bool { return rec.countState(StateOpen) == opens }, "OPEN after pong")
	}
	clock.BlockUntil(1)

	clock.Advance(10 * time.Second)
	if got := s.State(); got == StateClosed || got == StateClosing {
		t.Fatalf("session closed despite pongs: %v", s.Err())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if s.Err() != nil {
		t.Errorf("Err() after caller close = %v, want nil", s.Err())
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state after Close = %v, want CLOSED", got)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestPauseWithholdsAcks(t *testing.T) {
	conns := make(chan *stubConn, 1)
	resumed := make(chan struct{})
	srv := newStubServer(t, func(sc *stubConn) {
		conns <- sc
		sc.sendEvents(0, 10)
		<-resumed
		if !sc.waitText(protocol.MsgAck, 2*time.Second) {
			sc.t.Error("no ACK after resume")
		}
		sc.closeWith(protocol.CloseNormal, "")
	})

	cfg := testConfig(srv.wsURL())
	cfg.AckThreshold = 3
	c := New(cfg, WithLogger(quietLogger()))
	c.Pause()

	received := make(chan struct{}, 10)
	c.Subscribe(func(Delivery) { received <- struct{}{} })

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	sc := <-conns
	for i := 0; i < 10; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d frames delivered", i)
		}
	}
	if got := sc.count(protocol.MsgAck); got != 0 {
		t.Errorf("server got %d ACKs while paused", got)
	}
	s := c.Session()
	if s == nil {
		t.Fatal("no session while streaming")
	}
	if st := s.Stats(); st.Pending != 10 || !st.Paused {
		t.Errorf("stats while paused = %+v", st)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	close(resumed)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}
	if got := sc.count(protocol.MsgAck); got != 1 {
		t.Errorf("server got %d ACKs after resume, want 1", got)
	}
}

func TestEndpointCredentialPlacement(t *testing.T) {
	srv := newStubServer(t, func(sc *stubConn) {
		sc.closeWith(protocol.CloseNormal, "")
	})

	live := testConfig(srv.wsURL())
	live.Endpoint = LiveEndpoint(srv.wsURL(), "job-7", "tok-live")
	if err := runClient(t, New(live, WithLogger(quietLogger()))); err != nil {
		t.Fatalf("live Run() error: %v", err)
	}

	delayed := testConfig(srv.wsURL())
	delayed.Endpoint = DelayedEndpoint(srv.URL, "stream-3", "tok-delay")
	if err := runClient(t, New(delayed, WithLogger(quietLogger()))); err != nil {
		t.Fatalf("delayed Run() error: %v", err)
	}

	r := srv.request(0)
	if r.URL.Path != "/ws/jobs/job-7/stream" {
		t.Errorf("live path = %q", r.URL.Path)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer tok-live" {
		t.Errorf("live Authorization = %q", got)
	}
	if r.URL.Query().Get("token") != "" {
		t.Error("live route leaked the token into the query")
	}

	r = srv.request(1)
	if r.URL.Path != "/ws/delay/stream-3" {
		t.Errorf("delayed path = %q", r.URL.Path)
	}
	if got := r.URL.Query().Get("token"); got != "tok-delay" {
		t.Errorf("delayed token = %q", got)
	}
	if r.Header.Get("Authorization") != "" {
		t.Error("delayed route sent an Authorization header")
	}
}
