// Package gateway is a reference server for the QStrike stream protocol. It
// authenticates tenants, encodes job events as Avro frames, pauses each
// connection at its unACKed limit and serves recorded streams on a delay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

var errNoReplay = errors.New("replay store not configured")

type Config struct {
	PauseThreshold int
	QueueSize      int
	WriteTimeout   time.Duration
	ReplayDelay    time.Duration
	ReplayPoll     time.Duration
	ReplayBatch    int64
	// MetricsPath is where the registry is exposed. Empty disables it.
	MetricsPath    string
}

func DefaultConfig() Config {
	return Config{
		PauseThreshold: protocol.DefaultPauseThreshold,
		QueueSize:      1024,
		WriteTimeout:   10 * time.Second,
		ReplayDelay:    30 * time.Second,
		ReplayPoll:     250 * time.Millisecond,
		ReplayBatch:    256,
		MetricsPath:    "/metrics",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = d.PauseThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReplayDelay < 0 {
		c.ReplayDelay = 0
	}
	if c.ReplayPoll <= 0 {
		c.ReplayPoll = d.ReplayPoll
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = d.ReplayBatch
	}
	return c
}

// Deps are the gateway's collaborators. Only Auth is required.
type Deps struct {
	Auth     *Authenticator
	Owners   Ownership
	Replay   ReplayStore
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry
	Clock    clockwork.Clock
}

type Server struct {
	cfg      Config
	auth     *Authenticator
	owners   Ownership
	replay   ReplayStore
	hub      *Hub
	logger   logrus.FieldLogger
	metrics  *Metrics
	registry *prometheus.Registry
	clock    clockwork.Clock
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		auth:     deps.Auth,
		owners:   deps.Owners,
		replay:   deps.Replay,
		logger:   deps.Logger,
		registry: deps.Registry,
		clock:    deps.Clock,
	}
	if s.owners == nil {
		s.owners = NewMemoryOwnership()
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	s.metrics = NewMetrics(s.registry)
	s.hub = NewHub(s.owners, s.replay, s.logger, s.metrics)
	s.upgrader = websocket.Upgrader{
		// Streams are authenticated by token, not by origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Hub returns the publisher sources feed.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(protocol.LiveRoute, s.handleLive)
	r.Get(protocol.DelayedRoute, s.handleDelayed)
	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsPath != "" {
		r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize validates token and stream ownership. A failure is reported
// after the upgrade as a close code so clients can tell it from a
// transport error.
func (s *Server) authorize(ctx context.Context, token, id string) (*Claims, error) {
	claims, err := s.auth.Verify(token)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(ctx, s.owners, id, claims.TenantID); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, route, id, token string) (*subscriber, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("ws upgrade failed")
		return nil, false
	}

	logger := s.logger.WithFields(logrus.Fields{"route": route, "stream_id": id, "remote": r.RemoteAddr})
	claims, err := s.authorize(r.Context(), token, id)
	if err != nil {
		code := CloseCode(err)
		s.metrics.AuthRejections.WithLabelValues(fmt.Sprint(code)).Inc()
		logger.WithError(err).WithField("code", code).Info("rejecting stream")
		msg := websocket.FormatCloseMessage(code, protocol.CloseText(code))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return nil, false
	}

	sub := newSubscriber(conn, uuid.NewString(), route, id, claims.TenantID, s.cfg,
		logger.WithField("tenant_id", claims.TenantID), s.metrics)
	return sub, true
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	sub, ok := s.upgrade(w, r, "live", jobID, bearerToken(r))
	if !ok {
		return
	}

	s.hub.add(sub)
	sub.start()
	s.metrics.Connections.WithLabelValues("live").Inc()
	sub.logger.Info("live subscriber connected")

	select {
	case <-sub.Done():
	case <-r.Context().Done():
		sub.closeWith(protocol.CloseGoingAway, "gateway shutting down")
		<-sub.Done()
	}
	s.hub.remove(sub)
	s.metrics.Connections.WithLabelValues("live").Dec()
	sub.logger.WithField("frames_sent", sub.sent.Load()).Info("live subscriber disconnected")
}

func (s *Server) handleDelayed(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamId")
	sub, ok := s.upgrade(w, r, "delayed", streamID, queryToken(r))
	if !ok {
		return
	}
	if s.replay == nil {
		sub.start()
		sub.closeWith(protocol.CloseServerError, errNoReplay.Error())
		<-sub.Done()
		return
	}

	sub.start()
	s.metrics.Connections.WithLabelValues("delayed").Inc()
	sub.logger.WithField("delay", s.cfg.ReplayDelay).Info("delayed subscriber connected")

	err := s.replayLoop(r.Context(), sub)
	switch {
	case errors.Is(err, context.Canceled):
		sub.closeWith(protocol.CloseGoingAway, "gateway shutting down")
	case errors.Is(err, ErrForbidden):
		s.metrics.AuthRejections.WithLabelValues(fmt.Sprint(protocol.CloseForbidden)).Inc()
		sub.closeWith(protocol.CloseForbidden, protocol.CloseText(protocol.CloseForbidden))
	case err != nil:
		s.metrics.ReplayErrors.Inc()
		sub.logger.WithError(err).Warn("replay failed")
		sub.closeWith(protocol.CloseServerError, "replay failed")
	}

	<-sub.Done()
	s.metrics.Connections.WithLabelValues("delayed").Dec()
	sub.logger.WithField("frames_sent", sub.sent.Load()).Info("delayed subscriber disconnected")
}

// replayLoop feeds sub with recorded frames once they are ReplayDelay old.
// It returns nil when the subscriber goes away and ctx.Err() on shutdown.
func (s *Server) replayLoop(ctx context.Context, sub *subscriber) error {
	ticker := s.clock.NewTicker(s.cfg.ReplayPoll)
	defer ticker.Stop()

	var after string
	for {
		cutoff := s.clock.Now().Add(-s.cfg.ReplayDelay)
		entries, err := s.replay.Until(ctx, sub.streamID, after, cutoff, s.cfg.ReplayBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(entries) > 0 && after == "" {
			// The owner is known once something was recorded.
			if err := checkOwner(ctx, s.owners, sub.streamID, sub.tenant); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if !sub.enqueue(e.Frame) {
				return nil
			}
			after = e.ID
		}
		if int64(len(entries)) == s.cfg.ReplayBatch {
			continue
		}

		select {
		case <-sub.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("gateway listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
