package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
	"github.com/qryptonic/qstrike-stream/internal/replay"
)

// Publisher accepts encoded frames from event sources.
type Publisher interface {
	Publish(ctx context.Context, tenant, jobID string, frame []byte) error
	Complete(jobID string)
}

// ReplayStore records published frames and serves them back to the
// delayed route.
type ReplayStore interface {
	Append(ctx context.Context, streamID, jobID string, frame []byte) (replay.Entry, error)
	Until(ctx context.Context, streamID, after string, cutoff time.Time, count int64) ([]replay.Entry, error)
}

// Hub fans frames for a job out to its live subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]bool

	owners  Ownership
	store   ReplayStore
	logger  logrus.FieldLogger
	metrics *Metrics
}

func NewHub(owners Ownership, store ReplayStore, logger logrus.FieldLogger, metrics *Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]map[*subscriber]bool),
		owners:  owners,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	set, ok := h.subs[s.streamID]
	if !ok {
		set = make(map[*subscriber]bool)
		h.subs[s.streamID] = set
	}
	set[s] = true
	h.mu.Unlock()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[s.streamID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.streamID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) snapshot(jobID string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*subscriber, 0, len(h.subs[jobID]))
	for s := range h.subs[jobID] {
		subs = append(subs, s)
	}
	return subs
}

// Subscribers returns the number of live connections for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Publish records frame for jobID and queues it on every subscriber. The
// first tenant to publish a job owns it.
func (h *Hub) Publish(ctx context.Context, tenant, jobID string, frame []byte) error {
	owner, ok, err := h.owners.Owner(ctx, jobID)
	if err != nil {
		return fmt.Errorf("publish %s: %w", jobID, err)
	}
	if !ok {
		if err := h.owners.SetOwner(ctx, jobID, tenant); err != nil {
			return fmt.Errorf("publish %s: %w", jobID, err)
		}
	} else if owner != tenant {
		return fmt.Errorf("publish %s as %s: %w", jobID, tenant, ErrForbidden)
	}
	h.metrics.Published.Inc()

	if h.store != nil {
		if _, err := h.store.Append(ctx, jobID, jobID, frame); err != nil {
			h.metrics.ReplayErrors.Inc()
			h.logger.WithError(err).WithField("job_id", jobID).Warn("replay append failed")
		}
	}

	for _, s := range h.snapshot(jobID) {
		if s.tenant != tenant {
			h.metrics.AuthRejections.WithLabelValues(fmt.Sprint(protocol.CloseForbidden)).Inc()
			s.closeWith(protocol.CloseForbidden, protocol.CloseText(protocol.CloseForbidden))
			h.remove(s)
			continue
		}
		if !s.offer(frame) {
			h.metrics.FramesDropped.Inc()
			h.logger.WithFields(logrus.Fields{
				"job_id":        jobID,
				"subscriber_id": s.id,
			}).Warn("subscriber too slow, disconnecting")
			s.closeWith(protocol.CloseServerError, "subscriber queue overflow")
			h.remove(s)
		}
	}
	return nil
}

// Complete ends every live subscription to jobID with a normal close once
// their queued frames are written.
func (h *Hub) Complete(jobID string) {
	for _, s := range h.snapshot(jobID) {
		s.finish(protocol.CloseNormal, "job complete")
		h.remove(s)
	}
}

// Shutdown closes every subscriber with 1001.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*subscriber]bool)
	h.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.closeWith(protocol.CloseGoingAway, "gateway shutting down")
		}
	}
}
