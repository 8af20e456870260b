package stream

import (
	"errors"
	"sync"

	"github.com/qryptonic/qstrike-stream/internal/event"
)

// Delivery is one sink callback: either a decoded event or the error that
// replaced it.
type Delivery struct {
	// Seq numbers deliveries from 1 across the client's lifetime.
	Seq   uint64
	Event event.QuantumEvent
	Err   error
}

// OK reports whether the delivery carries an event.
func (d Delivery) OK() bool { return d.Err == nil }

// Handler receives deliveries in wire order.
type Handler func(Delivery)

type subscription struct {
	id uint64
	h  Handler
}

// Sink broadcasts deliveries to subscribers in arrival order. It never
// buffers, reorders or drops; every frame yields exactly one call per
// subscriber.
type Sink struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	seq    uint64
}

func NewSink() *Sink {
	return &Sink{}
}

// Subscribe registers h and returns a function that removes it.
func (s *Sink) Subscribe(h Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, h: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Sink) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Deliver hands one frame's outcome to every subscriber. Callers must not
// invoke Deliver concurrently; the session read loop is the only writer.
func (s *Sink) Deliver(ev event.QuantumEvent, err error) Delivery {
	s.mu.Lock()
	s.seq++
	d := Delivery{Seq: s.seq, Event: ev, Err: err}
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		sub.h(d)
	}
	return d
}

// Subscribers returns the number of registered handlers.
func (s *Sink) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Capability records whether a consumer registered a callback for one kind
// of delivery.
type Capability int

const (
	Unavailable Capability = iota
	Available
)

// Capabilities is the set a Handlers value declared at registration.
type Capabilities struct {
	Events       Capability
	DecodeErrors Capability
	ServerErrors Capability
}

// Handlers routes deliveries by kind. Nil fields are recorded as
// Unavailable once, at registration.
type Handlers struct {
	OnEvent       func(event.QuantumEvent)
	OnDecodeError func(*event.DecodeError)
	OnServerError func(*ServerError)
	// OnOther receives errors matching none of the above.
	OnOther func(error)
}

func capability(ok bool) Capability {
	if ok {
		return Available
	}
	return Unavailable
}

// Capabilities reports which callbacks are set.
func (h Handlers) Capabilities() Capabilities {
	return Capabilities{
		Events:       capability(h.OnEvent != nil),
		DecodeErrors: capability(h.OnDecodeError != nil),
		ServerErrors: capability(h.OnServerError != nil),
	}
}

// Handler flattens h into a single Handler. Missing callbacks become
// no-ops here so call sites never check for them.
func (h Handlers) Handler() Handler {
	onEvent := h.OnEvent
	if onEvent == nil {
		onEvent = func(event.QuantumEvent) {}
	}
	onDecode := h.OnDecodeError
	if onDecode == nil {
		onDecode = func(*event.DecodeError) {}
	}
	onServer := h.OnServerError
	if onServer == nil {
		onServer = func(*ServerError) {}
	}
	onOther := h.OnOther
	if onOther == nil {
		onOther = func(error) {}
	}

	return func(d Delivery) {
		if d.OK() {
			onEvent(d.Event)
			return
		}
		var de *event.DecodeError
		var se *ServerError
		switch {
		case errors.As(d.Err, &de):
			onDecode(de)
		case errors.As(d.Err, &se):
			onServer(se)
		default:
			onOther(d.Err)
		}
	}
}

// SubscribeHandlers registers h and returns its declared capabilities.
func (s *Sink) SubscribeHandlers(h Handlers) (func(), Capabilities) {
	return s.Subscribe(h.Handler()), h.Capabilities()
}
