package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/model"
)

// Broker fans one run's events out to SSE subscribers. It keeps the full
// ordered history so a subscriber that attaches late is replayed everything
// before any live event. A subscriber whose buffer fills is disconnected,
// never skipped: a stream either has every event or ends early.
type Broker struct {
	runID  uuid.UUID
	buffer int

	mu      sync.Mutex
	history []model.Event
	subs    map[*Subscription]struct{}
	closed  bool
	done    chan struct{}
}

// Subscription is one subscriber's view of a run's events. The channel is
// closed after the complete event, or early if the subscriber fell behind.
type Subscription struct {
	ch     chan model.Event
	lagged bool // guarded by the broker's mutex
	broker *Broker
}

// NewBroker creates a broker for runID. buffer is the number of live events
// a subscriber may fall behind by before it is disconnected.
func NewBroker(runID uuid.UUID, buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		runID:  runID,
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
		done:   make(chan struct{}),
	}
}

// RunID returns the run this broker serves.
func (b *Broker) RunID() uuid.UUID { return b.runID }

// Emit records ev and delivers it to every subscriber. After the complete
// event all subscriptions are closed and later events are ignored.
func (b *Broker) Emit(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.lagged = true
			delete(b.subs, s)
			close(s.ch)
		}
	}
	if ev.Type == model.EventComplete {
		b.closed = true
		for s := range b.subs {
			delete(b.subs, s)
			close(s.ch)
		}
		close(b.done)
	}
}

// Subscribe attaches a subscriber. Its channel starts with the history so
// far; for a finished run it holds the whole history and is already closed.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{
		ch:     make(chan model.Event, len(b.history)+b.buffer),
		broker: b,
	}
	for _, ev := range b.history {
		s.ch <- ev
	}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Done is closed once the complete event has been emitted.
func (b *Broker) Done() <-chan struct{} { return b.done }

// History returns a copy of every event emitted so far.
func (b *Broker) History() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.history...)
}

// Subscribers returns the number of attached subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Events returns the subscription's event channel.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Lagged reports whether the subscription was dropped for falling behind.
func (s *Subscription) Lagged() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription. Safe to call after the broker closed it.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// streams tracks the broker of every run that can still be attached to.
// Finished runs stay attachable for retention.
type streams struct {
	retention time.Duration

	mu      sync.Mutex
	brokers map[uuid.UUID]*Broker
}

func newStreams(retention time.Duration) *streams {
	return &streams{retention: retention, brokers: make(map[uuid.UUID]*Broker)}
}

func (s *streams) add(b *Broker) {
	s.mu.Lock()
	s.brokers[b.runID] = b
	s.mu.Unlock()

	go func() {
		<-b.Done()
		time.AfterFunc(s.retention, func() { s.remove(b) })
	}()
}

func (s *streams) get(id uuid.UUID) (*Broker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.brokers[id]
	return b, ok
}

func (s *streams) remove(b *Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brokers[b.runID] == b {
		delete(s.brokers, b.runID)
	}
}

func (s *streams) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.brokers)
}
