// Package events fans request lifecycle events out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/metrics"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 100

// Event names.
const (
	RequestCreated   = "request.created"
	RequestAnswered  = "request.answered"
	RequestDismissed = "request.dismissed"
)

// Envelope is the serialized form of every published event.
type Envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Broadcaster delivers each published event to every current subscriber.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event. There is no replay.
type Broadcaster struct {
	clock   clockwork.Clock
	bufSize int
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// New creates a Broadcaster. A non-positive bufSize selects DefaultBufferSize.
func New(clk clockwork.Clock, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		clock:   clk,
		bufSize: bufSize,
		logger:  slog.Default(),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscription is a registered listener. It is released by Close or when
// the context passed to Subscribe ends, whichever comes first.
type Subscription struct {
	b       *Broadcaster
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Int64

	once sync.Once
	mu   sync.Mutex
	stop func() bool
}

// Subscribe registers a new subscriber bound to ctx.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{
		b:    b,
		ch:   make(chan []byte, b.bufSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	metrics.EventSubscribers.Inc()

	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, s.Close)
	s.mu.Unlock()
	return s
}

// Events yields serialized envelopes. The channel is never closed; select
// on Done as well.
func (s *Subscription) Events() <-chan []byte { return s.ch }

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}

		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()

		metrics.EventSubscribers.Dec()
		close(s.done)
	})
}

// Publish sends an event to every subscriber without waiting on any of
// them.
func (b *Broadcaster) Publish(event string, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload, SentAt: b.clock.Now().UTC()})
	if err != nil {
		b.logger.Warn("encoding event", "event", event, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(event).Inc()

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- data:
		default:
			s.dropped.Add(1)
			metrics.EventsDropped.Inc()
			b.logger.Debug("subscriber buffer full, event dropped", "event", event)
		}
	}
}

// Subscribers returns the number of registered subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
