// internal/bus/bus.go
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// ErrClosed is returned when publishing to a bus that has been shut down.
var ErrClosed = errors.New("event bus is shut down")

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      schemas.EventType
	Payload   interface{}
}

// EventBus fans events out to subscribers. Publishers never hold a reference to
// their consumers, which keeps the orchestrator free of back-pointers to the
// learner or the metrics layer.
type EventBus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[schemas.EventType][]chan Event
	bufferSize  int

	// inFlight counts events delivered but not yet acknowledged.
	inFlight sync.WaitGroup
	// publishing counts Publish calls currently attempting delivery.
	publishing sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool

	dropped atomic.Int64
}

// New creates an EventBus whose subscriber channels hold bufferSize events.
func New(logger *zap.Logger, bufferSize int) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[schemas.EventType][]chan Event),
		bufferSize:  bufferSize,
		closing:     make(chan struct{}),
	}
}

// enter registers a publisher, failing once shutdown has started.
func (b *EventBus) enter() error {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.publishing.Add(1)
	return nil
}

func (b *EventBus) snapshot(t schemas.EventType) []chan Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[t]
	if len(subs) == 0 {
		return nil
	}
	out := make([]chan Event, len(subs))
	copy(out, subs)
	return out
}

func newEvent(t schemas.EventType, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   payload,
	}
}

// Publish delivers the event to every subscriber of its type, blocking while a
// subscriber buffer is full.
func (b *EventBus) Publish(ctx context.Context, t schemas.EventType, payload interface{}) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.publishing.Done()

	subs := b.snapshot(t)
	if len(subs) == 0 {
		return nil
	}
	ev := newEvent(t, payload)
	for _, ch := range subs {
		b.inFlight.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.inFlight.Done()
			return ctx.Err()
		case <-b.closing:
			b.inFlight.Done()
			return ErrClosed
		}
	}
	return nil
}

// TryPublish delivers without blocking. Subscribers whose buffer is full miss
// the event; the number of misses is reported by Dropped.
func (b *EventBus) TryPublish(t schemas.EventType, payload interface{}) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.publishing.Done()

	subs := b.snapshot(t)
	if len(subs) == 0 {
		return nil
	}
	ev := newEvent(t, payload)
	for _, ch := range subs {
		b.inFlight.Add(1)
		select {
		case ch <- ev:
		default:
			b.inFlight.Done()
			b.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full, dropping event", zap.String("type", string(t)))
		}
	}
	return nil
}

// Dropped returns how many deliveries TryPublish skipped.
func (b *EventBus) Dropped() int64 { return b.dropped.Load() }

// Subscribe returns a channel receiving the given event types and a function
// that detaches it. Consumers must call Ack for every event they receive.
func (b *EventBus) Subscribe(types ...schemas.EventType) (<-chan Event, func()) {
	if len(types) == 0 {
		panic("bus: Subscribe requires at least one event type")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.closedMu.Lock()
	closed := b.closed
	b.closedMu.Unlock()
	if closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, b.bufferSize)
	subscribed := append([]schemas.EventType(nil), types...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range subscribed {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
				if len(b.subscribers[t]) == 0 {
					delete(b.subscribers, t)
				}
			}
		})
	}
	return ch, unsubscribe
}

// Ack marks an event as processed.
func (b *EventBus) Ack(Event) { b.inFlight.Done() }

// Shutdown stops accepting events, closes every subscriber channel, and waits
// until delivered events have been acknowledged. Buffered events nobody read
// are drained and counted as acknowledged.
func (b *EventBus) Shutdown() {
	b.closeOnce.Do(func() {
		b.closedMu.Lock()
		b.closed = true
		b.closedMu.Unlock()

		close(b.closing)
		b.publishing.Wait()

		b.mu.Lock()
		unique := make(map[chan Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.inFlight.Done()
			}
		}
		b.subscribers = make(map[schemas.EventType][]chan Event)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained unread events on shutdown", zap.Int("count", drained))
		}
		b.inFlight.Wait()
		b.logger.Info("Event bus shut down")
	})
}
