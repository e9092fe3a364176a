// Package events implements the task event bus: a fan-out publisher with
// a replayable history window and bounded per-subscriber queues.
//
// Delivery is best-effort by design. When a subscriber's queue is full the
// oldest queued event is dropped in favor of the new one, so a slow
// observer can never block or deadlock the producer. History keeps the
// last N events so late subscribers can catch up before going live.
package events

import (
	"sync"

	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/pkg/models"
)

const (
	// DefaultHistorySize is the number of events retained for replay.
	DefaultHistorySize = 200

	// DefaultQueueSize is the per-subscriber channel capacity.
	DefaultQueueSize = 200
)

// Bus fans TaskEvents out to subscribers. All methods are safe for
// concurrent use; the internal lock is held only for map/ring mutation,
// never across channel sends that could block (sends are non-blocking).
type Bus struct {
	mu          sync.Mutex
	history     []models.TaskEvent // ring buffer
	historyHead int
	historyLen  int
	subscribers map[chan *models.TaskEvent]struct{}
	queueSize   int
	shutdown    bool
	metrics     *observability.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics attaches Prometheus metrics for dropped-event accounting.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus retaining historySize events with per-subscriber
// queues of queueSize. Non-positive values select the defaults.
func NewBus(historySize, queueSize int, opts ...Option) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		history:     make([]models.TaskEvent, historySize),
		subscribers: make(map[chan *models.TaskEvent]struct{}),
		queueSize:   queueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records the event in history and fans it out to live
// subscribers. On a full subscriber queue the oldest queued event is
// dropped and the new one enqueued; the publisher never blocks.
// Publishing after Shutdown still records history but reaches no one.
func (b *Bus) Publish(event models.TaskEvent) {
	b.mu.Lock()
	b.appendHistory(event)
	subs := make([]chan *models.TaskEvent, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		ev := event
		select {
		case sub <- &ev:
		default:
			// Queue full: drop the oldest, then retry once. The second
			// send can still race with a concurrent reader, so it stays
			// non-blocking too.
			select {
			case <-sub:
				if b.metrics != nil {
					b.metrics.EventsDropped.Inc()
				}
			default:
			}
			select {
			case sub <- &ev:
			default:
				if b.metrics != nil {
					b.metrics.EventsDropped.Inc()
				}
			}
		}
	}
}

func (b *Bus) appendHistory(event models.TaskEvent) {
	idx := (b.historyHead + b.historyLen) % len(b.history)
	b.history[idx] = event
	if b.historyLen < len(b.history) {
		b.historyLen++
	} else {
		b.historyHead = (b.historyHead + 1) % len(b.history)
	}
}

// Subscribe registers a new subscriber and returns its receive channel.
// A nil event on the channel signals bus shutdown.
func (b *Bus) Subscribe() <-chan *models.TaskEvent {
	sub := make(chan *models.TaskEvent, b.queueSize)
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		// Late subscriber after shutdown sees only the sentinel.
		sub <- nil
		return sub
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber. Events already queued remain readable.
func (b *Bus) Unsubscribe(ch <-chan *models.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			return
		}
	}
}

// History returns the retained events, oldest first.
func (b *Bus) History() []models.TaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.TaskEvent, 0, b.historyLen)
	for i := 0; i < b.historyLen; i++ {
		out = append(out, b.history[(b.historyHead+i)%len(b.history)])
	}
	return out
}

// Shutdown pushes a nil sentinel to every live subscriber so blocking
// readers can exit cleanly, then detaches them. Later publishes are
// accepted and recorded in history but reach no subscribers.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	subs := make([]chan *models.TaskEvent, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[chan *models.TaskEvent]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- nil:
		default:
			// Full queue: drop the oldest so the sentinel fits.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- nil:
			default:
			}
		}
	}
}
