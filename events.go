package bulkmail

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	EventBatchBegin     EventKind = "batch-begin"
	EventBeforeSend     EventKind = "before-send"
	EventAfterSend      EventKind = "after-send"
	EventConnected      EventKind = "connected"
	EventAuthenticated  EventKind = "authenticated"
	EventDisconnected   EventKind = "disconnected"
	EventCompileFailure EventKind = "compile-failure"
	EventSendFailure    EventKind = "send-failure"
	EventBatchComplete  EventKind = "batch-complete"
)

// EventKinds lists every kind in lifecycle order.
var EventKinds = []EventKind{
	EventBatchBegin,
	EventConnected,
	EventAuthenticated,
	EventBeforeSend,
	EventAfterSend,
	EventSendFailure,
	EventCompileFailure,
	EventDisconnected,
	EventBatchComplete,
}

// Event is the immutable payload delivered to observers. Fields that do not apply to
// a kind are left zero.
type Event struct {
	Kind    EventKind
	BatchID string
	Mode    Mode
	Time    time.Time

	// Job fields.
	JobID    string
	Index    int
	Endpoint string
	Attempt  int
	Worker   int

	// Duration is the transmit time for after-send and the batch time for batch-complete.
	Duration time.Duration

	// Err is set on compile-failure and send-failure.
	Err error

	// Terminal is set on a send-failure that ends the job.
	Terminal bool

	// Report is set on batch-complete.
	Report *BatchReport
}

// Subscription identifies one registered observer.
type Subscription struct {
	id   uint64
	kind EventKind
}

// Kind returns the event kind the subscription listens to.
func (s Subscription) Kind() EventKind { return s.kind }

type subscriber struct {
	id uint64
	fn Observer
}

// EventBus delivers lifecycle events to observers. Observers of a kind run in
// registration order. No two observer calls overlap, but they may run on any worker
// goroutine.
//
// Observers run while the bus is held, so they must not dispatch synchronously on the
// client that owns the bus. A Send from an observer blocks forever on its first event.
// Starting SendAsync without waiting on it is safe.
type EventBus struct {
	mu        sync.RWMutex
	observers map[EventKind][]subscriber
	nextID    uint64

	emitMu sync.Mutex
	log    *zap.SugaredLogger
}

// NewEventBus creates an event bus. A nil logger discards observer panics silently.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		observers: make(map[EventKind][]subscriber),
		log:       logger.Sugar(),
	}
}

// Subscribe registers fn for one event kind.
func (b *EventBus) Subscribe(kind EventKind, fn Observer) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.observers[kind] = append(b.observers[kind], subscriber{id: b.nextID, fn: fn})
	return Subscription{id: b.nextID, kind: kind}
}

// SubscribeAll registers fn for every event kind.
func (b *EventBus) SubscribeAll(fn Observer) []Subscription {
	subs := make([]Subscription, 0, len(EventKinds))
	for _, kind := range EventKinds {
		subs = append(subs, b.Subscribe(kind, fn))
	}
	return subs
}

// Unsubscribe removes a registration. It reports whether the subscription was found.
func (b *EventBus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.observers[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.observers[sub.kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Count returns the number of observers registered for kind.
func (b *EventBus) Count(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers[kind])
}

func (b *EventBus) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	list := b.observers[e.Kind]
	b.mu.RUnlock()
	if len(list) == 0 {
		return
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	for _, s := range list {
		b.call(s, e)
	}
}

func (b *EventBus) call(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("event observer panicked",
				"kind", e.Kind,
				"batch_id", e.BatchID,
				"job_id", e.JobID,
				"panic", r,
			)
		}
	}()
	s.fn(e)
}
