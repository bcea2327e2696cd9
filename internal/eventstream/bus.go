package eventstream

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// EventSink is the formalized "callback logger" interface:
// anything that can durably or visibly record an event.
type EventSink interface {
	Emit(Event)
	Flush() error
}

// Bus fan-outs events to subscriber channels and to zero or more sinks. It
// is safe for concurrent use by every lane of the Fetch Scheduler and by
// the Round Controller.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	sinks       []EventSink
	sequence    atomic.Uint64
	runID       string
}

// NewBus creates a bus scoped to one run ID; every event emitted through it
// is stamped with that run ID and a monotonically increasing sequence
// number.
func NewBus(runID string) *Bus {
	return &Bus{runID: runID}
}

// AddSink registers a durable or test sink. Sinks receive every event after
// subscribers do.
func (b *Bus) AddSink(s EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a buffered channel that receives every future event.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Emit stamps and dispatches an event to every subscriber and sink. Emit
// never blocks on a full subscriber channel — a slow subscriber drops
// events rather than stalling the convergence loop.
func (b *Bus) Emit(stage Stage, kind Kind, payload interface{}) Event {
	ev := Event{
		Seq:     b.sequence.Add(1),
		RunID:   b.runID,
		Stage:   stage,
		Kind:    kind,
		Payload: payload,
	}
	ev.Ts = nowFunc()

	b.mu.RLock()
	subs := append([]chan<- Event(nil), b.subscribers...)
	sinks := append([]EventSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, s := range sinks {
		s.Emit(ev)
	}
	return ev
}

// Flush flushes every registered sink (e.g. the NDJSON writer).
func (b *Bus) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var firstErr error
	for _, s := range b.sinks {
		if err := s.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nowFunc is indirected so tests can freeze time; round-completed sequences
// must compare byte-identical after normalizing timestamps, so production
// code never depends on the exact value.
var nowFunc = defaultNow
