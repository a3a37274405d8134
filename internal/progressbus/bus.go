// Package progressbus implements the per-task progress event
// broadcaster: one publisher (the owning orchestrator) fans out
// ProgressEvents to any number of concurrent observers, dropping slow
// observers rather than blocking the publisher.
package progressbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/model"
)

// ObserverBufferSize is the default per-observer in-flight buffer depth.
// An observer whose buffer fills is dropped.
const ObserverBufferSize = 64

// topic holds the state for one task's broadcast: its published history
// length (for late-joiner bookkeeping), attached observers, and whether
// a terminal event has already been delivered.
type topic struct {
	mu        sync.Mutex
	observers map[int64]chan model.ProgressEvent
	nextID    int64
	seq       int64
	closed    bool
}

// Bus is a registry of per-task broadcast topics, grounded on the same
// "map of lazily created per-key state" shape used by the circuit
// breaker registry: a single short critical section guards
// lookup/creation, and per-topic work never holds the registry lock.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New creates an empty progress bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{observers: make(map[int64]chan model.ProgressEvent)}
		b.topics[taskID] = t
	}
	return t
}

// Subscribe attaches a new observer to taskID and returns a channel that
// will receive every event published from this point forward. If the
// task's terminal event has already been delivered, the returned channel
// is immediately closed and ok is false: no new observers are accepted
// once a topic has finished.
func (b *Bus) Subscribe(taskID string) (ch <-chan model.ProgressEvent, ok bool) {
	t := b.topicFor(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		closedCh := make(chan model.ProgressEvent)
		close(closedCh)
		return closedCh, false
	}

	id := t.nextID
	t.nextID++
	out := make(chan model.ProgressEvent, ObserverBufferSize)
	t.observers[id] = out
	return out, true
}

// Unsubscribe detaches an observer early (e.g. the client disconnected).
// It is a no-op if the channel was already dropped or the topic closed.
func (b *Bus) Unsubscribe(taskID string, ch <-chan model.ProgressEvent) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.observers {
		if c == ch {
			delete(t.observers, id)
			close(c)
			return
		}
	}
}

// Publish delivers event to every currently attached observer of its
// task, assigning the next monotonic sequence number. A full observer
// buffer causes that observer to be dropped (its channel closed) rather
// than blocking the publisher or any other observer. Publishing a
// terminal event (completed/failed) closes the topic after delivery: no
// further observers are accepted and all remaining channels are closed.
func (b *Bus) Publish(taskID string, event model.ProgressEvent) {
	t := b.topicFor(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.seq++
	event.TaskID = taskID
	event.Seq = t.seq

	for id, ch := range t.observers {
		select {
		case ch <- event:
		default:
			zap.L().Warn("progress bus: dropping slow observer",
				zap.String("task_id", taskID),
				zap.Int64("observer_id", id),
			)
			delete(t.observers, id)
			close(ch)
		}
	}

	if event.Kind.Terminal() {
		for id, ch := range t.observers {
			close(ch)
			delete(t.observers, id)
		}
		t.closed = true
	}
}

// Release drops the bookkeeping for a task's topic. Safe to call after
// the topic has closed; harmless (but wasteful) to call before.
func (b *Bus) Release(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, taskID)
}
