// ABOUTME: Bounded per-session FIFO of outbound events with drop-oldest policy
// ABOUTME: Producers never block; a single dispatcher drains with a wait timeout

package session

import (
	"context"
	"sync"
	"time"

	"github.com/forgelab/forge-gateway/internal/event"
)

// PopResult describes why a queue read returned.
type PopResult int

const (
	// PopEvent means an event was dequeued.
	PopEvent PopResult = iota
	// PopTimeout means the queue stayed empty for the wait window. The
	// dispatcher emits a heartbeat in this case.
	PopTimeout
	// PopClosed means the queue is closed and fully drained, or the
	// consumer's context was cancelled.
	PopClosed
)

// eventQueue is an ordered, bounded buffer of pending events. Push drops the
// oldest event when full so a slow subscriber can never stall the pipeline.
type eventQueue struct {
	mu      sync.Mutex
	events  []event.Event
	cap     int
	closed  bool
	dropped int

	notify chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	return &eventQueue{cap: capacity, notify: make(chan struct{}, 1)}
}

// push appends ev in FIFO order. Pushing to a closed queue is a no-op: the
// pipeline may finish slightly after a subscriber disposed the session.
func (q *eventQueue) push(ev event.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.events) >= q.cap {
		q.events = q.events[1:]
		q.dropped++
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next event, waiting up to wait for one to arrive. Buffered
// events remain poppable after close until the queue is drained. A cancelled
// consumer context wins over buffered events: a dispatcher that was replaced
// by a reattach must never dequeue an event meant for its successor.
func (q *eventQueue) pop(ctx context.Context, wait time.Duration) (event.Event, PopResult) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return event.Event{}, PopClosed
		}

		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, PopEvent
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return event.Event{}, PopClosed
		}

		select {
		case <-ctx.Done():
			return event.Event{}, PopClosed
		case <-timer.C:
			return event.Event{}, PopTimeout
		case <-q.notify:
		}
	}
}

// close marks the queue closed and wakes any waiting consumer.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// droppedCount reports how many events were shed under backpressure.
func (q *eventQueue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
