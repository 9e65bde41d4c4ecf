// ABOUTME: Tests for the bounded per-session event queue
// ABOUTME: FIFO order, drop-oldest overflow, close-and-drain semantics

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelab/forge-gateway/internal/event"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := newEventQueue(10)
	q.push(event.System("one"))
	q.push(event.System("two"))
	q.push(event.System("three"))

	for _, want := range []string{"one", "two", "three"} {
		ev, res := q.pop(t.Context(), time.Second)
		require.Equal(t, PopEvent, res)
		assert.Equal(t, want, ev.Message)
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := newEventQueue(2)
	q.push(event.System("one"))
	q.push(event.System("two"))
	q.push(event.System("three"))

	ev, res := q.pop(t.Context(), time.Second)
	require.Equal(t, PopEvent, res)
	assert.Equal(t, "two", ev.Message, "oldest event should have been dropped")

	ev, res = q.pop(t.Context(), time.Second)
	require.Equal(t, PopEvent, res)
	assert.Equal(t, "three", ev.Message)

	assert.Equal(t, 1, q.droppedCount())
}

func TestQueue_PopTimesOutWhenEmpty(t *testing.T) {
	q := newEventQueue(10)

	start := time.Now()
	_, res := q.pop(t.Context(), 20*time.Millisecond)
	assert.Equal(t, PopTimeout, res)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := newEventQueue(10)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(event.System("wakeup"))
	}()

	ev, res := q.pop(t.Context(), time.Second)
	require.Equal(t, PopEvent, res)
	assert.Equal(t, "wakeup", ev.Message)
}

func TestQueue_DrainsBufferedEventsAfterClose(t *testing.T) {
	q := newEventQueue(10)
	q.push(event.System("buffered"))
	q.close()

	ev, res := q.pop(t.Context(), time.Second)
	require.Equal(t, PopEvent, res)
	assert.Equal(t, "buffered", ev.Message)

	_, res = q.pop(t.Context(), time.Second)
	assert.Equal(t, PopClosed, res)
}

func TestQueue_PushAfterCloseIsNoOp(t *testing.T) {
	q := newEventQueue(10)
	q.close()
	q.push(event.System("late"))

	_, res := q.pop(t.Context(), 20*time.Millisecond)
	assert.Equal(t, PopClosed, res)
}

func TestQueue_CancelledContextWinsOverBufferedEvents(t *testing.T) {
	q := newEventQueue(10)
	q.push(event.System("buffered"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, res := q.pop(ctx, time.Second)
	assert.Equal(t, PopClosed, res, "a cancelled consumer must not dequeue buffered events")
}

func TestQueue_PopReturnsClosedOnContextCancel(t *testing.T) {
	q := newEventQueue(10)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, res := q.pop(ctx, time.Second)
	assert.Equal(t, PopClosed, res)
}
