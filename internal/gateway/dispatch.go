// ABOUTME: Dispatcher draining a session's queue to one attached subscriber
// ABOUTME: FIFO delivery, heartbeats on idle, stream_end closes the channel

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/forgelab/forge-gateway/internal/event"
	"github.com/forgelab/forge-gateway/internal/session"
)

// eventWriter abstracts the push transport under the dispatcher. SSE and
// WebSocket both satisfy it.
type eventWriter interface {
	WriteEvent(ev event.Event) error
}

// dispatch attaches to the session as its sole consumer and forwards events
// until the stream ends, the session is disposed, or the subscriber drops.
// Heartbeats are injected after each idle wait; they never enter the queue.
func (g *Gateway) dispatch(ctx context.Context, sess *session.Session, w eventWriter) {
	ctx, release := sess.Attach(ctx)
	defer release()

	logger := g.logger.With("session_id", sess.ID)
	logger.Debug("subscriber attached")

	for {
		ev, res := sess.NextEvent(ctx, g.heartbeat)
		switch res {
		case session.PopClosed:
			logger.Debug("subscriber detached", "dropped_events", sess.DroppedEvents())
			return

		case session.PopTimeout:
			if err := w.WriteEvent(event.Heartbeat()); err != nil {
				logger.Debug("subscriber write failed", "error", err)
				return
			}

		case session.PopEvent:
			if err := w.WriteEvent(ev); err != nil {
				logger.Debug("subscriber write failed", "error", err)
				return
			}
			if ev.Type == event.TypeStreamEnd {
				logger.Debug("stream ended")
				return
			}
		}
	}
}

// sseWriter frames events as server-sent events, one data line per event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteEvent(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
