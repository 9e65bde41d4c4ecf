// ABOUTME: WebSocket push transport sharing the SSE dispatcher
// ABOUTME: One JSON message per event; same framing semantics as the SSE feed

package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgelab/forge-gateway/internal/event"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway has no browser origin policy; access control happens
	// upstream of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter adapts a websocket connection to the dispatcher's eventWriter.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteEvent(ev event.Event) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(ev)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := g.registry.Get(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	// Drain control frames so pings and the client close are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	g.dispatch(r.Context(), sess, &wsWriter{conn: conn})

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
