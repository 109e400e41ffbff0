package eventbus

import (
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeTimeout bounds a single event write to a client connection, so a
// stalled TCP peer cannot wedge the writer goroutine forever.
const writeTimeout = 5 * time.Second

// ServeConn subscribes to the bus and streams events to conn as JSON text
// frames until ctx-equivalent closeCh fires or the connection errs. This is
// the real-time channel's server-push half (spec.md §6 "Real-time
// channel"); the client's control-message half (abort_run/retry_node/
// relay_message) is out of scope here since it requires the HTTP
// upgrade/routing layer the spec explicitly excludes (§1 Out of scope).
//
// Grounded in gorilla/websocket (a pack dependency, see SPEC_FULL.md §11);
// exercised directly against an in-memory net.Pipe in tests rather than a
// real HTTP upgrade handshake, since no router exists in this repo to
// perform that handshake.
func ServeConn(b *Bus, conn *websocket.Conn, closeCh <-chan struct{}, log *zap.Logger) {
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-closeCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				if log != nil {
					log.Warn("eventbus: marshal event failed", zap.Error(err))
				}
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if log != nil {
					log.Debug("eventbus: client write failed, closing subscription", zap.Error(err))
				}
				return
			}
		}
	}
}

// NewPipeConn wraps one end of an in-process net.Pipe as a *websocket.Conn
// with no handshake, for tests that want to exercise ServeConn without a
// real HTTP server. name is not used; it only labels the call site.
func NewPipeConn(name string, c net.Conn) *websocket.Conn {
	return websocket.NewConn(c, false, 4096, 4096)
}
