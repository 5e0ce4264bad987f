package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/security"
	"github.com/coltonmb/memgate/internal/session"
)

// WebSocketHandler terminates one bidirectional connection per client.
// Each inbound frame is handled in its own goroutine so the connection
// stays responsive while earlier requests are still in flight; responses
// are posted as they complete, correlated by id.
type WebSocketHandler struct {
	registry   *session.Registry
	dispatcher *Dispatcher
}

// NewWebSocketHandler creates the handler.
func NewWebSocketHandler(registry *session.Registry, dispatcher *Dispatcher) *WebSocketHandler {
	return &WebSocketHandler{registry: registry, dispatcher: dispatcher}
}

// connWriter serializes frame writes to one connection. A write to a
// closed connection is discarded silently; the peer already left.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) writeJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("response marshal failed", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write error", "error", err)
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade at the
// fixed protocol path.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	creds := credentialsFromRequest(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("websocket close", "error", closeErr)
		}
	}()

	// The session's background work (tool calls, federated fan-outs) is
	// cancelled when this context dies, and only that work.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.registry.Create(creds, cancel)
	defer h.registry.Destroy(sess.ID())
	slog.Info("connection opened", "session_id", sess.ID(), "remote", r.RemoteAddr)

	writer := &connWriter{conn: ws}

	// Notification drain: server-initiated messages for this session.
	go func() {
		for n := range sess.Notifications() {
			writer.writeJSON(ctx, map[string]any{
				"jsonrpc": protocol.Version,
				"method":  n.Method,
				"params":  n.Params,
			})
		}
	}()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			slog.Debug("connection closed", "session_id", sess.ID(), "error", err)
			return
		}

		inflight.Add(1)
		go func(frame []byte) {
			defer inflight.Done()
			resp := h.dispatcher.Dispatch(ctx, sess, frame)
			if resp != nil {
				writer.writeJSON(ctx, resp)
			}
			if sess.ShuttingDown() {
				cancel()
			}
		}(data)
	}
}

// credentialsFromRequest pulls whatever the client presented at upgrade
// time. The pipeline re-validates on every request.
func credentialsFromRequest(r *http.Request) security.Credentials {
	creds := security.Credentials{APIKey: r.Header.Get("X-API-Key")}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		creds.BearerToken = strings.TrimPrefix(auth, "Bearer ")
	}
	return creds
}
