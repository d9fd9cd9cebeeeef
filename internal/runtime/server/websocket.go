package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
)

// WebSocketOptions configures a WebSocketHandler.
type WebSocketOptions struct {
	// MaxFrameSize bounds a single message. Larger messages close the
	// connection.
	MaxFrameSize int64
	// WriteTimeout bounds a single response write. Defaults to 10s.
	WriteTimeout time.Duration
	// CheckOrigin decides whether an upgrade request is accepted. Nil accepts
	// same-origin requests only.
	CheckOrigin func(r *http.Request) bool
	Hooks       Hooks
	Logger      logging.ServiceLogger
}

// WebSocketHandler upgrades HTTP requests to WebSocket connections. Every
// text or binary message is one request; every response is one text
// message.
type WebSocketHandler struct {
	*core
	opts     WebSocketOptions
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler answering frames with handler.
func NewWebSocketHandler(handler Handler, decoder *metric.Decoder, opts WebSocketOptions) (*WebSocketHandler, error) {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	c, err := newCore("ws", handler, decoder, opts.Hooks, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &WebSocketHandler{
		core: c,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until the peer
// disconnects or Shutdown is called.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.stopping() {
		http.Error(w, errspkg.ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.Debug("WebSocket upgrade failed", logging.LogFields{"error": err.Error(), "remote_addr": r.RemoteAddr})
		return
	}
	conn.SetReadLimit(h.opts.MaxFrameSize)

	write := func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}
	interrupt := func() error { return conn.SetReadDeadline(time.Now()) }
	closeConn := func() error {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return conn.Close()
	}

	sess, ok := h.open(conn.RemoteAddr().String(), write, interrupt, closeConn)
	if !ok {
		_ = conn.Close()
		return
	}
	h.readLoop(conn, sess)
}

func (h *WebSocketHandler) readLoop(conn *websocket.Conn, sess *session) {
	defer h.finish(sess)

	for {
		if h.stopping() {
			return
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			h.readError(sess, err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.frame(sess, data)
	}
}

func (h *WebSocketHandler) readError(sess *session, err error) {
	switch {
	case h.stopping():
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
	case errors.Is(err, websocket.ErrReadLimit):
		h.reportError(sess, errors.Join(errspkg.ErrInvalidFrame, err))
	default:
		h.reportError(sess, err)
	}
}

// Active returns the number of open connections.
func (h *WebSocketHandler) Active() int { return h.active() }

// Shutdown stops reading from every connection, waits until in-flight
// requests are answered, then closes the connections with a normal closure.
// New upgrade requests are refused from the first call on.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	return h.shutdown(ctx)
}
