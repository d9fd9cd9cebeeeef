// Package server accepts client connections over TCP and WebSocket, decodes
// each frame into a metric request, and hands it to the dispatch engine.
// Every frame is dispatched on its own goroutine; responses are written back
// as soon as they are ready, so they may arrive out of request order.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/metricflow/internal/runtime/dispatch"
	"github.com/drblury/metricflow/internal/runtime/ids"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
)

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 64 * 1024

// Handler answers decoded requests. *dispatch.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, req metric.Request, w dispatch.ResponseWriter) error
}

// session is one client connection. Writes are serialized; reads happen on a
// single goroutine owned by the transport.
type session struct {
	info     ConnInfo
	counters *Counters

	writeMu   sync.Mutex
	write     func(frame []byte) error
	interrupt func() error
	close     func() error

	inflight sync.WaitGroup
}

// WriteResponse encodes resp as one line and writes it to the connection.
func (s *session) WriteResponse(_ context.Context, resp metric.Response) error {
	data, err := metric.EncodeResponse(resp)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.write(data); err != nil {
		return err
	}
	s.counters.wrote(len(data))
	return nil
}

// core is the transport independent part of a server: session bookkeeping,
// per-frame dispatch, and graceful shutdown.
type core struct {
	transport string
	handler   Handler
	decoder   *metric.Decoder
	hooks     Hooks
	log       logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	closing  atomic.Bool
	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func newCore(transport string, handler Handler, decoder *metric.Decoder, hooks Hooks, log logging.ServiceLogger) (*core, error) {
	if handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if decoder == nil {
		decoder = metric.NewDecoder()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &core{
		transport: transport,
		handler:   handler,
		decoder:   decoder,
		hooks:     hooks,
		log:       logging.OrDiscard(log).With(logging.LogFields{"component": "server", "transport": transport}),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}, nil
}

// open registers a new session and runs the open hook. It returns false when
// the server is shutting down; the caller must then close the connection.
func (c *core) open(remoteAddr string, write func([]byte) error, interrupt, closeFn func() error) (*session, bool) {
	counters := &Counters{}
	id := ids.NewConnectionID(c.transport)
	openedAt, ok := ids.OpenedAt(id)
	if !ok {
		openedAt = time.Now()
	}
	sess := &session{
		info: ConnInfo{
			ID:         id,
			Transport:  c.transport,
			RemoteAddr: remoteAddr,
			OpenedAt:   openedAt.UTC(),
			counters:   counters,
		},
		counters:  counters,
		write:     write,
		interrupt: interrupt,
		close:     closeFn,
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		return nil, false
	}
	c.sessions[sess.info.ID] = sess
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("Connection opened", logging.LogFields{"connection_id": sess.info.ID, "remote_addr": remoteAddr})
	if c.hooks.OnOpen != nil {
		c.safeHook("open", sess, func() {
			if err := c.hooks.OnOpen(sess.info); err != nil {
				c.log.Error("Connection open hook failed", err, logging.LogFields{"connection_id": sess.info.ID})
			}
		})
	}
	return sess, true
}

// frame decodes one frame and dispatches it on its own goroutine.
func (c *core) frame(sess *session, data []byte) {
	sess.counters.read(len(data))
	req := c.decoder.Decode(data)

	sess.inflight.Add(1)
	go func() {
		defer sess.inflight.Done()
		ctx := dispatch.WithConnectionID(c.ctx, sess.info.ID)
		if err := c.handler.Handle(ctx, req, sess); err != nil {
			c.reportError(sess, err)
		}
	}()
}

// reject answers a frame that was dropped before decoding with INVALID.
func (c *core) reject(sess *session, size int, err error) {
	sess.counters.read(size)
	c.reportError(sess, err)

	sess.inflight.Add(1)
	go func() {
		defer sess.inflight.Done()
		ctx := dispatch.WithConnectionID(c.ctx, sess.info.ID)
		if err := c.handler.Handle(ctx, metric.InvalidRequest(nil), sess); err != nil {
			c.reportError(sess, err)
		}
	}()
}

func (c *core) reportError(sess *session, err error) {
	c.log.Debug("Connection error", logging.LogFields{"connection_id": sess.info.ID, "error": err.Error()})
	if c.hooks.OnError != nil {
		c.safeHook("error", sess, func() { c.hooks.OnError(sess.info, err) })
	}
}

// safeHook runs a connection hook, logging a panic instead of letting it
// take down the accept loop or a dispatch goroutine.
func (c *core) safeHook(stage string, sess *session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Connection hook panicked", fmt.Errorf("hook panic: %v", r), logging.LogFields{
				"connection_id": sess.info.ID,
				"hook":          stage,
			})
		}
	}()
	fn()
}

// finish waits for the session's in-flight requests, closes the connection,
// and runs the close hook. It is called once by the read loop on exit.
func (c *core) finish(sess *session) {
	defer c.wg.Done()

	sess.inflight.Wait()
	if err := sess.close(); err != nil && !c.closing.Load() {
		c.reportError(sess, err)
	}

	c.mu.Lock()
	delete(c.sessions, sess.info.ID)
	c.mu.Unlock()

	c.log.Debug("Connection closed", logging.LogFields{
		"connection_id": sess.info.ID,
		"frames":        sess.counters.framesRead.Load(),
	})
	if c.hooks.OnClose != nil {
		c.safeHook("close", sess, func() { c.hooks.OnClose(sess.info) })
	}
}

// stopping reports whether reads should stop.
func (c *core) stopping() bool {
	return c.closing.Load()
}

// shutdown stops reading on every session and waits until their in-flight
// requests are answered and the connections are closed. When ctx expires
// first, the remaining connections are closed forcibly, in-flight
// dispatches are cancelled, and shutdown returns without waiting for them.
func (c *core) shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing.Store(true)
	sessions := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.interrupt()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		for _, sess := range sessions {
			_ = sess.close()
		}
		return ctx.Err()
	}
}

// active returns the number of open sessions.
func (c *core) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
