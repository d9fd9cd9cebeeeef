package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
)

// TCPOptions configures a TCPServer.
type TCPOptions struct {
	// Addr is used by ListenAndServe.
	Addr string
	// MaxFrameSize bounds a single line. Longer lines are discarded and
	// answered with INVALID.
	MaxFrameSize int
	// IdleTimeout closes connections that send nothing for this long. Zero
	// keeps idle connections open.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single response write. Zero disables it.
	WriteTimeout time.Duration
	Hooks        Hooks
	Logger       logging.ServiceLogger
}

// TCPServer serves newline delimited frames over TCP. Each line is one
// request and each response is written as one line.
type TCPServer struct {
	*core
	opts TCPOptions

	lnMu     sync.Mutex
	listener net.Listener
}

// NewTCPServer creates a server answering frames with handler.
func NewTCPServer(handler Handler, decoder *metric.Decoder, opts TCPOptions) (*TCPServer, error) {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	c, err := newCore("tcp", handler, decoder, opts.Hooks, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &TCPServer{core: c, opts: opts}, nil
}

// ListenAndServe listens on opts.Addr and serves until Shutdown.
func (s *TCPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called, then returns
// errors.ErrServerClosed. The listener is closed on return.
func (s *TCPServer) Serve(ln net.Listener) error {
	s.lnMu.Lock()
	if s.stopping() {
		s.lnMu.Unlock()
		_ = ln.Close()
		return errspkg.ErrServerClosed
	}
	s.listener = ln
	s.lnMu.Unlock()
	defer ln.Close()

	s.log.Info("Accepting connections", logging.LogFields{"addr": ln.Addr().String()})

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping() {
				return errspkg.ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Error("Accept failed, retrying", err, logging.LogFields{"retry_in": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.serveConn(conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}

// Addr returns the listener address once Serve has started.
func (s *TCPServer) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Active returns the number of open connections.
func (s *TCPServer) Active() int { return s.active() }

func (s *TCPServer) serveConn(conn net.Conn) {
	write := func(frame []byte) error {
		if s.opts.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		}
		_, err := conn.Write(frame)
		return err
	}
	interrupt := func() error { return conn.SetReadDeadline(time.Now()) }

	sess, ok := s.open(conn.RemoteAddr().String(), write, interrupt, conn.Close)
	if !ok {
		_ = conn.Close()
		return
	}
	go s.readLoop(conn, sess)
}

func (s *TCPServer) readLoop(conn net.Conn, sess *session) {
	defer s.finish(sess)

	reader := bufio.NewReaderSize(conn, min(4096, s.opts.MaxFrameSize))
	var buf []byte
	for {
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if s.stopping() {
			return
		}
		line, size, tooLong, err := readLine(reader, s.opts.MaxFrameSize, buf[:0])
		buf = line[:0]
		complete := err == nil || errors.Is(err, io.EOF)
		switch {
		case !complete:
		case tooLong:
			s.reject(sess, size, fmt.Errorf("%w: line exceeds %d bytes", errspkg.ErrInvalidFrame, s.opts.MaxFrameSize))
		case len(line) > 0:
			s.frame(sess, line)
		}
		if err != nil {
			s.readFailed(sess, err)
			return
		}
	}
}

func (s *TCPServer) readFailed(sess *session, err error) {
	switch {
	case errors.Is(err, io.EOF), s.stopping():
	case isTimeout(err):
		s.log.Debug("Closing idle connection", logging.LogFields{"connection_id": sess.info.ID})
	case !errors.Is(err, net.ErrClosed):
		s.reportError(sess, err)
	}
}

// readLine reads up to the next '\n' into buf and strips the line ending.
// A line longer than limit is consumed in full but not kept; tooLong is set
// and size still counts every byte read.
func readLine(r *bufio.Reader, limit int, buf []byte) (line []byte, size int, tooLong bool, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		size += len(chunk)
		if !tooLong {
			if len(buf)+len(chunk) > limit+2 {
				tooLong = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		err = rerr
		break
	}
	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	if len(buf) > limit {
		tooLong = true
	}
	if tooLong {
		return buf[:0], size, true, err
	}
	return buf, size, false, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Shutdown stops accepting, stops reading, waits until every in-flight
// request is answered, then closes the connections. See core.shutdown for
// the behaviour when ctx expires first.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.lnMu.Lock()
	s.closing.Store(true)
	ln := s.listener
	s.lnMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return s.shutdown(ctx)
}
