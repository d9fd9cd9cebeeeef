package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/metricflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/routing"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

func newTestEngine(t *testing.T, fn processor.Func) *dispatch.Engine {
	t.Helper()
	table, err := routing.NewTable([]routing.Binding{
		{Type: metric.FlowUser, Name: "test", Processor: processor.FromFunc(fn)},
	}, metric.BuiltinTypes()...)
	require.NoError(t, err)
	engine, err := dispatch.NewEngine(table, dispatch.Options{})
	require.NoError(t, err)
	return engine
}

func succeed(context.Context, metric.Request) (metric.Status, error) {
	return metric.StatusSuccess, nil
}

func startTCP(t *testing.T, handler Handler, opts TCPOptions) *TCPServer {
	t.Helper()
	srv, err := NewTCPServer(handler, metric.NewDecoder(), opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		assert.ErrorIs(t, <-served, errspkg.ErrServerClosed)
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	return srv
}

func dialTCP(t *testing.T, srv *TCPServer) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, conn net.Conn, r *bufio.Reader) metric.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	resp, err := metric.DecodeResponse(line)
	require.NoError(t, err)
	return resp
}

func TestTCPServerAnswersFrames(t *testing.T) {
	srv := startTCP(t, newTestEngine(t, succeed), TCPOptions{})
	conn, r := dialTCP(t, srv)

	_, err := conn.Write([]byte("flow_user reads 1704164645 3 flow=f1\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))

	_, err = conn.Write([]byte(`{"type":"flow_user","name":"reads","value":1}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))

	_, err = conn.Write([]byte("not a metric\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.InvalidResponse, readResponse(t, conn, r))
}

func TestTCPServerUnroutedTypeGetsNoResponse(t *testing.T) {
	srv := startTCP(t, newTestEngine(t, succeed), TCPOptions{})
	conn, r := dialTCP(t, srv)

	_, err := conn.Write([]byte("system cpu 1704164645 0.5\nflow_user reads 1704164645 1\n"))
	require.NoError(t, err)

	// Only the flow_user frame is answered.
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = r.ReadBytes('\n')
	assert.True(t, isTimeout(err), "expected no further response, got %v", err)
}

func TestTCPServerDispatchesFramesConcurrently(t *testing.T) {
	release := make(chan struct{})
	engine := newTestEngine(t, func(_ context.Context, req metric.Request) (metric.Status, error) {
		if req.Name == "slow" {
			<-release
		}
		return metric.StatusSuccess, nil
	})
	srv := startTCP(t, engine, TCPOptions{})
	conn, r := dialTCP(t, srv)

	_, err := conn.Write([]byte("flow_user slow 1 1\nflow_user fast 1 1\n"))
	require.NoError(t, err)

	// The fast frame is answered while the slow one is still blocked.
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))
	close(release)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))
}

func TestTCPServerAnswersOversizedFrameInvalid(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	srv := startTCP(t, newTestEngine(t, succeed), TCPOptions{
		MaxFrameSize: 64,
		Hooks: Hooks{OnError: func(_ ConnInfo, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}},
	})
	conn, r := dialTCP(t, srv)

	_, err := conn.Write([]byte("flow_user " + strings.Repeat("x", 4096) + " 1 1\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.InvalidResponse, readResponse(t, conn, r))

	// The rest of the stream is still read.
	_, err = conn.Write([]byte("flow_user reads 1 1\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))
	assert.Equal(t, 1, srv.Active())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errspkg.ErrInvalidFrame)
}

func TestReadLine(t *testing.T) {
	long := strings.Repeat("y", 40)
	input := "short\r\n" + long + "\n\nlast"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, size, tooLong, err := readLine(r, 32, nil)
	require.NoError(t, err)
	assert.Equal(t, "short", string(line))
	assert.Equal(t, 7, size)
	assert.False(t, tooLong)

	line, size, tooLong, err = readLine(r, 32, nil)
	require.NoError(t, err)
	assert.True(t, tooLong)
	assert.Empty(t, line)
	assert.Equal(t, 41, size)

	line, _, tooLong, err = readLine(r, 32, nil)
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Empty(t, line)

	line, _, _, err = readLine(r, 32, nil)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "last", string(line))
}

func TestPanickingConnectionHooksKeepServing(t *testing.T) {
	hooks := Hooks{
		OnOpen:  func(ConnInfo) error { panic("open hook bug") },
		OnError: func(ConnInfo, error) { panic("error hook bug") },
		OnClose: func(ConnInfo) { panic("close hook bug") },
	}
	srv := startTCP(t, newTestEngine(t, succeed), TCPOptions{MaxFrameSize: 32, Hooks: hooks})

	first, r := dialTCP(t, srv)
	_, err := first.Write([]byte("flow_user reads 1 1\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, first, r))

	// OnError fires for the oversized line and still gets an answer.
	_, err = first.Write([]byte(strings.Repeat("z", 64) + "\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.InvalidResponse, readResponse(t, first, r))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	// The accept loop survived every hook panic.
	second, r2 := dialTCP(t, srv)
	_, err = second.Write([]byte("flow_user reads 1 1\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, second, r2))
}

func TestTCPServerShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := newTestEngine(t, func(context.Context, metric.Request) (metric.Status, error) {
		close(started)
		<-release
		return metric.StatusSuccess, nil
	})
	srv, err := NewTCPServer(engine, nil, TCPOptions{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)
	_, err = conn.Write([]byte("flow_user reads 1 1\n"))
	require.NoError(t, err)
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))
	require.NoError(t, <-shutdownDone)
	assert.ErrorIs(t, <-served, errspkg.ErrServerClosed)
	assert.Zero(t, srv.Active())
}

func TestTCPServerShutdownTimeout(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	engine := newTestEngine(t, func(ctx context.Context, _ metric.Request) (metric.Status, error) {
		close(started)
		<-block
		return metric.StatusSuccess, nil
	})
	srv, err := NewTCPServer(engine, nil, TCPOptions{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("flow_user reads 1 1\n"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
}

func TestServeAfterShutdown(t *testing.T) {
	srv, err := NewTCPServer(newTestEngine(t, succeed), nil, TCPOptions{})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(ln), errspkg.ErrServerClosed)
}

func TestNewTCPServerRequiresHandler(t *testing.T) {
	_, err := NewTCPServer(nil, nil, TCPOptions{})
	assert.Error(t, err)
}

func TestConnectionRegistryTracksConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	conns, err := NewConnectionRegistry(reg)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		hookErrs int
	)
	hooks := conns.Hooks().Merge(Hooks{OnOpen: func(ConnInfo) error {
		mu.Lock()
		hookErrs++
		mu.Unlock()
		return errors.New("jmx unavailable")
	}})
	srv := startTCP(t, newTestEngine(t, succeed), TCPOptions{Hooks: hooks})
	conn, r := dialTCP(t, srv)

	// A failing open hook must not close the connection.
	_, err = conn.Write([]byte("flow_user reads 1 1\n"))
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, readResponse(t, conn, r))

	require.Eventually(t, func() bool { return conns.Len() == 1 }, time.Second, time.Millisecond)
	list := conns.List()
	require.Len(t, list, 1)
	assert.Equal(t, "tcp", list[0].Transport)
	assert.True(t, strings.HasPrefix(list[0].ID, "tcp-"))
	assert.EqualValues(t, 1, list[0].FramesRead)
	require.Eventually(t, func() bool {
		stats, ok := conns.Get(list[0].ID)
		return ok && stats.ResponsesWritten == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(conns.open.WithLabelValues("tcp")))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return conns.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(conns.open.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(conns.opened.WithLabelValues("tcp")))

	mu.Lock()
	assert.Equal(t, 1, hookErrs)
	mu.Unlock()
}

func TestConnectionRegistryRejectsDuplicates(t *testing.T) {
	conns, err := NewConnectionRegistry(nil)
	require.NoError(t, err)
	info := ConnInfo{ID: "tcp-1", Transport: "tcp", OpenedAt: time.Now()}
	require.NoError(t, conns.Register(info))
	assert.Error(t, conns.Register(info))

	conns.Unregister("tcp-1")
	conns.Unregister("tcp-1")
	_, ok := conns.Get("tcp-1")
	assert.False(t, ok)
}

func TestHooksMerge(t *testing.T) {
	var order []string
	merged := Hooks{
		OnOpen:  func(ConnInfo) error { order = append(order, "a-open"); return errors.New("a") },
		OnClose: func(ConnInfo) { order = append(order, "a-close") },
	}.Merge(Hooks{
		OnOpen:  func(ConnInfo) error { order = append(order, "b-open"); return errors.New("b") },
		OnError: func(ConnInfo, error) { order = append(order, "b-error") },
	})

	assert.EqualError(t, merged.OnOpen(ConnInfo{}), "a")
	merged.OnError(ConnInfo{}, nil)
	merged.OnClose(ConnInfo{})
	assert.Equal(t, []string{"a-open", "b-open", "b-error", "a-close"}, order)
}

func TestWebSocketHandlerAnswersMessages(t *testing.T) {
	conns, err := NewConnectionRegistry(nil)
	require.NoError(t, err)
	h, err := NewWebSocketHandler(newTestEngine(t, succeed), nil, WebSocketOptions{Hooks: conns.Hooks()})
	require.NoError(t, err)

	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"flow_user","name":"reads","value":2}`)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, err := metric.DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, metric.SuccessResponse, resp)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("flow_user")))
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	resp, err = metric.DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, metric.InvalidResponse, resp)

	list := conns.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ws", list[0].Transport)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Zero(t, h.Active())
	assert.Zero(t, conns.Len())
}
