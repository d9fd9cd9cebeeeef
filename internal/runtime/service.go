package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/metricflow/internal/runtime/config"
	"github.com/drblury/metricflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/ingress"
	loggingpkg "github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/internal/runtime/routing"
	"github.com/drblury/metricflow/internal/runtime/server"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

var buildTransport = ingress.BuildTransport

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// Registry resolves processor identifiers. Defaults to
	// processor.DefaultRegistry.
	Registry *processor.Registry
	// Metrics receives the collectors of the service. Defaults to a fresh
	// registry. /metrics serves it together with the default gatherer, which
	// carries the Go and process collectors and the flow aggregates.
	Metrics *prometheus.Registry
	// ConnectionHooks run after the service's own connection bookkeeping.
	ConnectionHooks server.Hooks
	// ProcessorHooks run after the service's logging hooks.
	ProcessorHooks dispatch.Hooks
}

// Service wires the routing table, dispatch engine, connection servers, the
// optional ingress and the HTTP endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	table       *routing.Table
	engine      *dispatch.Engine
	decoder     *metric.Decoder
	connections *server.ConnectionRegistry
	metrics     *prometheus.Registry

	tcp     *server.TCPServer
	ws      *server.WebSocketHandler
	ingress *ingress.Ingress

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	resourceTracker *resourceTracker

	stopped      chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService builds every configured processor and the servers in front of
// them. Nothing listens until Start is called. When construction fails, the
// processors already built are closed.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log.Info("Creating metric service", loggingpkg.LogFields{"config": conf})

	registry := deps.Registry
	if registry == nil {
		registry = processor.DefaultRegistry
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = prometheus.NewRegistry()
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	table, err := routing.Build(ctx, routing.Options{
		DefaultProcessor:         conf.DefaultProcessor,
		SystemPlugins:            conf.SystemPlugins,
		FlowSystemPlugins:        conf.FlowSystemPlugins,
		FlowUserPlugins:          conf.FlowUserPlugins,
		CustomPlugins:            conf.CustomPlugins,
		CorrectFlowSystemBinding: conf.CorrectFlowSystemBinding,
		Factory: func(ctx context.Context, name string) (processor.Processor, error) {
			return registry.Build(ctx, name, conf, wmLogger)
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:            conf,
		Logger:          log,
		table:           table,
		decoder:         metric.NewDecoder(table.Types()...),
		metrics:         metrics,
		resourceTracker: newResourceTracker(),
		stopped:         make(chan struct{}),
	}
	if err := s.build(deps); err != nil {
		return nil, errors.Join(err, dispatch.ShutdownAll(table, log))
	}
	return s, nil
}

func (s *Service) build(deps ServiceDependencies) error {
	conf := s.Conf

	dispatchMetrics := dispatch.NewMetrics(s.metrics)
	if err := dispatchMetrics.Register(); err != nil {
		return fmt.Errorf("register dispatch metrics: %w", err)
	}
	engine, err := dispatch.NewEngine(s.table, dispatch.Options{
		Timeout: conf.ProcessorTimeout,
		Hooks:   dispatch.LoggingHooks(s.Logger).Merge(deps.ProcessorHooks),
		Metrics: dispatchMetrics,
		Logger:  s.Logger,
	})
	if err != nil {
		return err
	}
	s.engine = engine

	connections, err := server.NewConnectionRegistry(s.metrics)
	if err != nil {
		return fmt.Errorf("register connection metrics: %w", err)
	}
	s.connections = connections
	hooks := connections.Hooks().Merge(deps.ConnectionHooks)

	if conf.TCPEnabled() {
		s.tcp, err = server.NewTCPServer(engine, s.decoder, server.TCPOptions{
			Addr:         conf.ListenAddr,
			MaxFrameSize: conf.MaxFrameSize,
			IdleTimeout:  conf.IdleTimeout,
			WriteTimeout: conf.WriteTimeout,
			Hooks:        hooks,
			Logger:       s.Logger,
		})
		if err != nil {
			return err
		}
	}

	if conf.WebSocketPort > 0 {
		s.ws, err = server.NewWebSocketHandler(engine, s.decoder, server.WebSocketOptions{
			MaxFrameSize: int64(conf.MaxFrameSize),
			WriteTimeout: conf.WriteTimeout,
			CheckOrigin:  originChecker(conf.WebSocketAllowedOrigins),
			Hooks:        hooks,
			Logger:       s.Logger,
		})
		if err != nil {
			return err
		}
		s.RegisterHTTPHandler(conf.WebSocketPort, conf.WebSocketPath, s.ws)
	}

	if conf.IngressTransport != "" {
		transport, err := buildTransport(ingress.Settings{
			Transport:          conf.IngressTransport,
			NATSURL:            conf.NATSURL,
			KafkaBrokers:       conf.KafkaBrokers,
			KafkaConsumerGroup: conf.KafkaConsumerGroup,
			RabbitMQURL:        conf.RabbitMQURL,
		}, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return err
		}
		s.ingress, err = ingress.New(engine, s.decoder, ingress.Options{
			Transport:  transport,
			Topic:      conf.IngressTopic,
			ReplyTopic: conf.IngressReplyTopic,
			Registerer: s.metrics,
			Logger:     s.Logger,
		})
		if err != nil {
			return errors.Join(err, transport.Close())
		}
	}

	if conf.MetricsEnabled {
		gatherers := prometheus.Gatherers{s.metrics}
		if prometheus.Gatherer(s.metrics) != prometheus.DefaultGatherer {
			gatherers = append(gatherers, prometheus.DefaultGatherer)
		}
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	}
	s.registerWebUI()
	return nil
}

// originChecker accepts the listed origins, any origin for "*", and
// same-origin requests when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Engine returns the dispatch engine.
func (s *Service) Engine() *dispatch.Engine { return s.engine }

// Table returns the routing table.
func (s *Service) Table() *routing.Table { return s.table }

// Addr returns the address of the TCP listener once Start is serving, or nil.
func (s *Service) Addr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Connections returns the registry of open client connections.
func (s *Service) Connections() *server.ConnectionRegistry { return s.connections }

// Start serves until ctx is cancelled or a listener fails, then shuts the
// service down within Conf.ShutdownTimeout. A listener that fails to start
// stops the others.
func (s *Service) Start(ctx context.Context) error {
	select {
	case <-s.stopped:
		return errspkg.ErrServerClosed
	default:
	}
	listeners, err := s.listen()
	if err != nil {
		return errors.Join(err, s.Shutdown(context.Background()))
	}
	return s.serve(ctx, listeners)
}

type httpListener struct {
	srv *http.Server
	ln  net.Listener
}

type listeners struct {
	tcp  net.Listener
	http []httpListener
}

func (s *Service) listen() (listeners, error) {
	var ls listeners
	if s.tcp != nil {
		ln, err := net.Listen("tcp", s.Conf.ListenAddr)
		if err != nil {
			return ls, fmt.Errorf("listen on %s: %w", s.Conf.ListenAddr, err)
		}
		ls.tcp = ln
		s.Logger.Info("Listening for metric frames", loggingpkg.LogFields{"address": ln.Addr().String()})
	}

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()
	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			ls.close()
			return ls, fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.running = append(s.running, srv)
		ls.http = append(ls.http, httpListener{srv: srv, ln: ln})
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
	}
	return ls, nil
}

func (ls listeners) close() {
	if ls.tcp != nil {
		_ = ls.tcp.Close()
	}
	for _, h := range ls.http {
		_ = h.ln.Close()
	}
}

func (s *Service) serve(ctx context.Context, ls listeners) error {
	g, gctx := errgroup.WithContext(ctx)

	if ls.tcp != nil {
		g.Go(func() error {
			if err := s.tcp.Serve(ls.tcp); err != nil && !errors.Is(err, errspkg.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	for _, h := range ls.http {
		g.Go(func() error {
			if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", h.ln.Addr(), err)
			}
			return nil
		})
	}
	if s.ingress != nil {
		g.Go(func() error {
			return s.ingress.Run(gctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopped:
			return nil
		}
		timeout := s.Conf.ShutdownTimeout
		if timeout <= 0 {
			timeout = configpkg.DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the service: listeners stop accepting, in-flight requests
// are answered, connections close, the ingress stops and finally every
// processor is closed exactly once. When ctx expires first, connections are
// closed without waiting and processors are still closed. Calling Shutdown
// again returns the first result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
		close(s.stopped)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	s.Logger.Info("Shutting down metric service", nil)
	var errs []error

	// Endpoints first so no new frames arrive while draining.
	var wg sync.WaitGroup
	var mu sync.Mutex
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	if s.tcp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(s.tcp.Shutdown(ctx))
		}()
	}
	if s.ws != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(s.ws.Shutdown(ctx))
		}()
	}
	wg.Wait()

	s.httpServersMu.Lock()
	running := s.running
	s.httpServersMu.Unlock()
	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
	}

	if s.ingress != nil {
		if err := s.ingress.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ingress: %w", err))
		}
	}

	if err := s.engine.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.Logger.Error("Metric service shut down with errors", err, nil)
	} else {
		s.Logger.Info("Metric service stopped", nil)
	}
	return err
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Handlers
// must be registered before Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}
