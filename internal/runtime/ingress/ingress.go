// Package ingress consumes metric frames from a message bus and feeds them to
// the dispatch engine, optionally publishing each response to a reply topic.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/metricflow/internal/runtime/dispatch"
	"github.com/drblury/metricflow/internal/runtime/ids"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
)

const (
	handlerName = "metricflow_ingress"

	// MetadataStatus carries the response status on reply messages.
	MetadataStatus = "status"
	// MetadataMetricType carries the request's metric type on reply messages.
	MetadataMetricType = "metric_type"
)

// Dispatcher answers decoded requests. *dispatch.Engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req metric.Request) (metric.Response, bool)
}

// Options configures an Ingress.
type Options struct {
	Transport Transport
	// Topic is consumed for metric frames.
	Topic string
	// ReplyTopic receives one message per answered frame. Empty disables
	// replies.
	ReplyTopic string
	// Registerer receives the router metrics. Nil disables them.
	Registerer   prometheus.Registerer
	CloseTimeout time.Duration
	Logger       logging.ServiceLogger
}

// Ingress is a Watermill router with a single handler consuming frames.
type Ingress struct {
	router     *message.Router
	transport  Transport
	dispatcher Dispatcher
	decoder    *metric.Decoder
	log        logging.ServiceLogger
}

// New builds the router. The router takes ownership of opts.Transport and
// closes it on Close.
func New(dispatcher Dispatcher, decoder *metric.Decoder, opts Options) (*Ingress, error) {
	if dispatcher == nil {
		return nil, errors.New("ingress: dispatcher is required")
	}
	if opts.Transport.Subscriber == nil {
		return nil, errors.New("ingress: subscriber is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("ingress: topic is required")
	}
	if opts.ReplyTopic != "" && opts.Transport.Publisher == nil {
		return nil, errors.New("ingress: publisher is required for replies")
	}
	if decoder == nil {
		decoder = metric.NewDecoder()
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}

	log := logging.OrDiscard(opts.Logger).With(logging.LogFields{"component": "ingress"})
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: opts.CloseTimeout}, logging.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("ingress: create router: %w", err)
	}

	in := &Ingress{
		router:     router,
		transport:  opts.Transport,
		dispatcher: dispatcher,
		decoder:    decoder,
		log:        log,
	}

	router.AddMiddleware(
		middleware.Recoverer,
		correlationIDMiddleware(),
		middleware.CorrelationID,
		tracerMiddleware(),
	)
	if opts.Registerer != nil {
		metrics.NewPrometheusMetricsBuilder(opts.Registerer, "metricflow", "ingress").AddPrometheusRouterMetrics(router)
	}

	if opts.ReplyTopic != "" {
		router.AddHandler(handlerName, opts.Topic, opts.Transport.Subscriber, opts.ReplyTopic, opts.Transport.Publisher, in.handle)
	} else {
		router.AddNoPublisherHandler(handlerName, opts.Topic, opts.Transport.Subscriber, func(msg *message.Message) error {
			_, err := in.handle(msg)
			return err
		})
	}

	log.Info("Ingress configured", logging.LogFields{"topic": opts.Topic, "reply_topic": opts.ReplyTopic})
	return in, nil
}

// handle dispatches one frame. Dispatch never fails, so every message is
// acknowledged; frames that produce no response produce no reply.
func (in *Ingress) handle(msg *message.Message) ([]*message.Message, error) {
	req := in.decoder.Decode(msg.Payload)
	ctx := dispatch.WithConnectionID(msg.Context(), "ingress-"+msg.UUID)

	resp, ok := in.dispatcher.Dispatch(ctx, req)
	if !ok {
		return nil, nil
	}

	payload, err := metric.EncodeResponse(resp)
	if err != nil {
		return nil, err
	}
	reply := message.NewMessage(ids.CreateULID(), payload)
	reply.Metadata.Set(MetadataStatus, string(resp.Status))
	if req.Type != "" {
		reply.Metadata.Set(MetadataMetricType, req.Type.String())
	}
	return []*message.Message{reply}, nil
}

// Run consumes until ctx is cancelled or Close is called.
func (in *Ingress) Run(ctx context.Context) error {
	return in.router.Run(ctx)
}

// Running is closed once the router's handlers are running.
func (in *Ingress) Running() chan struct{} {
	return in.router.Running()
}

// Close stops the router and closes the transport.
func (in *Ingress) Close() error {
	var errs []error
	if err := in.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close router: %w", err))
	}
	if err := in.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
