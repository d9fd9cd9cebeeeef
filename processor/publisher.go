package processor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/ids"
	"github.com/drblury/metricflow/metric"
)

// Metadata keys set on every forwarded message.
const (
	MetadataMetricType = "metric_type"
	MetadataMetricName = "metric_name"
)

// Publisher forwards every request to a Watermill publisher. The topic is the
// configured prefix followed by the metric type, so one sink can serve several
// metric types.
type Publisher struct {
	name      string
	publisher message.Publisher
	prefix    string
	logger    watermill.LoggerAdapter

	closed atomic.Bool
	close  CloseOnce
}

// NewPublisher wraps pub. name identifies the sink in logs and errors.
func NewPublisher(name string, pub message.Publisher, prefix string, logger watermill.LoggerAdapter) (*Publisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{
		name:      name,
		publisher: pub,
		prefix:    prefix,
		logger:    logger.With(watermill.LogFields{"processor": name}),
	}, nil
}

// Name returns the sink identifier.
func (p *Publisher) Name() string { return p.name }

// Process publishes the request as a JSON message. A publish error reports
// FAILED through the returned error.
func (p *Publisher) Process(ctx context.Context, req metric.Request) (metric.Status, error) {
	if p.closed.Load() {
		return metric.StatusFailed, errspkg.ErrProcessorClosed
	}

	msg, err := NewMessage(ctx, req)
	if err != nil {
		return metric.StatusFailed, err
	}

	topic := Topic(p.prefix, req.Type)
	if err := p.publisher.Publish(topic, msg); err != nil {
		p.logger.Error("Failed to forward metric", err, watermill.LogFields{
			"topic":       topic,
			"metric_name": req.Name,
		})
		return metric.StatusFailed, fmt.Errorf("publish to %q: %w", topic, err)
	}
	return metric.StatusSuccess, nil
}

// Close closes the underlying publisher once.
func (p *Publisher) Close() error {
	return p.close.Do(func() error {
		p.closed.Store(true)
		return p.publisher.Close()
	})
}

// NewMessage encodes req into a Watermill message carrying the metric type
// and name as metadata.
func NewMessage(ctx context.Context, req metric.Request) (*message.Message, error) {
	payload, err := metric.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode metric %q: %w", req.Name, err)
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(MetadataMetricType, req.Type.String())
	msg.Metadata.Set(MetadataMetricName, req.Name)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg, nil
}
