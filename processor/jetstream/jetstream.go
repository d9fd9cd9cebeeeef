// Package jetstream provides a metric sink persisting metrics into a NATS
// JetStream stream. Each metric is published to "<stream>.<topic>" and the
// publish is acknowledged by the server before SUCCESS is reported.
package jetstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/ids"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "nats-jetstream"

const (
	// DefaultStream is used when no stream name is configured.
	DefaultStream = "METRICS"
	// DefaultMaxAge bounds how long metrics stay in the stream.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// JetStream is the subset of nats.JetStreamContext the sink uses.
type JetStream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Connect allows overriding the connection creation for testing. The returned
// close function releases the connection.
var Connect = func(url string) (JetStream, func(), error) {
	nc, err := nats.Connect(url, nats.Name("metricflow"))
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: connect to %q: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: context: %w", err)
	}
	return js, nc.Close, nil
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Config holds the JetStream sink settings.
type Config struct {
	URL         string
	Stream      string
	TopicPrefix string
	MaxAge      time.Duration
	Replicas    int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Processor publishes metrics into a JetStream stream.
type Processor struct {
	js      JetStream
	release func()
	config  Config
	logger  watermill.LoggerAdapter

	closed atomic.Bool
	once   processor.CloseOnce
}

// Build creates the JetStream sink.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	return New(Config{
		URL:         cfg.GetNATSURL(),
		Stream:      cfg.GetJetStreamStream(),
		TopicPrefix: cfg.GetForwardTopicPrefix(),
	}, logger)
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Processor, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	js, release, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		js:      js,
		release: release,
		config:  cfg,
		logger:  logger.With(watermill.LogFields{"processor": Name, "stream": cfg.Stream}),
	}
	if err := p.ensureStream(); err != nil {
		p.releaseConn()
		return nil, err
	}
	return p, nil
}

func (p *Processor) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      p.config.Stream,
		Subjects:  []string{p.config.Stream + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    p.config.MaxAge,
		Replicas:  p.config.Replicas,
	}

	if _, err := p.js.AddStream(streamCfg); err != nil {
		if _, uerr := p.js.UpdateStream(streamCfg); uerr != nil {
			return fmt.Errorf("jetstream: ensure stream %q: %w", p.config.Stream, err)
		}
		p.logger.Debug("JetStream stream updated", nil)
	}
	return nil
}

// Subject returns the subject a metric type is published to.
func (p *Processor) Subject(t metric.Type) string {
	return p.config.Stream + "." + processor.Topic(p.config.TopicPrefix, t)
}

// Process publishes req and waits for the stream acknowledgement.
func (p *Processor) Process(ctx context.Context, req metric.Request) (metric.Status, error) {
	if p.closed.Load() {
		return metric.StatusFailed, errspkg.ErrProcessorClosed
	}

	payload, err := metric.EncodeRequest(req)
	if err != nil {
		return metric.StatusFailed, err
	}

	header := nats.Header{}
	header.Set(nats.MsgIdHdr, ids.CreateULID())
	header.Set(processor.MetadataMetricType, req.Type.String())
	header.Set(processor.MetadataMetricName, req.Name)

	msg := &nats.Msg{
		Subject: p.Subject(req.Type),
		Data:    payload,
		Header:  header,
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return metric.StatusFailed, fmt.Errorf("jetstream: publish to %q: %w", msg.Subject, err)
	}
	return metric.StatusSuccess, nil
}

// Close releases the NATS connection.
func (p *Processor) Close() error {
	return p.once.Do(func() error {
		p.closed.Store(true)
		p.releaseConn()
		return nil
	})
}

func (p *Processor) releaseConn() {
	if p.release != nil {
		p.release()
	}
}
