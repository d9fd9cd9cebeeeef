package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/metricflow/internal/runtime/dispatch"
	"github.com/drblury/metricflow/metric"
)

type stubDispatcher struct {
	mu   sync.Mutex
	seen []metric.Request
	conn []string
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req metric.Request) (metric.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	id, _ := dispatch.ConnectionIDFrom(ctx)
	s.conn = append(s.conn, id)
	switch {
	case !req.Valid:
		return metric.InvalidResponse, true
	case req.Type == metric.System:
		return metric.Response{}, false
	}
	return metric.SuccessResponse, true
}

func (s *stubDispatcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func runIngress(t *testing.T, d Dispatcher, replyTopic string) (Transport, *Ingress) {
	t.Helper()
	transport, err := BuildTransport(Settings{Transport: TransportChannel}, watermill.NopLogger{})
	require.NoError(t, err)

	in, err := New(d, nil, Options{
		Transport:  transport,
		Topic:      "metrics.in",
		ReplyTopic: replyTopic,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = in.Close()
	})

	select {
	case <-in.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("router did not start")
	}
	return transport, in
}

func TestIngressPublishesReplies(t *testing.T) {
	d := &stubDispatcher{}
	transport, _ := runIngress(t, d, "metrics.replies")

	replies, err := transport.Subscriber.Subscribe(context.Background(), "metrics.replies")
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte("flow_user reads 1704164645 2"))
	middleware.SetCorrelationID("corr-1", msg)
	require.NoError(t, transport.Publisher.Publish("metrics.in", msg))

	select {
	case reply := <-replies:
		reply.Ack()
		resp, err := metric.DecodeResponse(reply.Payload)
		require.NoError(t, err)
		assert.Equal(t, metric.SuccessResponse, resp)
		assert.Equal(t, "corr-1", middleware.MessageCorrelationID(reply))
		assert.Equal(t, "SUCCESS", reply.Metadata.Get(MetadataStatus))
		assert.Equal(t, "flow_user", reply.Metadata.Get(MetadataMetricType))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.seen, 1)
	assert.Equal(t, "reads", d.seen[0].Name)
	assert.Equal(t, "ingress-"+msg.UUID, d.conn[0])
}

func TestIngressInvalidAndUnroutedFrames(t *testing.T) {
	d := &stubDispatcher{}
	transport, _ := runIngress(t, d, "metrics.replies")

	replies, err := transport.Subscriber.Subscribe(context.Background(), "metrics.replies")
	require.NoError(t, err)

	require.NoError(t, transport.Publisher.Publish("metrics.in",
		message.NewMessage(watermill.NewUUID(), []byte("system cpu 1704164645 0.5"))))
	require.NoError(t, transport.Publisher.Publish("metrics.in",
		message.NewMessage(watermill.NewUUID(), []byte("{not json"))))

	select {
	case reply := <-replies:
		reply.Ack()
		resp, err := metric.DecodeResponse(reply.Payload)
		require.NoError(t, err)
		assert.Equal(t, metric.InvalidResponse, resp)
		// Correlation IDs are assigned when the frame has none.
		assert.NotEmpty(t, middleware.MessageCorrelationID(reply))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
	}

	require.Eventually(t, func() bool { return d.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	select {
	case reply := <-replies:
		t.Fatalf("unexpected reply %s", reply.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIngressWithoutReplyTopic(t *testing.T) {
	d := &stubDispatcher{}
	transport, _ := runIngress(t, d, "")

	require.NoError(t, transport.Publisher.Publish("metrics.in",
		message.NewMessage(watermill.NewUUID(), []byte(`{"type":"flow_user","name":"reads","value":1}`))))
	require.Eventually(t, func() bool { return d.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestNewValidatesOptions(t *testing.T) {
	transport, err := BuildTransport(Settings{Transport: TransportChannel}, nil)
	require.NoError(t, err)
	d := &stubDispatcher{}

	_, err = New(nil, nil, Options{Transport: transport, Topic: "t"})
	assert.Error(t, err)
	_, err = New(d, nil, Options{Topic: "t"})
	assert.Error(t, err)
	_, err = New(d, nil, Options{Transport: transport})
	assert.Error(t, err)
	_, err = New(d, nil, Options{Transport: Transport{Subscriber: transport.Subscriber}, Topic: "t", ReplyTopic: "r"})
	assert.Error(t, err)
}

func TestBuildTransportValidation(t *testing.T) {
	_, err := BuildTransport(Settings{}, nil)
	assert.ErrorContains(t, err, "transport is required")
	_, err = BuildTransport(Settings{Transport: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unsupported transport")
	_, err = BuildTransport(Settings{Transport: TransportNATS}, nil)
	assert.ErrorContains(t, err, "nats url")
	_, err = BuildTransport(Settings{Transport: TransportKafka}, nil)
	assert.ErrorContains(t, err, "kafka brokers")
	_, err = BuildTransport(Settings{Transport: TransportRabbitMQ}, nil)
	assert.ErrorContains(t, err, "rabbitmq url")
}

type closingPublisher struct {
	closed int
}

func (p *closingPublisher) Publish(string, ...*message.Message) error { return nil }
func (p *closingPublisher) Close() error {
	p.closed++
	return nil
}

func TestNATSTransportClosesPublisherOnSubscriberError(t *testing.T) {
	origPub, origSub := NATSPublisherFactory, NATSSubscriberFactory
	t.Cleanup(func() { NATSPublisherFactory, NATSSubscriberFactory = origPub, origSub })

	pub := &closingPublisher{}
	var gotURL string
	NATSPublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		gotURL = cfg.URL
		return pub, nil
	}
	NATSSubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("no responders")
	}

	_, err := BuildTransport(Settings{Transport: "NATS", NATSURL: "nats://localhost:4222"}, nil)
	assert.EqualError(t, err, "no responders")
	assert.Equal(t, "nats://localhost:4222", gotURL)
	assert.Equal(t, 1, pub.closed)
}

func TestKafkaTransportDefaultsConsumerGroup(t *testing.T) {
	origPub, origSub := KafkaPublisherFactory, KafkaSubscriberFactory
	t.Cleanup(func() { KafkaPublisherFactory, KafkaSubscriberFactory = origPub, origSub })

	var group string
	KafkaPublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &closingPublisher{}, nil
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		group = cfg.ConsumerGroup
		return nil, errors.New("stop")
	}

	_, err := BuildTransport(Settings{Transport: TransportKafka, KafkaBrokers: []string{"localhost:9092"}}, nil)
	require.Error(t, err)
	assert.Equal(t, DefaultConsumerGroup, group)
}
