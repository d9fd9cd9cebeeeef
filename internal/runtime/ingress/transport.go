package ingress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Supported transport names.
const (
	TransportChannel  = "channel"
	TransportNATS     = "nats"
	TransportKafka    = "kafka"
	TransportRabbitMQ = "rabbitmq"
)

// DefaultConsumerGroup is the Kafka consumer group used when none is set.
const DefaultConsumerGroup = "metricflow"

var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		pubSub := gochannel.NewGoChannel(cfg, logger)
		return pubSub, pubSub
	}

	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}

	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}

	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AmqpSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

// Settings selects and configures the bus the ingress consumes from.
type Settings struct {
	Transport          string
	NATSURL            string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
}

// Transport pairs the subscriber metric frames are consumed from with the
// publisher replies are sent through. Both may be the same value.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

// Close closes the subscriber, the publisher, and any shared connection.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	for _, c := range t.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildTransport creates the publisher and subscriber for settings.Transport.
func BuildTransport(settings Settings, logger watermill.LoggerAdapter) (Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	switch strings.ToLower(strings.TrimSpace(settings.Transport)) {
	case TransportChannel:
		return channelTransport(logger), nil
	case TransportNATS:
		return natsTransport(settings, logger)
	case TransportKafka:
		return kafkaTransport(settings, logger)
	case TransportRabbitMQ:
		return rabbitTransport(settings, logger)
	case "":
		return Transport{}, errors.New("ingress: transport is required")
	default:
		return Transport{}, fmt.Errorf("ingress: unsupported transport %q", settings.Transport)
	}
}

func channelTransport(logger watermill.LoggerAdapter) Transport {
	pub, sub := GoChannelFactory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return Transport{Publisher: pub, Subscriber: sub}
}

func natsTransport(settings Settings, logger watermill.LoggerAdapter) (Transport, error) {
	if settings.NATSURL == "" {
		return Transport{}, errors.New("ingress: nats url is required")
	}
	marshaler := &nats.NATSMarshaler{}

	publisher, err := NATSPublisherFactory(nats.PublisherConfig{
		URL:       settings.NATSURL,
		Marshaler: marshaler,
	}, logger)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := NATSSubscriberFactory(nats.SubscriberConfig{
		URL:         settings.NATSURL,
		Unmarshaler: marshaler,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func kafkaTransport(settings Settings, logger watermill.LoggerAdapter) (Transport, error) {
	if len(settings.KafkaBrokers) == 0 {
		return Transport{}, errors.New("ingress: kafka brokers are required")
	}
	group := settings.KafkaConsumerGroup
	if group == "" {
		group = DefaultConsumerGroup
	}

	publisher, err := KafkaPublisherFactory(kafka.PublisherConfig{
		Brokers:   settings.KafkaBrokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, logger)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := KafkaSubscriberFactory(kafka.SubscriberConfig{
		Brokers:       settings.KafkaBrokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: group,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func rabbitTransport(settings Settings, logger watermill.LoggerAdapter) (Transport, error) {
	if settings.RabbitMQURL == "" {
		return Transport{}, errors.New("ingress: rabbitmq url is required")
	}
	amqpConfig := amqp.NewDurablePubSubConfig(
		settings.RabbitMQURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("-metricflow"),
	)
	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   settings.RabbitMQURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	publisher, err := AmqpPublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = closeAmqp(conn)
		return Transport{}, err
	}
	subscriber, err := AmqpSubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = closeAmqp(conn)
		return Transport{}, err
	}
	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		closers:    []func() error{func() error { return closeAmqp(conn) }},
	}, nil
}

func closeAmqp(conn *amqp.ConnectionWrapper) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
