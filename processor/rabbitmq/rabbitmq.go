// Package rabbitmq provides a metric sink publishing to RabbitMQ exchanges.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Processor forwards metrics to durable fanout exchanges, one per topic. It
// owns the AMQP connection and closes it after the publisher.
type Processor struct {
	*processor.Publisher
	conn *amqp.ConnectionWrapper
	once processor.CloseOnce
}

// Close closes the publisher, then the connection.
func (p *Processor) Close() error {
	return p.once.Do(func() error {
		err := p.Publisher.Close()
		if p.conn != nil {
			if cerr := p.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	})
}

// Build creates the RabbitMQ sink.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return nil, fmt.Errorf("rabbitmq: url is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}

	pub, err := processor.NewPublisher(Name, publisher, cfg.GetForwardTopicPrefix(), logger)
	if err != nil {
		return nil, err
	}
	return &Processor{Publisher: pub, conn: conn}, nil
}
