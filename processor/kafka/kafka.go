// Package kafka provides a metric sink producing to Kafka topics.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Build creates the Kafka sink. Messages are keyed by metric name so a
// metric's samples stay ordered within a partition.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	marshaler := kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(processor.MetadataMetricName), nil
	})

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   cfg.GetKafkaBrokers(),
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}
	return processor.NewPublisher(Name, publisher, cfg.GetForwardTopicPrefix(), logger)
}
