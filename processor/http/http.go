// Package http provides a metric sink that POSTs each metric to an HTTP
// endpoint. The topic is appended to the configured base URL.
package http

import (
	"context"
	"fmt"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Build creates the HTTP sink.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	baseURL := cfg.GetHTTPPublisherURL()
	if baseURL == "" {
		return nil, fmt.Errorf("http: publisher url is required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				req, err := http.DefaultMarshalMessageFunc(baseURL+topic, msg)
				if err != nil {
					return nil, err
				}
				req.Header.Set("Content-Type", "application/json")
				return req, nil
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}
	return processor.NewPublisher(Name, publisher, cfg.GetForwardTopicPrefix(), logger)
}
