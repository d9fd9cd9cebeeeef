// Package channel provides an in-process metric sink backed by a Watermill
// Go channel pub/sub. Embedders subscribe to the sink's PubSub to observe
// forwarded metrics.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "channel"

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Processor forwards metrics to an in-memory pub/sub.
type Processor struct {
	*processor.Publisher
	pubSub *gochannel.GoChannel
}

// PubSub returns the pub/sub metrics are published to.
func (p *Processor) PubSub() *gochannel.GoChannel { return p.pubSub }

// Build creates the channel sink.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	pubSub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)

	pub, err := processor.NewPublisher(Name, pubSub, cfg.GetForwardTopicPrefix(), logger)
	if err != nil {
		return nil, err
	}
	return &Processor{Publisher: pub, pubSub: pubSub}, nil
}
