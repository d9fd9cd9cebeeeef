// Package processortest provides configuration and publisher doubles for
// processor tests.
package processortest

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/metricflow/metric"
)

// Config is a processor.Config backed by plain fields.
type Config struct {
	ForwardTopicPrefix string
	KafkaBrokers       []string
	RabbitMQURL        string
	NATSURL            string
	JetStreamStream    string
	HTTPPublisherURL   string
	IOFile             string
	SQLiteFile         string
	PostgresURL        string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	OpenTSDBAddress    string
}

func (c *Config) GetForwardTopicPrefix() string { return c.ForwardTopicPrefix }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetJetStreamStream() string    { return c.JetStreamStream }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c *Config) GetIOFile() string             { return c.IOFile }
func (c *Config) GetSQLiteFile() string         { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string        { return c.PostgresURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }
func (c *Config) GetOpenTSDBAddress() string    { return c.OpenTSDBAddress }

// Published is one message captured by a Publisher.
type Published struct {
	Topic   string
	Message *message.Message
}

// Publisher records published messages. Err, when set, is returned from
// Publish instead of recording.
type Publisher struct {
	mu       sync.Mutex
	Err      error
	messages []Published
	closed   int
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	for _, msg := range messages {
		p.messages = append(p.messages, Published{Topic: topic, Message: msg})
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// Messages returns a snapshot of everything published so far.
func (p *Publisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.messages...)
}

// Closed returns how many times Close was called.
func (p *Publisher) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Request builds a valid request for tests.
func Request(t metric.Type, name string, value float64, tags map[string]string) metric.Request {
	return metric.Request{
		Type:      t,
		Valid:     true,
		Name:      name,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Unix(),
		Value:     value,
		Tags:      tags,
	}
}
