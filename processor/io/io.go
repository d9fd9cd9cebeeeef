// Package io provides a metric sink appending JSON lines to a local file.
package io

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/metricflow/internal/runtime/jsoncodec"
	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "io"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "metrics.log"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewFilePublisher(filePath)
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Build creates the file sink.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return nil, err
	}
	return processor.NewPublisher(Name, pub, cfg.GetForwardTopicPrefix(), logger)
}

// Record is one line of the output file.
type Record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// FilePublisher appends messages to a file, one JSON record per line.
type FilePublisher struct {
	mu   sync.Mutex
	file *os.File
}

// NewFilePublisher opens (or creates) path for appending.
func NewFilePublisher(path string) (*FilePublisher, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("io: open %q: %w", path, err)
	}
	return &FilePublisher{file: f}, nil
}

// Publish writes messages to the file.
func (p *FilePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return os.ErrClosed
	}
	for _, msg := range messages {
		line, err := jsoncodec.MarshalLine(Record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		if _, err := p.file.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes the file.
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	f := p.file
	p.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
