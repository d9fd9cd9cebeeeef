// Package opentsdb provides a metric sink writing to an OpenTSDB server over
// its telnet-style "put" protocol.
package opentsdb

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "opentsdb"

const (
	// DefaultAddress is the standard OpenTSDB listener.
	DefaultAddress = "localhost:4242"
	// TypeTag is added to every data point; OpenTSDB requires at least one tag.
	TypeTag = "metric_type"

	writeTimeout = 5 * time.Second
)

// DialFunc allows overriding the connection creation for testing.
var DialFunc = func(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Processor writes one put line per request. The connection is opened lazily
// and re-established once after a write failure.
type Processor struct {
	address string
	logger  watermill.LoggerAdapter

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Build creates the OpenTSDB sink. The connection is established on first use
// so the server may start before OpenTSDB is reachable.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	return New(cfg.GetOpenTSDBAddress(), logger), nil
}

// New returns a sink for address.
func New(address string, logger watermill.LoggerAdapter) *Processor {
	if address == "" {
		address = DefaultAddress
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Processor{
		address: address,
		logger:  logger.With(watermill.LogFields{"processor": Name, "address": address}),
	}
}

// Process writes req as a put line.
func (p *Processor) Process(ctx context.Context, req metric.Request) (metric.Status, error) {
	line := FormatPut(req)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return metric.StatusFailed, errspkg.ErrProcessorClosed
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.write(ctx, line); err == nil {
			return metric.StatusSuccess, nil
		}
		p.logger.Debug("OpenTSDB write failed", watermill.LogFields{"attempt": attempt + 1, "error": err.Error()})
		p.dropConn()
	}
	return metric.StatusFailed, fmt.Errorf("opentsdb: put %q: %w", req.Name, err)
}

func (p *Processor) write(ctx context.Context, line string) error {
	if p.conn == nil {
		conn, err := DialFunc(ctx, p.address)
		if err != nil {
			return err
		}
		p.conn = conn
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := p.conn.Write([]byte(line))
	return err
}

func (p *Processor) dropConn() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close closes the connection. Further calls are no-ops.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// FormatPut renders req in the OpenTSDB put syntax:
//
//	put <name> <timestamp> <value> metric_type=<type> [k=v ...]
//
// Tags are sorted by key. Spaces in tag values are replaced with underscores.
func FormatPut(req metric.Request) string {
	var b strings.Builder
	b.WriteString("put ")
	b.WriteString(sanitize(req.Name))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(req.Timestamp, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(req.Value, 'f', -1, 64))
	b.WriteString(" " + TypeTag + "=")
	b.WriteString(sanitize(req.Type.String()))

	keys := make([]string, 0, len(req.Tags))
	for k := range req.Tags {
		if k != TypeTag {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(sanitize(k))
		b.WriteByte('=')
		b.WriteString(sanitize(req.Tags[k]))
	}
	b.WriteByte('\n')
	return b.String()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '=' {
			return '_'
		}
		return r
	}, s)
}
