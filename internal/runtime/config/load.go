package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "METRICFLOW"

// Load reads a YAML configuration file. Unknown keys are rejected. An empty
// path yields the defaults. Environment overrides are not applied; see
// ApplyEnv.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(bytes.NewReader(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Decode reads YAML from r into cfg. An empty document leaves cfg unchanged.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays METRICFLOW_* environment variables onto cfg, for example
// METRICFLOW_LISTEN_ADDR or METRICFLOW_SYSTEM_PLUGINS (comma separated).
// Custom plugins use METRICFLOW_CUSTOM_PLUGINS=type:p1|p2;other:p3.
func ApplyEnv(cfg *Config) error {
	return ApplyEnvFrom(cfg, os.LookupEnv)
}

// ApplyEnvFrom is ApplyEnv with a custom lookup function.
func ApplyEnvFrom(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range overrides(cfg) {
		raw, ok := lookup(EnvPrefix + "_" + o.key)
		if !ok {
			continue
		}
		if err := o.set(strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, o.key, err))
		}
	}
	cfg.ApplyDefaults()
	return errors.Join(errs...)
}

type override struct {
	key string
	set func(string) error
}

func overrides(c *Config) []override {
	return []override{
		{"LISTEN_ADDR", setString(&c.ListenAddr)},
		{"MAX_FRAME_SIZE", setInt(&c.MaxFrameSize)},
		{"IDLE_TIMEOUT", setDuration(&c.IdleTimeout)},
		{"WRITE_TIMEOUT", setDuration(&c.WriteTimeout)},
		{"WEBSOCKET_PORT", setInt(&c.WebSocketPort)},
		{"WEBSOCKET_PATH", setString(&c.WebSocketPath)},
		{"WEBSOCKET_ALLOWED_ORIGINS", setList(&c.WebSocketAllowedOrigins)},
		{"DEFAULT_PROCESSOR", setString(&c.DefaultProcessor)},
		{"SYSTEM_PLUGINS", setList(&c.SystemPlugins)},
		{"FLOW_SYSTEM_PLUGINS", setList(&c.FlowSystemPlugins)},
		{"FLOW_USER_PLUGINS", setList(&c.FlowUserPlugins)},
		{"CUSTOM_PLUGINS", setCustomPlugins(&c.CustomPlugins)},
		{"CORRECT_FLOW_SYSTEM_BINDING", setBool(&c.CorrectFlowSystemBinding)},
		{"PROCESSOR_TIMEOUT", setDuration(&c.ProcessorTimeout)},
		{"SHUTDOWN_TIMEOUT", setDuration(&c.ShutdownTimeout)},
		{"INGRESS_TRANSPORT", setString(&c.IngressTransport)},
		{"INGRESS_TOPIC", setString(&c.IngressTopic)},
		{"INGRESS_REPLY_TOPIC", setString(&c.IngressReplyTopic)},
		{"FORWARD_TOPIC_PREFIX", setString(&c.ForwardTopicPrefix)},
		{"KAFKA_BROKERS", setList(&c.KafkaBrokers)},
		{"KAFKA_CONSUMER_GROUP", setString(&c.KafkaConsumerGroup)},
		{"RABBITMQ_URL", setString(&c.RabbitMQURL)},
		{"NATS_URL", setString(&c.NATSURL)},
		{"JETSTREAM_STREAM", setString(&c.JetStreamStream)},
		{"HTTP_PUBLISHER_URL", setString(&c.HTTPPublisherURL)},
		{"IO_FILE", setString(&c.IOFile)},
		{"SQLITE_FILE", setString(&c.SQLiteFile)},
		{"POSTGRES_URL", setString(&c.PostgresURL)},
		{"AWS_REGION", setString(&c.AWSRegion)},
		{"AWS_ACCOUNT_ID", setString(&c.AWSAccountID)},
		{"AWS_ACCESS_KEY_ID", setString(&c.AWSAccessKeyID)},
		{"AWS_SECRET_ACCESS_KEY", setString(&c.AWSSecretAccessKey)},
		{"AWS_ENDPOINT", setString(&c.AWSEndpoint)},
		{"OPENTSDB_ADDRESS", setString(&c.OpenTSDBAddress)},
		{"METRICS_ENABLED", setBool(&c.MetricsEnabled)},
		{"METRICS_PORT", setInt(&c.MetricsPort)},
		{"WEBUI_ENABLED", setBool(&c.WebUIEnabled)},
		{"WEBUI_PORT", setInt(&c.WebUIPort)},
		{"WEBUI_CORS_ALLOWED_ORIGINS", setList(&c.WebUICORSAllowedOrigins)},
	}
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func setList(dst *[]string) func(string) error {
	return func(v string) error {
		*dst = splitList(v, ",")
		return nil
	}
}

func setCustomPlugins(dst *map[string][]string) func(string) error {
	return func(v string) error {
		out := make(map[string][]string)
		for _, entry := range splitList(v, ";") {
			typ, names, ok := strings.Cut(entry, ":")
			typ = strings.TrimSpace(typ)
			if !ok || typ == "" {
				return fmt.Errorf("invalid entry %q, want type:p1|p2", entry)
			}
			out[typ] = splitList(names, "|")
		}
		*dst = out
		return nil
	}
}

func splitList(v, sep string) []string {
	var out []string
	for _, part := range strings.Split(v, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
