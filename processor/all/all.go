// Package all registers every built-in processor with the default registry.
package all

import (
	_ "github.com/drblury/metricflow/processor/aws"
	_ "github.com/drblury/metricflow/processor/channel"
	_ "github.com/drblury/metricflow/processor/flow"
	_ "github.com/drblury/metricflow/processor/http"
	_ "github.com/drblury/metricflow/processor/io"
	_ "github.com/drblury/metricflow/processor/jetstream"
	_ "github.com/drblury/metricflow/processor/kafka"
	_ "github.com/drblury/metricflow/processor/nats"
	_ "github.com/drblury/metricflow/processor/opentsdb"
	_ "github.com/drblury/metricflow/processor/postgres"
	_ "github.com/drblury/metricflow/processor/rabbitmq"
	_ "github.com/drblury/metricflow/processor/sqlite"
)
