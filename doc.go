// Package metricflow is a metric collection server. Clients submit metric
// requests as newline delimited frames over TCP or as WebSocket messages;
// every request is routed by its metric type to the processors bound to that
// type, and the server answers with a single status: SUCCESS when every bound
// processor succeeded, FAILED otherwise, INVALID for frames that could not be
// decoded. Requests whose type has no processor get no answer at all.
//
// Processors are resolved by name from a registry. The built-in ones forward
// metrics to OpenTSDB, Go channels, NATS, NATS JetStream, Kafka, RabbitMQ,
// AWS SNS, HTTP endpoints, a JSON lines file, SQLite or PostgreSQL, and the
// default "flow" processor aggregates flow metrics in Prometheus. Import
// github.com/drblury/metricflow/processor/all to register all of them, or
// register your own with RegisterProcessor.
//
// A Service built from Config owns the routing table, the dispatch engine,
// the TCP and WebSocket endpoints, an optional message-bus ingress and the
// Prometheus and introspection HTTP endpoints. Start serves until the context
// is cancelled and then shuts down in order: endpoints stop accepting,
// in-flight requests are answered, connections close, and each processor is
// closed exactly once.
//
//	cfg, err := metricflow.LoadConfig("metricflow.yaml")
//	if err != nil {
//		return err
//	}
//	svc, err := metricflow.NewService(ctx, cfg, logger, metricflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	return svc.Start(ctx)
package metricflow
