/*
Package runtime assembles the metric server from its parts.

# Architecture Overview

A Service is built from a config.Config in three steps:

 1. routing.Build instantiates every configured processor through the
    processor registry and freezes the bindings into a routing.Table.
 2. dispatch.NewEngine serves that table. Each request fans out to every
    processor bound to its metric type; the response is SUCCESS only when all
    of them succeeded.
 3. The endpoints feed decoded frames to the engine: the TCP line server and
    the WebSocket handler from the server package, and the optional
    message-bus ingress.

# HTTP endpoints

Handlers registered with RegisterHTTPHandler are grouped by port. The
service mounts:
  - the WebSocket endpoint on WebSocketPort/WebSocketPath
  - /metrics on MetricsPort when MetricsEnabled
  - /api/connections, /api/bindings and /api/stats on WebUIPort when
    WebUIEnabled

# Shutdown

Shutdown runs once. Endpoints stop accepting and reading, in-flight requests
are answered, connections close, the ingress router stops, and finally every
distinct processor is closed. Close errors are joined into the returned
error.

# Sub-packages

  - config/: Service configuration with validation and env overrides
  - dispatch/: Dispatch engine, processor hooks and metrics
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for connection and message IDs
  - ingress/: Watermill router consuming frames from a message bus
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - routing/: Immutable binding table and its builder
  - server/: TCP and WebSocket connection substrate
*/
package runtime
