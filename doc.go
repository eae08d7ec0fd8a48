// Package realtime is the Sidechain realtime gateway: it holds one
// authenticated WebSocket per online user and pushes presence changes and
// social notifications to them.

// Entry points live under cmd/:

// - cmd/server: the gateway process
// - cmd/gatewayctl: operator CLI (mint tokens, list online users, publish, listen)

// The work is organized into subpackages:

// - internal/websocket: connection registry, hub, event union and HTTP handlers
// - internal/auth: credential verification
// - internal/relay: cross-instance event relay over Redis or NATS
// - internal/repository, internal/database, internal/models: follow graph reads
// - internal/cache: Redis client and follower list cache
// - internal/middleware: request id, logging, metrics, tracing, rate limits, auth
// - internal/config, internal/logger, internal/metrics, internal/telemetry, internal/errors: ambient stack
// - internal/cli: gatewayctl commands

// See the individual package documentation for detailed API reference.
package realtime
