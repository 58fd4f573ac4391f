// Package api implements the HTTP REST API and WebSocket server of the gateway.
//
// This package provides:
//   - Read endpoints for the static topology and the live-state snapshot
//   - Coil and tag switching, device probes and bus address changes
//   - Coil history served from the SQLite history store
//   - WebSocket hub broadcasting coil.changed and device.changed events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for production deployments
//
// # Architecture
//
// Every request that touches the bus goes through the executor, which runs
// exchanges one at a time on the serial line. A request whose client goes
// away after its write was handed to the bus does not abort the write; the
// outcome still lands in live state and is broadcast to WebSocket clients.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
