// Package gateway wires the toolgate components into one server.
//
// # Components
//
//	registry   -> tool catalog, published as immutable snapshots
//	supervisor -> provider processes and their lifecycle
//	router     -> tool call dispatch with timeouts
//	session    -> SSE streams (GET /sse)
//	mcp        -> JSON-RPC over POST /mcp and POST /sse/messages
//	metrics    -> Prometheus registry (optional)
//	store      -> SQLite ledger behind an async recorder (optional)
//
// Supervisor transitions fan out to SSE sessions, metrics, the ledger and the
// gRPC health service. Registry changes are broadcast as tools_changed.
//
// # HTTP API
//
//	GET  /health                      aggregate status, providers and tools
//	GET  /health/ready                200 when any provider can take calls
//	GET  /sse                         event stream
//	POST /mcp                         JSON-RPC request/response
//	POST /sse/messages?session_id=    JSON-RPC with the reply on the stream
//	GET  /api/providers               provider detail
//	POST /api/providers/{id}/restart  operator restart
//	GET  /api/events                  ledger: provider transitions
//	GET  /api/calls                   ledger: finished tool calls
//	GET  <metrics.path>               Prometheus exposition
//
// # Lifecycle
//
// New builds everything without launching processes. Start launches the
// providers and background loops; Run and Serve call it. Shutdown ends SSE
// streams, stops the servers, stops every provider, then flushes the ledger.
package gateway
