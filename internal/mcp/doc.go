// Package mcp implements the Model Context Protocol surface of the gateway.
//
// # Protocol
//
// Requests are JSON-RPC 2.0 objects. The "jsonrpc" member may be omitted; if
// present it must be "2.0". Two transports carry them:
//
//   - POST /mcp answers each request in the HTTP response body
//   - POST /sse/messages?session_id=... answers on the client's /sse stream
//     as a "message" event
//
// Both go through Server.Handle, so a call behaves the same whichever
// transport the client picked.
//
// # Methods
//
//	initialize   negotiate the protocol version; POST /mcp also issues Mcp-Session-Id
//	ping         returns {}
//	tools/list   {"tools":[{name, description, inputSchema}]} in registration order
//	tools/call   {"name", "arguments", "timeoutMs"?} -> {"content":[...], "isError"?}
//
// Notifications (requests without an id) are accepted with 202 and no body.
//
// # Errors
//
// Gateway failures are JSON-RPC errors whose data names the error kind and,
// where known, the tool and provider:
//
//	{"code":-32003,"message":"tool execution timed out",
//	 "data":{"kind":"Timeout","tool":"echo","provider":"p1"}}
//
// Codes: -32602 ToolNotFound, -32001 ProviderUnavailable, -32002
// ProviderCrashed, -32003 Timeout, -32004 HandshakeFailed, -32005
// DuplicateTool, -32700 ProtocolParseError. Errors reported by the tool
// itself are results with isError set, not JSON-RPC errors.
package mcp
