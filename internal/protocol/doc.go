// Package protocol adapts gateway calls to the provider wire format.
//
// Providers speak JSON-RPC 2.0 with one JSON document per line over their
// stdin/stdout. LineCodec plugs that framing into a jsonrpc2 object stream,
// and Conn multiplexes calls over it:
//
//   - every outbound call gets the next correlation id for the connection
//   - inbound responses are matched to their pending call by id
//   - frames that match no pending call are logged and dropped
//   - a response carrying both or neither of result and error fails its
//     call with a ProtocolParseError; without an id it is a provider anomaly
//   - a line that is not valid JSON fails the call named by its id when the
//     id can still be read, and is otherwise a provider anomaly
//   - when the stream ends, every pending call fails with ProviderCrashed
//
// Calls abandoned by their caller (deadline or cancellation) are remembered
// for a while so a late response is recognized and discarded quietly.
package protocol
