// Package transport owns the connections to tool servers: spawning and
// dialing them, speaking JSON-RPC over stdio, HTTP, or a duplex socket,
// health-checking them, and fencing each one behind a circuit breaker.
package transport

import "encoding/json"

// rpcRequest is a JSON-RPC 2.0 request frame. Ids are numeric and
// monotonically increasing per connection.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response frame.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the error member of a response frame.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func newRequest(id int, method string, args map[string]any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: args}
}
