package transport

import (
	"context"
	"encoding/json"
)

// Kind names a wire flavor.
type Kind string

const (
	KindStdio  Kind = "stdio"
	KindHTTP   Kind = "http"
	KindStream Kind = "stream"
)

// Transport is one live channel to a tool server. Implementations are safe
// for concurrent calls; Call correlates responses to requests where the
// wire allows it and serializes where it does not.
type Transport interface {
	// Connect establishes the channel. Calling Connect on a connected
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Call sends one request and waits for its response. Tool-level
	// failures come back as ErrTool; wire failures as ErrTransport;
	// context expiry as ErrTimeout.
	Call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error)

	// HealthCheck verifies the channel is usable right now.
	HealthCheck(ctx context.Context) error

	// Close tears the channel down. Close is idempotent.
	Close() error

	Kind() Kind
}
