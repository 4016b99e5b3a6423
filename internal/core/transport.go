package core

import "context"

// Transport is one client connection to an outbound endpoint. A Transport is owned by a
// single worker at a time and is never shared.
type Transport interface {
	// Connect opens the connection described by the endpoint.
	Connect(ctx context.Context, endpoint EndpointConfig) error

	// Authenticate presents the credential on the open connection.
	Authenticate(ctx context.Context, credential Credential) error

	// Transmit delivers one message. It is atomic from the caller's point of view.
	Transmit(ctx context.Context, msg *Message) error

	// Disconnect closes the connection. It is safe to call on a transport that never connected.
	Disconnect() error
}

// TransportFactory creates a fresh, unconnected Transport for the given endpoint.
type TransportFactory func(endpoint EndpointConfig) (Transport, error)
