package connection

import "context"

// Transport is one established, message-framed, bidirectional connection.
//
// Read blocks until the next frame arrives. It returns io.EOF once the peer
// closed the connection gracefully. Close must unblock a pending Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a new Transport.
type Dialer func(ctx context.Context) (Transport, error)
