package ports

import (
	"context"
)

// ExportedAuth is the authorization token minted on a client's home DC for
// import on a foreign DC.
type ExportedAuth struct {
	ID    int64
	Bytes []byte
}

// Conn is a single RPC channel to one upstream DC. Implementations must be
// safe for concurrent Invoke calls.
type Conn interface {
	// Invoke performs one RPC round trip, decoding the response into reply.
	Invoke(ctx context.Context, method string, args, reply any) error
	Close() error
}

// Dialer opens RPC channels to upstream DCs. media selects the media-grade
// channel used for file transfer sessions.
type Dialer interface {
	Dial(ctx context.Context, dcID int, media bool) (Conn, error)
}
