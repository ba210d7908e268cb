package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/streamgate/streamgate/internal/core/ports"
)

const dialTimeout = 10 * time.Second

// TCPDialer opens framed RPC channels to upstream DCs from a static
// address table.
type TCPDialer struct {
	addrs map[int]string
}

func NewTCPDialer(addrs map[int]string) *TCPDialer {
	return &TCPDialer{addrs: addrs}
}

func (d *TCPDialer) Dial(ctx context.Context, dcID int, media bool) (ports.Conn, error) {
	addr, ok := d.addrs[dcID]
	if !ok {
		return nil, fmt.Errorf("wire: no address configured for DC %d", dcID)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial DC %d (%s): %w", dcID, addr, err)
	}

	conn := &clientConn{raw: raw}
	if err := conn.handshake(ctx, dcID, media); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// clientConn is one framed RPC channel. Invokes are serialized on the
// connection; concurrent callers queue on the mutex.
type clientConn struct {
	mu     sync.Mutex
	raw    net.Conn
	nextID atomic.Uint64
	closed atomic.Bool
}

// handshake announces the desired channel grade before the first RPC.
func (c *clientConn) handshake(ctx context.Context, dcID int, media bool) error {
	args := struct {
		DCID  int  `json:"dc_id"`
		Media bool `json:"media"`
	}{DCID: dcID, Media: media}

	var ack struct {
		OK bool `json:"ok"`
	}
	if err := c.Invoke(ctx, "session.open", args, &ack); err != nil {
		return fmt.Errorf("wire: handshake with DC %d: %w", dcID, err)
	}
	if !ack.OK {
		return fmt.Errorf("wire: DC %d refused session", dcID)
	}
	return nil
}

func (c *clientConn) Invoke(ctx context.Context, method string, args, reply any) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	var rawArgs jsoniter.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("wire: encode args for %s: %w", method, err)
		}
		rawArgs = encoded
	}

	req := Request{
		ID:     c.nextID.Add(1),
		Method: method,
		Args:   rawArgs,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.raw.SetDeadline(deadline); err != nil {
			return err
		}
		defer c.raw.SetDeadline(time.Time{}) //nolint:errcheck
	}

	if err := WriteFrame(c.raw, &req); err != nil {
		return fmt.Errorf("wire: %s: %w", method, err)
	}

	var resp Response
	if err := ReadFrame(c.raw, &resp); err != nil {
		return fmt.Errorf("wire: %s: %w", method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("wire: %s: response id %d does not match request id %d", method, resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error.ToDomain()
	}

	if reply != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, reply); err != nil {
			return fmt.Errorf("wire: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *clientConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}
