package wire

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// dialRetryInitial is the first retry delay when a peer is not yet
	// accepting connections.
	dialRetryInitial = 10 * time.Millisecond

	// dialRetryMaxElapsed bounds the total time spent retrying a dial.
	dialRetryMaxElapsed = 5 * time.Second
)

// Client is a minimal single-connection framed protocol client. It is not
// safe for concurrent RoundTrip calls; callers needing concurrency should
// use one Client per goroutine.
type Client struct {
	conn   net.Conn
	nextID atomic.Int32
}

// Dial connects to a peer, retrying with exponential backoff while the
// peer is still coming up. It fails once ctx is done or the retry budget
// is exhausted.
func Dial(ctx context.Context, addr string) (*Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialRetryInitial

	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(dialRetryMaxElapsed))
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// RoundTrip sends one query frame carrying doc and reads the matching
// reply, returning its single document. The ctx deadline, if any, bounds
// both the write and the read.
func (c *Client) RoundTrip(ctx context.Context, collection string, doc any) (bson.Raw, error) {
	id := c.nextID.Add(1)
	frame, err := MarshalQuery(id, collection, doc)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("wire: set deadline: %w", err)
		}
	}

	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("wire: write query: %w", err)
	}

	h, payload, err := ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("wire: read reply: %w", err)
	}
	if h.OpCode != OpReply {
		return nil, fmt.Errorf("wire: unexpected opcode %s in reply", h.OpCode)
	}
	if h.ResponseTo != id {
		return nil, fmt.Errorf("wire: reply responseTo %d does not match request id %d", h.ResponseTo, id)
	}

	reply, err := ParseReply(payload)
	if err != nil {
		return nil, err
	}
	return reply.Doc, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
