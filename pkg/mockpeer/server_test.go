package mockpeer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/zerc/peermon/pkg/wire"
)

func newTestServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	server, err := New(&Config{Logger: logger, Handler: handler})
	require.NoError(t, err)
	require.NoError(t, server.Run())
	t.Cleanup(func() { require.NoError(t, server.Stop()) })
	return server
}

func dialTestServer(t *testing.T, server *Server) *wire.Client {
	t.Helper()
	c, err := wire.Dial(t.Context(), server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMockPeer_QueryReply(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, func(op wire.OpCode, query bson.Raw) (any, error) {
		if query.Lookup("ismaster").Int32() == 1 {
			return bson.D{{Key: "ok", Value: 1}}, nil
		}
		return nil, fmt.Errorf("unexpected query %v", query)
	})

	c := dialTestServer(t, server)
	// RoundTrip verifies that the reply's responseTo matches the request id.
	doc, err := c.RoundTrip(t.Context(), "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
	require.NoError(t, err)
	require.Equal(t, int32(1), doc.Lookup("ok").Int32())
}

func TestMockPeer_MultipleFramesPerConnection(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var served int
	server := newTestServer(t, func(op wire.OpCode, query bson.Raw) (any, error) {
		mu.Lock()
		served++
		n := served
		mu.Unlock()
		return bson.D{{Key: "n", Value: n}}, nil
	})

	c := dialTestServer(t, server)
	for i := 1; i <= 3; i++ {
		doc, err := c.RoundTrip(t.Context(), "admin.$cmd", bson.D{{Key: "ping", Value: 1}})
		require.NoError(t, err)
		require.Equal(t, int32(i), doc.Lookup("n").Int32())
	}
}

func TestMockPeer_ConcurrentConnections(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, IsMasterHandler())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := wire.Dial(t.Context(), server.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			doc, err := c.RoundTrip(t.Context(), "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
			if err != nil {
				errs <- err
				return
			}
			if doc.Lookup("ok").AsInt64() != 1 {
				errs <- fmt.Errorf("unexpected reply %v", doc)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestMockPeer_UnknownOpcodeClosesConnection(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, IsMasterHandler())

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// A header-only frame with an opcode the peer does not speak.
	frame := make([]byte, wire.HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(frame[0:4], wire.HeaderSize)
	le.PutUint32(frame[4:8], 1)
	le.PutUint32(frame[12:16], 999)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestMockPeer_HandlerErrorClosesConnection(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, func(op wire.OpCode, query bson.Raw) (any, error) {
		return nil, fmt.Errorf("refusing %v", query)
	})

	c := dialTestServer(t, server)
	_, err := c.RoundTrip(t.Context(), "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
	require.Error(t, err)
}

func TestMockPeer_ClientDisconnectKeepsServing(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, IsMasterHandler())

	// An abrupt disconnect ends only that connection's worker.
	first, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	c := dialTestServer(t, server)
	doc, err := c.RoundTrip(t.Context(), "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
	require.NoError(t, err)
	require.Equal(t, true, doc.Lookup("ismaster").Boolean())
}

func TestMockPeer_StopIsBoundedAndIdempotent(t *testing.T) {
	t.Parallel()

	server, err := New(&Config{Logger: logger, Handler: IsMasterHandler()})
	require.NoError(t, err)
	require.NoError(t, server.Run())

	// Stop with an idle connection open: its worker must observe the stop
	// flag within one read timeout.
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	require.NoError(t, server.Stop())
	require.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, server.Stop())
}

func TestMockPeer_DialRetriesWhilePeerComesUp(t *testing.T) {
	t.Parallel()

	// Reserve a port, release it, and start the peer on it only after a
	// delay: the client's dial backoff should absorb the startup window.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	server, err := New(&Config{Logger: logger, Handler: IsMasterHandler(), Addr: addr})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		runErr <- server.Run()
	}()

	c, err := wire.Dial(t.Context(), addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, <-runErr)
	t.Cleanup(func() { require.NoError(t, server.Stop()) })

	doc, err := c.RoundTrip(t.Context(), "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Lookup("ok").AsInt64())
}

func TestMockPeer_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{Logger: logger})
	require.Error(t, err)
}
