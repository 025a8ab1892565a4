package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/zerc/peermon/pkg/wire"
)

// Prober performs one health check against a peer. The executor never
// inspects the outcome beyond logging; consumers signal failures back
// through RequestCheck/CancelBackoff. Real probes and test doubles both
// implement this interface and are selected at construction.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

const defaultProbeTimeout = 10 * time.Second

// PeerProber checks a peer with a single framed ismaster round trip.
// The executor imposes no timeout of its own, so the prober bounds each
// round trip itself.
type PeerProber struct {
	log     *slog.Logger
	addr    string
	timeout time.Duration
}

// NewPeerProber builds a prober for the peer at addr. A timeout <= 0 falls
// back to the default.
func NewPeerProber(log *slog.Logger, addr string, timeout time.Duration) *PeerProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &PeerProber{log: log, addr: addr, timeout: timeout}
}

// Probe dials the peer, sends {ismaster: 1} and verifies the reply carries
// ok == 1.
func (p *PeerProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := wire.Dial(ctx, p.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	doc, err := c.RoundTrip(ctx, "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
	if err != nil {
		return err
	}
	if !replyOK(doc) {
		return fmt.Errorf("monitor: peer %s returned non-ok ismaster reply", p.addr)
	}
	p.log.Debug("monitor: probe succeeded", "peer", p.addr)
	return nil
}

func replyOK(doc bson.Raw) bool {
	v := doc.Lookup("ok")
	switch v.Type {
	case bsontype.Int32:
		return v.Int32() == 1
	case bsontype.Int64:
		return v.Int64() == 1
	case bsontype.Double:
		return v.Double() == 1
	default:
		return false
	}
}
