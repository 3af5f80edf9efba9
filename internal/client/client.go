// Package client implements the multi-protocol upstream client: one
// Query(upstream, message) operation dispatched over UDP, TCP,
// DNS-over-TLS or DNS-over-HTTPS, with connection pooling on the
// stream-based transports.
package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/pool"
	"github.com/treemana/zerodns/internal/zerodnserr"
)

// DefaultTimeout is the per-attempt upstream timeout.
const DefaultTimeout = 2 * time.Second

// Dispatcher sends a query to a single Upstream over whichever transport
// its scheme names, pooling TCP/DoT/DoH connections and applying a fresh
// random id per attempt.
type Dispatcher struct {
	Timeout time.Duration

	tcpPool *pool.Pool[net.Conn]
	dotPool *pool.Pool[net.Conn]
	doh     *http.Client
}

// NewDispatcher builds a Dispatcher with default pool sizing.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Timeout: DefaultTimeout,
		tcpPool: pool.New[net.Conn](pool.DefaultMaxIdle, pool.DefaultIdleTimeout),
		dotPool: pool.New[net.Conn](pool.DefaultMaxIdle, pool.DefaultIdleTimeout),
		doh: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: pool.DefaultMaxIdle,
				IdleConnTimeout:     pool.DefaultIdleTimeout,
			},
		},
	}
}

// Query sends a copy of req with a fresh id to up and returns the matching
// reply with its id set back to req's, or one of the classified errors in
// internal/zerodnserr.
func (d *Dispatcher) Query(ctx context.Context, up Upstream, req *dns.Msg) (*dns.Msg, error) {
	msg := req.Copy()
	msg.Id = dns.Id()

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	var resp *dns.Msg
	var err error
	switch up.Scheme {
	case SchemeUDP:
		resp, err = d.queryUDP(ctx, up, msg)
	case SchemeTCP:
		resp, err = d.queryStream(ctx, up, msg, d.tcpPool, false)
	case SchemeDoT:
		resp, err = d.queryStream(ctx, up, msg, d.dotPool, true)
	case SchemeDoH:
		resp, err = d.queryDoH(ctx, up, msg)
	default:
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "unsupported scheme %q", up.Scheme)
	}
	if err != nil {
		return nil, err
	}

	resp.Id = req.Id
	return resp, nil
}

// Close tears down pools and idle HTTP connections.
func (d *Dispatcher) Close() {
	d.tcpPool.Close()
	d.dotPool.Close()
	d.doh.CloseIdleConnections()
}

func dialTLS(ctx context.Context, up Upstream) (net.Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrIO, "dial %s: %v", up, err)
	}

	conn := tls.Client(raw, &tls.Config{ServerName: up.Host, MinVersion: tls.VersionTLS13})
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := conn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, zerodnserr.Wrap(zerodnserr.ErrTLS, "handshake %s: %v", up, err)
	}
	return conn, nil
}
