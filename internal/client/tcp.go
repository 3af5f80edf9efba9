package client

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/pool"
	"github.com/treemana/zerodns/internal/zerodnserr"
)

var errTimeout = errors.New("read timeout")

// queryStream sends req over a length-prefixed TCP or DoT stream,
// reusing a pooled connection when one is available and transparently
// retrying once with a fresh connection on first failure.
func (d *Dispatcher) queryStream(ctx context.Context, up Upstream, req *dns.Msg, p *pool.Pool[net.Conn], tls bool) (*dns.Msg, error) {
	if conn, ok := p.Get(up.Key()); ok {
		resp, err := exchange(ctx, conn, req)
		if err == nil {
			p.Put(up.Key(), conn)
			return resp, nil
		}
		p.Discard(conn)
	}

	conn, err := dial(ctx, up, tls)
	if err != nil {
		return nil, err
	}

	resp, err := exchange(ctx, conn, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.Put(up.Key(), conn)
	return resp, nil
}

func dial(ctx context.Context, up Upstream, useTLS bool) (net.Conn, error) {
	if useTLS {
		return dialTLS(ctx, up)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrIO, "dial %s: %v", up, err)
	}
	return conn, nil
}

func exchange(ctx context.Context, conn net.Conn, req *dns.Msg) (*dns.Msg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	dnsConn := &dns.Conn{Conn: conn}
	if err := dnsConn.WriteMsg(req); err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrIO, "write: %v", err)
	}

	resp, err := readMatching(dnsConn, req.Id)
	if err != nil {
		if err == errTimeout {
			return nil, zerodnserr.Wrap(zerodnserr.ErrTimeout, "read")
		}
		return nil, zerodnserr.Wrap(zerodnserr.ErrMalformed, "read: %v", err)
	}
	return resp, nil
}
