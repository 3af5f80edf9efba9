package client

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/zerodnserr"
)

// queryUDP sends a single datagram and waits for the matching reply,
// retrying once over TCP when the reply has TC set. UDP "connections" are
// just bound sockets and are not pooled.
func (d *Dispatcher) queryUDP(ctx context.Context, up Upstream, req *dns.Msg) (*dns.Msg, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "udp", up.Addr())
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrIO, "dial %s: %v", up, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	dnsConn := &dns.Conn{Conn: conn, UDPSize: dns.DefaultMsgSize}
	if err := dnsConn.WriteMsg(req); err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrIO, "write %s: %v", up, err)
	}

	resp, err := readMatching(dnsConn, req.Id)
	if err != nil {
		if err == errTimeout {
			return nil, zerodnserr.Wrap(zerodnserr.ErrTimeout, "%s", up)
		}
		return nil, zerodnserr.Wrap(zerodnserr.ErrMalformed, "read %s: %v", up, err)
	}

	if resp.Truncated {
		tcpUp := up
		tcpUp.Scheme = SchemeTCP
		return d.queryStream(ctx, tcpUp, req, d.tcpPool, false)
	}

	return resp, nil
}

// readMatching reads replies until one whose id matches want arrives or
// the connection's deadline elapses; mismatched ids are discarded.
func readMatching(dnsConn *dns.Conn, want uint16) (*dns.Msg, error) {
	for {
		resp, err := dnsConn.ReadMsg()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, errTimeout
			}
			return nil, err
		}
		if resp.Id == want {
			return resp, nil
		}
	}
}
