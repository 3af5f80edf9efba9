package proxyby

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/filter"
)

// fakeUpstream runs a minimal UDP DNS server on loopback that answers
// every query with one A record, or simply never replies if down is set,
// so tests can exercise proxyby's failover behavior without touching the
// network.
type fakeUpstream struct {
	conn *net.UDPConn
	down bool
}

func startFakeUpstream(t *testing.T, down bool, answerIP string) *fakeUpstream {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}

	f := &fakeUpstream{conn: conn, down: down}
	go f.serve(answerIP)
	t.Cleanup(func() { _ = conn.Close() })
	return f
}

func (f *fakeUpstream) serve(answerIP string) {
	buf := make([]byte, 512)
	for {
		n, remote, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if f.down {
			continue // simulate an unresponsive upstream
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			continue
		}

		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(answerIP).To4(),
		}}

		out, err := resp.Pack()
		if err != nil {
			continue
		}
		_, _ = f.conn.WriteToUDP(out, remote)
	}
}

func (f *fakeUpstream) upstream(t *testing.T) client.Upstream {
	t.Helper()
	up, err := client.Parse("udp://" + f.conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	return up
}

func newTestDispatcher() *client.Dispatcher {
	d := client.NewDispatcher()
	d.Timeout = 300 * time.Millisecond
	return d
}

// A single working upstream answers the forwarded request unchanged.
func TestProxybyReturnsFirstSuccessfulReply(t *testing.T) {
	up := startFakeUpstream(t, false, "5.6.7.8")

	f, err := New(filter.Options{"servers": []any{"udp://" + up.conn.LocalAddr().String()}})
	if err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)
	req.RecursionDesired = true

	fc := &filter.Context{Request: req, Dispatcher: newTestDispatcher()}
	if err := f.Handle(context.Background(), fc); err != nil {
		t.Fatal(err)
	}

	if fc.Response == nil {
		t.Fatal("expected a response")
	}
	if fc.Response.Id != req.Id {
		t.Fatalf("Id = %d, want %d (matching the forwarded request)", fc.Response.Id, req.Id)
	}
	if len(fc.Response.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(fc.Response.Answer))
	}
}

func TestProxybyFallsOverToNextServer(t *testing.T) {
	down := startFakeUpstream(t, true, "")
	up := startFakeUpstream(t, false, "9.9.9.9")

	f, err := New(filter.Options{"servers": []any{
		"udp://" + down.conn.LocalAddr().String(),
		"udp://" + up.conn.LocalAddr().String(),
	}})
	if err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	fc := &filter.Context{Request: req, Dispatcher: newTestDispatcher()}
	if err := f.Handle(context.Background(), fc); err != nil {
		t.Fatal(err)
	}
	if fc.Response == nil {
		t.Fatal("expected fallback to the working server to succeed")
	}
}

func TestProxybyAllFailedReturnsError(t *testing.T) {
	down := startFakeUpstream(t, true, "")

	f, err := New(filter.Options{"servers": []any{"udp://" + down.conn.LocalAddr().String()}})
	if err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	fc := &filter.Context{Request: req, Dispatcher: newTestDispatcher()}
	if err := f.Handle(context.Background(), fc); err == nil {
		t.Fatal("expected an error when every upstream fails")
	}
}

func TestNewRejectsEmptyServers(t *testing.T) {
	if _, err := New(filter.Options{}); err == nil {
		t.Fatal("expected an error for an empty servers list")
	}
}
