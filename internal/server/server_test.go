package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/cache"
	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/rule"

	hostsfilter "github.com/treemana/zerodns/internal/filter/hosts"
)

func startTestServer(t *testing.T) (addr string, srv *Server) {
	t.Helper()

	ch, err := cache.New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ch.Close)

	hf, err := hostsfilter.New(filter.Options{"hosts": map[string]any{"127.0.0.1": "localhost"}})
	if err != nil {
		t.Fatal(err)
	}

	table, err := rule.Compile([]rule.Rule{{Domain: "*", Filters: []string{"local"}}})
	if err != nil {
		t.Fatal(err)
	}

	d := client.NewDispatcher()
	t.Cleanup(d.Close)

	srv = New(ch, table, map[string]filter.Filter{"local": hf}, d)
	if err := srv.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)

	return srv.udpConn.LocalAddr().String(), srv
}

// TestServerAnswersOverUDP drives a hosts-backed query end to end
// through the real UDP listener.
func TestServerAnswersOverUDP(t *testing.T) {
	addr, _ := startTestServer(t)

	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(time.Second))

	req := new(dns.Msg)
	req.SetQuestion("localhost.", dns.TypeA)

	buf, _ := req.Pack()
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		t.Fatal(err)
	}

	out := new(dns.Msg)
	if err := out.Unpack(resp[:n]); err != nil {
		t.Fatal(err)
	}
	if len(out.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(out.Answer))
	}
}

// A truncated/malformed datagram is dropped, and the server keeps
// answering subsequent well-formed queries on the same socket.
func TestServerDropsMalformedDatagramAndKeepsServing(t *testing.T) {
	addr, _ := startTestServer(t)

	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(time.Second))

	if _, err := conn.Write([]byte{0x00, 0x01}); err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("localhost.", dns.TypeA)
	buf, _ := req.Pack()
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		t.Fatalf("expected the server to keep serving after a malformed datagram: %v", err)
	}

	out := new(dns.Msg)
	if err := out.Unpack(resp[:n]); err != nil {
		t.Fatal(err)
	}
	if len(out.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(out.Answer))
	}
}

// TestServerNoRuleMatchReturnsServfail covers the no-match path: no rule
// in the table matches the queried name.
func TestServerNoRuleMatchReturnsServfail(t *testing.T) {
	ch, err := cache.New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	table, err := rule.Compile([]rule.Rule{{Domain: "only.example.com", Filters: []string{"local"}}})
	if err != nil {
		t.Fatal(err)
	}

	d := client.NewDispatcher()
	defer d.Close()

	srv := New(ch, table, map[string]filter.Filter{}, d)

	req := new(dns.Msg)
	req.SetQuestion("other.example.com.", dns.TypeA)

	resp := srv.handle(req, nil)
	if resp.Rcode != dns.RcodeServerFailure {
		t.Fatalf("Rcode = %d, want SERVFAIL for an unmatched name", resp.Rcode)
	}
}

// The TCP listener serves length-prefixed messages in a loop on one
// connection.
func TestServerAnswersOverTCP(t *testing.T) {
	_, srv := startTestServer(t)

	conn, err := net.Dial("tcp", srv.tcpLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(time.Second))

	dnsConn := &dns.Conn{Conn: conn}
	for i := 0; i < 2; i++ {
		req := new(dns.Msg)
		req.SetQuestion("localhost.", dns.TypeA)

		if err := dnsConn.WriteMsg(req); err != nil {
			t.Fatal(err)
		}
		out, err := dnsConn.ReadMsg()
		if err != nil {
			t.Fatal(err)
		}
		if len(out.Answer) != 1 {
			t.Fatalf("query %d: expected 1 answer, got %d", i, len(out.Answer))
		}
	}
}

type panicFilter struct{}

func (panicFilter) Handle(context.Context, *filter.Context) error { panic("boom") }

func TestPanickingFilterYieldsServfail(t *testing.T) {
	ch, err := cache.New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	table, err := rule.Compile([]rule.Rule{{Domain: "*", Filters: []string{"bad"}}})
	if err != nil {
		t.Fatal(err)
	}

	d := client.NewDispatcher()
	defer d.Close()

	srv := New(ch, table, map[string]filter.Filter{"bad": panicFilter{}}, d)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp := srv.handle(req, nil)
	if resp.Rcode != dns.RcodeServerFailure {
		t.Fatalf("Rcode = %d, want SERVFAIL from a panicking filter", resp.Rcode)
	}
}
