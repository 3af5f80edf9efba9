package hosts

import (
	"context"
	"testing"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/filter"
)

// With hosts {"127.0.0.1" = "localhost"}, A? localhost returns one A
// record 127.0.0.1 with the default TTL and AA unset.
func TestHostsMatchSynthesizesAnswer(t *testing.T) {
	f, err := New(filter.Options{"hosts": map[string]any{"127.0.0.1": "localhost"}})
	if err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("localhost.", dns.TypeA)

	fc := &filter.Context{Request: req}
	if err := f.Handle(context.Background(), fc); err != nil {
		t.Fatal(err)
	}

	if fc.Response == nil {
		t.Fatal("expected a synthesized response")
	}
	if fc.Response.Authoritative {
		t.Fatal("expected AA unset on a hosts-filter answer")
	}
	if len(fc.Response.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(fc.Response.Answer))
	}

	a, ok := fc.Response.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected an A record, got %T", fc.Response.Answer[0])
	}
	if a.A.String() != "127.0.0.1" {
		t.Fatalf("A = %s, want 127.0.0.1", a.A)
	}
	if a.Hdr.Ttl != DefaultTTL {
		t.Fatalf("Ttl = %d, want default %d", a.Hdr.Ttl, DefaultTTL)
	}
}

func TestHostsCaseInsensitive(t *testing.T) {
	f, err := New(filter.Options{"hosts": map[string]any{"127.0.0.1": "localhost"}})
	if err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("LocalHost.", dns.TypeA)

	fc := &filter.Context{Request: req}
	if err := f.Handle(context.Background(), fc); err != nil {
		t.Fatal(err)
	}
	if fc.Response == nil {
		t.Fatal("expected a case-insensitive match to synthesize a response")
	}
}

func TestHostsNonMatchPassesThrough(t *testing.T) {
	f, err := New(filter.Options{"hosts": map[string]any{"127.0.0.1": "localhost"}})
	if err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	fc := &filter.Context{Request: req}
	if err := f.Handle(context.Background(), fc); err != nil {
		t.Fatal(err)
	}
	if fc.Response != nil {
		t.Fatal("expected a non-matching query to leave Response unset")
	}
}

func TestNewRejectsEmptyHosts(t *testing.T) {
	if _, err := New(filter.Options{}); err == nil {
		t.Fatal("expected an error for an empty hosts table")
	}
}
