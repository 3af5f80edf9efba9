// Package hosts implements the `hosts` filter: a static
// case-insensitive, exact-match hostname -> A/AAAA table. Matches get a
// synthesized response with a configurable TTL and AA unset; non-matches
// pass through to the next filter in the chain.
package hosts

import (
	"context"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/zerodnserr"
)

// DefaultTTL is used when a hosts filter's config omits `ttl`.
const DefaultTTL = 300

func init() {
	filter.Register("hosts", New)
}

// Filter answers A/AAAA queries against a static table built from the
// config's `hosts = { "<ip>" = "<hostname>" }` map.
type Filter struct {
	// byName indexes by lowercased, fully-qualified hostname.
	byName map[string][]net.IP
	ttl    uint32
}

// New builds a Filter from the `hosts` and optional `ttl` config props.
func New(opts filter.Options) (filter.Filter, error) {
	raw, _ := opts["hosts"].(map[string]any)
	if len(raw) == 0 {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "hosts: hosts must be non-empty")
	}

	byName := make(map[string][]net.IP, len(raw))
	for ipRaw, nameRaw := range raw {
		ip := net.ParseIP(ipRaw)
		if ip == nil {
			return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "hosts: invalid ip %q", ipRaw)
		}
		name, ok := nameRaw.(string)
		if !ok {
			return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "hosts: hostname for %q must be a string", ipRaw)
		}

		key := dns.Fqdn(strings.ToLower(name))
		byName[key] = append(byName[key], ip)
	}

	ttl := uint32(DefaultTTL)
	if v, ok := opts["ttl"].(int64); ok && v > 0 {
		ttl = uint32(v)
	}

	return &Filter{byName: byName, ttl: ttl}, nil
}

// Handle implements filter.Filter: on an exact case-insensitive match it
// synthesizes a response and stops the chain; otherwise it leaves
// fc.Response untouched so the next filter in the rule's chain runs.
func (f *Filter) Handle(_ context.Context, fc *filter.Context) error {
	if len(fc.Request.Question) == 0 {
		return nil
	}

	q := fc.Request.Question[0]
	if q.Qclass != dns.ClassINET || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA) {
		return nil
	}

	ips, ok := f.byName[strings.ToLower(q.Name)]
	if !ok {
		return nil
	}

	var answers []dns.RR
	for _, ip := range ips {
		switch q.Qtype {
		case dns.TypeA:
			if v4 := ip.To4(); v4 != nil {
				answers = append(answers, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: f.ttl},
					A:   v4,
				})
			}
		case dns.TypeAAAA:
			if v4 := ip.To4(); v4 == nil {
				answers = append(answers, &dns.AAAA{
					Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: f.ttl},
					AAAA: ip,
				})
			}
		}
	}

	if len(answers) == 0 {
		return nil
	}

	resp := new(dns.Msg)
	resp.SetReply(fc.Request)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.Answer = answers

	fc.Response = resp
	return nil
}
