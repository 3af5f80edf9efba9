// Package wire adds the DNS-specific helpers the cache, server and filter
// packages need on top of github.com/miekg/dns's Msg codec: cache-key
// normalization, TTL extraction, truncation and EDNS client-subnet
// plumbing.
package wire

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// MaxTTL bounds the effective TTL a cache entry may be assigned.
const MaxTTL = 7 * 24 * 3600

// MaxUDPSize is the wire-format ceiling before a UDP reply must be
// truncated.
const MaxUDPSize = 512

// Key is the case-normalized (lowercased name, type, class) tuple used to
// index the cache and is comparable, so it can be used directly as a map
// key.
type Key struct {
	Name  string
	Qtype uint16
	Class uint16
}

// NewKey builds a Key from a question. Names are compared
// case-insensitively in ASCII, so the key lowercases.
func NewKey(q dns.Question) Key {
	return Key{Name: strings.ToLower(q.Name), Qtype: q.Qtype, Class: q.Qclass}
}

// String renders the key in a stable form usable as a cache index.
func (k Key) String() string {
	return k.Name + "|" + strconv.FormatUint(uint64(k.Qtype), 10) + "|" + strconv.FormatUint(uint64(k.Class), 10)
}

// MinTTL returns the minimum TTL across a message's answer RRs, or 0 if
// there are none (e.g. NXDOMAIN with only an authority section).
func MinTTL(m *dns.Msg) uint32 {
	if len(m.Answer) == 0 {
		return 0
	}

	min := m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < min {
			min = ttl
		}
	}

	if min > MaxTTL {
		return MaxTTL
	}
	return min
}

// NegativeTTL derives the TTL to use for a cached NXDOMAIN/NODATA answer:
// the SOA minimum if an SOA is present in the authority section, else the
// message's smallest TTL, capped at negMaxTTL.
func NegativeTTL(m *dns.Msg, negMaxTTL uint32) uint32 {
	var ttl uint32
	for _, rr := range m.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			ttl = soa.Minttl
			break
		}
	}

	if ttl == 0 {
		ttl = MinTTL(m)
		for _, rr := range m.Ns {
			if h := rr.Header().Ttl; ttl == 0 || h < ttl {
				ttl = h
			}
		}
	}

	if ttl > negMaxTTL {
		return negMaxTTL
	}
	return ttl
}

// AdjustTTL lowers every RR's TTL by age seconds, floored at floor, and
// reports whether any RR's original TTL exceeded age (i.e. the entry is
// still usable). An RR whose TTL is at most age is set to floor.
func AdjustTTL(m *dns.Msg, age uint32, floor uint32) bool {
	alive := false
	for _, rr := range m.Answer {
		h := rr.Header()
		if h.Ttl <= age {
			h.Ttl = floor
			continue
		}
		h.Ttl -= age
		alive = true
	}
	return alive
}

// Truncate packs m; if the result exceeds maxSize it instead packs a
// truncated copy (empty sections, TC=1) so the client re-queries over TCP.
func Truncate(m *dns.Msg, maxSize int) ([]byte, error) {
	buf, err := m.Pack()
	if err != nil {
		return nil, err
	}
	if len(buf) <= maxSize {
		return buf, nil
	}

	short := m.Copy()
	short.Truncated = true
	short.Answer = nil
	short.Ns = nil
	short.Extra = nil

	buf, err = short.Pack()
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSize {
		// still oversized (a very large question section); best effort.
		return buf[:maxSize], nil
	}
	return buf, nil
}

// Servfail builds a SERVFAIL reply to req.
func Servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	m.RecursionAvailable = true
	return m
}

// SubnetExists reports whether m already carries an EDNS0 client-subnet
// option.
func SubnetExists(m *dns.Msg) bool {
	opt := m.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		if o.Option() == dns.EDNS0SUBNET {
			return true
		}
	}
	return false
}

// SubnetRemove strips the EDNS0 client-subnet option from m. It runs on
// replies when the inbound request carried no subnet of its own, so one a
// filter added internally never leaks back to the client.
func SubnetRemove(m *dns.Msg) {
	opt := m.IsEdns0()
	if opt == nil || len(opt.Option) == 0 {
		return
	}

	kept := opt.Option[:0]
	for _, o := range opt.Option {
		if o.Option() != dns.EDNS0SUBNET {
			kept = append(kept, o)
		}
	}
	opt.Option = kept
}
