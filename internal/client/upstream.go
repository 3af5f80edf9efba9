package client

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scheme enumerates the transports an Upstream URI may name.
type Scheme string

const (
	SchemeUDP Scheme = "udp"
	SchemeTCP Scheme = "tcp"
	SchemeDoT Scheme = "dot"
	SchemeDoH Scheme = "doh"
)

var defaultPort = map[Scheme]string{
	SchemeUDP: "53",
	SchemeTCP: "53",
	SchemeDoT: "853",
	SchemeDoH: "443",
}

// Upstream is a parsed "<scheme>://<host>[:port]" URI, with udp assumed
// when no scheme is given.
type Upstream struct {
	Scheme Scheme
	Host   string
	Port   string
}

// Parse validates and normalizes a raw upstream URI.
func Parse(raw string) (Upstream, error) {
	s := raw
	if !strings.Contains(s, "://") {
		s = "udp://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}

	scheme := Scheme(strings.ToLower(u.Scheme))
	switch scheme {
	case SchemeUDP, SchemeTCP, SchemeDoT, SchemeDoH:
	default:
		return Upstream{}, fmt.Errorf("invalid upstream %q: unknown scheme %q", raw, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Upstream{}, fmt.Errorf("invalid upstream %q: missing host", raw)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort[scheme]
	}

	return Upstream{Scheme: scheme, Host: host, Port: port}, nil
}

// Addr is the "host:port" dial target for transport-level connections.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Host, u.Port)
}

// Key identifies the pool bucket and log-friendly name for u.
func (u Upstream) Key() string {
	return string(u.Scheme) + "://" + u.Addr()
}

func (u Upstream) String() string {
	return u.Key()
}
