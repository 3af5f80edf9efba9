// Package server implements the query-dispatch frontend: UDP and TCP
// listeners share one cache, one rule table and one filter registry, and
// each query runs decode -> cache probe -> rule match -> filter chain ->
// encode -> send.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/cache"
	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/log"
	"github.com/treemana/zerodns/internal/rule"
	"github.com/treemana/zerodns/internal/wire"
)

// DefaultQueryTimeout is the total budget for one client-facing query,
// covering the whole filter chain.
const DefaultQueryTimeout = 5 * time.Second

// Server owns the UDP and TCP listeners and the dispatch state shared
// between them.
type Server struct {
	Cache        *cache.Cache
	Rules        *rule.Table
	Filters      map[string]filter.Filter
	Dispatcher   *client.Dispatcher
	QueryTimeout time.Duration

	udpConn *net.UDPConn
	tcpLn   net.Listener

	wg     sync.WaitGroup
	closed chan struct{}
}

// New builds a Server bound to neither socket yet; call ListenAndServe.
func New(cache *cache.Cache, rules *rule.Table, filters map[string]filter.Filter, dispatcher *client.Dispatcher) *Server {
	return &Server{
		Cache:        cache,
		Rules:        rules,
		Filters:      filters,
		Dispatcher:   dispatcher,
		QueryTimeout: DefaultQueryTimeout,
		closed:       make(chan struct{}),
	}
}

// ListenAndServe binds addr on both UDP and TCP and serves until Shutdown
// is called.
func (s *Server) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp addr %q: %w", addr, err)
	}
	s.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %q: %w", addr, err)
	}

	s.tcpLn, err = net.Listen("tcp", addr)
	if err != nil {
		_ = s.udpConn.Close()
		return fmt.Errorf("listen tcp %q: %w", addr, err)
	}

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.serveUDP() }()
	go func() { defer s.wg.Done(); s.serveTCP() }()

	log.Sugar.Infof("server listening on %s (udp+tcp)", addr)
	return nil
}

// Shutdown closes both listeners and waits for in-flight handlers to
// finish.
func (s *Server) Shutdown() {
	close(s.closed)
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	s.wg.Wait()
}

// handle runs the cache -> rule -> filter pipeline for one
// already-decoded query.
func (s *Server) handle(req *dns.Msg, clientAddr net.Addr) *dns.Msg {
	if len(req.Question) == 0 {
		return wire.Servfail(req)
	}

	if cached := s.Cache.Lookup(req); cached != nil {
		if !wire.SubnetExists(req) {
			wire.SubnetRemove(cached)
		}
		return cached
	}

	name := req.Question[0].Name
	names, ok := s.Rules.Match(name)
	if !ok {
		log.Sugar.Warnf("no rule matched for %s", name)
		return wire.Servfail(req)
	}

	chainFilters := make([]filter.Filter, 0, len(names))
	for _, fname := range names {
		f, ok := s.Filters[fname]
		if !ok {
			log.Sugar.Errorf("rule for %s references unknown filter %q", name, fname)
			return wire.Servfail(req)
		}
		chainFilters = append(chainFilters, f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	fc := &filter.Context{Request: req, ClientAddr: clientAddr, Dispatcher: s.Dispatcher}
	err := func() (err error) {
		// a panicking filter costs its query a SERVFAIL, not the process.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("filter panic: %v", r)
			}
		}()
		return filter.New(chainFilters).Run(ctx, fc)
	}()
	if err != nil {
		log.Sugar.Errorf("filter chain error for %s: %v", name, err)
		return wire.Servfail(req)
	}

	if fc.Response == nil {
		return wire.Servfail(req)
	}

	s.Cache.Insert(req, fc.Response, fc.NoCache)

	if !wire.SubnetExists(req) {
		wire.SubnetRemove(fc.Response)
	}

	return fc.Response
}
