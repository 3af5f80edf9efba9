// Package filter implements the filter runtime: a per-query Context
// carried through an ordered chain, each filter free to set a response
// and/or request no-cache before yielding to the next, short-circuiting
// the moment a response is set.
package filter

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/client"
)

// Context is the per-query mutable record exposed to filters. It is
// created fresh per query and discarded after the reply is sent.
type Context struct {
	Request    *dns.Msg
	Response   *dns.Msg
	NoCache    bool
	ClientAddr net.Addr

	// Dispatcher lets filters (proxyby, chinadns, lua's resolve()) reach
	// upstreams without each owning its own client.
	Dispatcher *client.Dispatcher

	cont bool // set by a filter that wants the chain to keep going past its own answer
}

// Cancel withdraws an earlier Continue by the same filter, so a Response it
// has set is final and no further filters run. While Response is nil,
// Cancel does not stop the chain.
func (c *Context) Cancel() { c.cont = false }

// Continue requests the chain keep iterating even though Response has
// already been set by the calling filter.
func (c *Context) Continue() { c.cont = true }

// Filter is the capability every filter kind (proxyby, hosts, chinadns,
// lua) implements.
type Filter interface {
	// Handle may set ctx.Response and/or ctx.NoCache. Returning an error
	// is treated as a SERVFAIL for this query and logged at error level;
	// it does not panic the server.
	Handle(ctx context.Context, fc *Context) error
}

// Chain runs a named, ordered list of filters against one query.
type Chain struct {
	filters []Filter
}

// New builds a Chain from filters resolved by the caller (typically the
// server looking up rule.Table's matched names in a Registry).
func New(filters []Filter) *Chain {
	return &Chain{filters: filters}
}

// Run executes the chain: filters run in order; iteration stops as soon
// as fc.Response is set unless the filter called fc.Continue(). A chain
// that finishes without ever setting Response yields a SERVFAIL for the
// query, which the server, not this package, materializes; Run just
// leaves fc.Response nil.
func (c *Chain) Run(ctx context.Context, fc *Context) error {
	for _, f := range c.filters {
		fc.cont = false

		if err := f.Handle(ctx, fc); err != nil {
			return err
		}

		if fc.Response != nil && !fc.cont {
			return nil
		}
	}
	return nil
}
