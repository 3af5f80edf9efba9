// Package proxyby implements the `proxyby` filter: forward the unchanged
// request to one of a configured server list, selecting by
// round-robin-with-jitter or random, and return the first successful
// reply.
package proxyby

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/zerodnserr"
)

func init() {
	filter.Register("proxyby", New)
}

// Filter tries each configured upstream in order (round-robin across
// calls, jittered by a random starting offset) until one answers.
type Filter struct {
	servers []client.Upstream
	random  bool

	next uint32
}

// New builds a proxyby Filter from `servers = [upstream-uri, ...]` and an
// optional `mode = "random"` (default round-robin).
func New(opts filter.Options) (filter.Filter, error) {
	raw, _ := opts["servers"].([]any)
	if len(raw) == 0 {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "proxyby: servers must be non-empty")
	}

	servers := make([]client.Upstream, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "proxyby: servers entries must be strings")
		}
		up, err := client.Parse(s)
		if err != nil {
			return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "proxyby: %v", err)
		}
		servers = append(servers, up)
	}

	mode, _ := opts["mode"].(string)

	return &Filter{servers: servers, random: mode == "random"}, nil
}

// Handle implements filter.Filter.
func (f *Filter) Handle(ctx context.Context, fc *filter.Context) error {
	order := f.order()

	var lastErr error
	for _, up := range order {
		resp, err := fc.Dispatcher.Query(ctx, up, fc.Request)
		if err != nil {
			lastErr = err
			continue
		}
		fc.Response = resp
		return nil
	}

	return fmt.Errorf("proxyby: all %d upstream(s) failed, last error: %w", len(order), lastErr)
}

// order returns the servers in the sequence this call should try them:
// a random permutation in random mode, or a round-robin rotation
// jittered by starting point otherwise.
func (f *Filter) order() []client.Upstream {
	n := len(f.servers)
	out := make([]client.Upstream, n)

	if f.random {
		perm := rand.Perm(n)
		for i, p := range perm {
			out[i] = f.servers[p]
		}
		return out
	}

	start := (int(atomic.AddUint32(&f.next, 1)) + rand.Intn(n)) % n
	for i := 0; i < n; i++ {
		out[i] = f.servers[(start+i)%n]
	}
	return out
}
