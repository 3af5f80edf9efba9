// Package cache implements the TTL- and size-bounded answer cache shared
// by the UDP and TCP listeners. The bounded concurrent store is
// ristretto; this package layers the DNS-specific semantics on top:
// negative-TTL capping, per-lookup age adjustment and case-normalized
// keys.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/wire"
)

// DefaultNegMaxTTL is the ceiling on cached NXDOMAIN/NODATA answers,
// used when the configuration does not override it. Stale negative
// answers are a severe failure mode, so the default is aggressive.
const DefaultNegMaxTTL = 60

// entry is what we actually store: the reply plus the wall-clock time it
// was inserted, so TTLs can be adjusted down on every Get.
type entry struct {
	msg        *dns.Msg
	insertedAt time.Time
}

// Cache is the single answer cache shared by both listeners.
type Cache struct {
	rc        *ristretto.Cache[string, *entry]
	negMaxTTL uint32
	hits      atomic.Int64
	misses    atomic.Int64
}

// New builds a cache bounded at size entries. ristretto sizes itself by a
// "cost" per item; a uniform cost of 1 per entry makes size behave as a
// plain entry-count bound, matching the cache_size config key.
func New(size int, negMaxTTL uint32) (*Cache, error) {
	if size <= 0 {
		size = 4096
	}
	if negMaxTTL == 0 {
		negMaxTTL = DefaultNegMaxTTL
	}

	rc, err := ristretto.NewCache(&ristretto.Config[string, *entry]{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
		// without this ristretto adds its own per-item overhead to every
		// cost, and size would no longer count entries.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{rc: rc, negMaxTTL: negMaxTTL}, nil
}

// Lookup returns a reply for req if a live entry exists, with the id
// rewritten to req's and every answer TTL aged down, floored at 1. An
// entry whose every answer TTL has floored is treated as expired and
// removed rather than returned.
func (c *Cache) Lookup(req *dns.Msg) *dns.Msg {
	if len(req.Question) == 0 {
		return nil
	}

	k := wire.NewKey(req.Question[0]).String()
	e, ok := c.rc.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil
	}

	age := uint32(time.Since(e.insertedAt).Seconds())
	reply := e.msg.Copy()
	reply.Id = req.Id

	if len(reply.Answer) > 0 && !wire.AdjustTTL(reply, age, 1) {
		c.rc.Del(k)
		c.misses.Add(1)
		return nil
	}

	c.hits.Add(1)
	return reply
}

// Insert stores resp under the question it answers. Skipped for
// non-NOERROR/NXDOMAIN rcodes, a TTL that collapses to 0, a
// filter-requested no-cache, or a truncated message.
func (c *Cache) Insert(req, resp *dns.Msg, noCache bool) {
	if noCache || resp.Truncated || len(req.Question) == 0 {
		return
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return
	}

	var ttl uint32
	if resp.Rcode == dns.RcodeNameError || len(resp.Answer) == 0 {
		ttl = wire.NegativeTTL(resp, c.negMaxTTL)
	} else {
		ttl = wire.MinTTL(resp)
	}
	if ttl == 0 {
		return
	}

	k := wire.NewKey(req.Question[0]).String()
	stored := resp.Copy()
	c.rc.SetWithTTL(k, &entry{msg: stored, insertedAt: time.Now()}, 1, time.Duration(ttl)*time.Second)
}

// Stats reports cumulative hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close releases ristretto's background goroutines.
func (c *Cache) Close() {
	c.rc.Close()
}
