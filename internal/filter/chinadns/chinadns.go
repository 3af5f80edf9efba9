// Package chinadns implements the split-horizon arbitration filter: race
// a "mistrusted" (fast, possibly poisoned) upstream pool against a
// "trusted" pool, and use a GeoIP database to decide which answer to
// trust. A mistrusted reply carrying any A record outside the trusted
// country is treated as poisoned and the trusted side's answer is used
// instead.
package chinadns

import (
	"context"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/oschwald/maxminddb-golang"

	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/zerodnserr"
)

func init() {
	filter.Register("chinadns", New)
}

// Filter arbitrates between trusted and mistrusted upstream pools using
// a MaxMind-format GeoIP database.
type Filter struct {
	trusted    []client.Upstream
	mistrusted []client.Upstream
	geo        *maxminddb.Reader
	trustedCC  string

	// lookupCC resolves an IP to its ISO country code. Factored out of
	// New so tests can substitute a fixture-free lookup instead of
	// requiring a real MaxMind database on disk.
	lookupCC func(net.IP) string
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// New builds a chinadns Filter from `trusted`, `mistrusted` and
// `geoip_database` config props. An unloadable database is a fatal
// configuration error, never deferred to query time.
func New(opts filter.Options) (filter.Filter, error) {
	trusted, err := parseServers(opts, "trusted")
	if err != nil {
		return nil, err
	}
	mistrusted, err := parseServers(opts, "mistrusted")
	if err != nil {
		return nil, err
	}

	dbPath, _ := opts["geoip_database"].(string)
	if dbPath == "" {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "chinadns: geoip_database is required")
	}

	geo, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "chinadns: geoip_database %q: %v", dbPath, err)
	}

	cc, _ := opts["trusted_country"].(string)
	if cc == "" {
		cc = "CN"
	}

	f := &Filter{trusted: trusted, mistrusted: mistrusted, geo: geo, trustedCC: cc}
	f.lookupCC = f.geoLookup
	return f, nil
}

// geoLookup is the default lookupCC: a real MaxMind database read.
func (f *Filter) geoLookup(ip net.IP) string {
	var rec geoRecord
	if err := f.geo.Lookup(ip, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func parseServers(opts filter.Options, key string) ([]client.Upstream, error) {
	raw, _ := opts[key].([]any)
	if len(raw) == 0 {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "chinadns: %s must be non-empty", key)
	}

	out := make([]client.Upstream, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "chinadns: %s entries must be strings", key)
		}
		up, err := client.Parse(s)
		if err != nil {
			return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "chinadns: %v", err)
		}
		out = append(out, up)
	}
	return out, nil
}

// raceResult is what a raced pool produces: its first successful reply, or
// the last error if every upstream in the pool failed.
type raceResult struct {
	msg *dns.Msg
	err error
}

// race fires req at every upstream in ups concurrently and reports the
// first successful reply over the returned channel (buffered 1), or an
// error once all have failed. Cancellation is cooperative: losing
// attempts observe ctx at their next suspension point and their results
// are discarded once the channel has been filled.
func race(ctx context.Context, d *client.Dispatcher, ups []client.Upstream, req *dns.Msg) <-chan raceResult {
	out := make(chan raceResult, 1)

	go func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		remaining := len(ups)
		var lastErr error
		done := false

		wg.Add(len(ups))
		for _, up := range ups {
			go func(up client.Upstream) {
				defer wg.Done()
				resp, err := d.Query(ctx, up, req)

				mu.Lock()
				defer mu.Unlock()
				remaining--

				if done {
					return
				}
				if err != nil {
					lastErr = err
					if remaining == 0 {
						done = true
						out <- raceResult{err: lastErr}
					}
					return
				}

				done = true
				out <- raceResult{msg: resp}
			}(up)
		}
		wg.Wait()
	}()

	return out
}

// Handle implements filter.Filter: take the first mistrusted reply, keep
// it if its A records all geolocate to the trusted country, otherwise
// wait for the trusted side; fall back across sides on failure.
func (f *Filter) Handle(ctx context.Context, fc *filter.Context) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mistrustedCh := race(raceCtx, fc.Dispatcher, f.mistrusted, fc.Request)
	trustedCh := race(raceCtx, fc.Dispatcher, f.trusted, fc.Request)

	mr := <-mistrustedCh
	if mr.err == nil && !f.poisoned(mr.msg) {
		cancel() // step 2/3: trusted side no longer needed
		fc.Response = mr.msg
		return nil
	}

	tr := <-trustedCh
	if tr.err == nil {
		fc.Response = tr.msg
		return nil
	}

	// trusted side failed or timed out: fall back to the mistrusted reply
	// if we have one, even though it looked poisoned (step 4).
	if mr.err == nil {
		fc.Response = mr.msg
		return nil
	}

	return zerodnserr.Wrap(zerodnserr.ErrTimeout, "chinadns: both pools failed (mistrusted: %v, trusted: %v)", mr.err, tr.err)
}

// poisoned reports whether resp contains any A record whose address is
// outside the trusted country per the GeoIP database. AAAA/MX/CNAME-only
// or A-less replies are never considered poisoned.
func (f *Filter) poisoned(resp *dns.Msg) bool {
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if !f.isTrustedCountry(a.A) {
			return true
		}
	}
	return false
}

func (f *Filter) isTrustedCountry(ip net.IP) bool {
	return f.lookupCC(ip) == f.trustedCC
}
