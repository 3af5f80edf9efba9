// Package config loads and validates the TOML configuration file and
// builds the runtime objects (rule table, filter instances, cache) the
// server needs.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/treemana/zerodns/internal/cache"
	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/rule"
	"github.com/treemana/zerodns/internal/zerodnserr"

	// blank-imported so every built-in filter kind registers itself
	// before config.Build resolves a [filters.*] kind.
	_ "github.com/treemana/zerodns/internal/filter/chinadns"
	_ "github.com/treemana/zerodns/internal/filter/hosts"
	_ "github.com/treemana/zerodns/internal/filter/lua"
	_ "github.com/treemana/zerodns/internal/filter/proxyby"
)

// Config is the root of a zerodns.toml file.
type Config struct {
	Global struct {
		Nameservers []string `toml:"nameservers"`
	} `toml:"global"`

	Server struct {
		Listen    string `toml:"listen"`
		CacheSize int    `toml:"cache_size"`
		NegMaxTTL uint32 `toml:"neg_max_ttl"`
	} `toml:"server"`

	Filters map[string]FilterConfig `toml:"filters"`
	Rules   []RuleConfig            `toml:"rules"`
}

// FilterConfig is one `[filters.<name>]` section.
type FilterConfig struct {
	Kind  string         `toml:"kind"`
	Props map[string]any `toml:"props"`
}

// RuleConfig is one `[[rules]]` entry. Filter (singular) is accepted as
// sugar for a one-element Filters list; plural is canonical.
type RuleConfig struct {
	Domain  string   `toml:"domain"`
	Filters []string `toml:"filters"`
	Filter  string   `toml:"filter"`
}

// names returns the effective filter chain for the rule, applying the
// singular/plural sugar.
func (r RuleConfig) names() []string {
	if len(r.Filters) > 0 {
		return r.Filters
	}
	if r.Filter != "" {
		return []string{r.Filter}
	}
	return nil
}

// Load reads and parses path. It does not validate cross-references (that
// is Config.Validate's job) so that a syntactically valid but logically
// inconsistent file still produces a Config a caller can inspect.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "parse %s: %v", path, err)
	}
	return &c, nil
}

// Validate checks every rule's filter names resolve in Filters, and that
// Server.Listen is set. Configuration errors abort startup, they are
// never deferred to query time.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return zerodnserr.Wrap(zerodnserr.ErrConfig, "server.listen is required")
	}

	if len(c.Rules) == 0 && len(c.Global.Nameservers) == 0 {
		return zerodnserr.Wrap(zerodnserr.ErrConfig, "at least one [[rules]] entry or [global] nameservers is required")
	}

	for _, r := range c.Rules {
		names := r.names()
		if len(names) == 0 {
			return zerodnserr.Wrap(zerodnserr.ErrConfig, "rule %q has no filter(s)", r.Domain)
		}
		for _, name := range names {
			if _, ok := c.Filters[name]; !ok {
				return zerodnserr.Wrap(zerodnserr.ErrConfig, "rule %q references unknown filter %q", r.Domain, name)
			}
		}
	}

	return nil
}

// Build constructs the rule table and the filter instances named in the
// config, ready for internal/server.New. A filter kind that fails to
// construct (e.g. chinadns with an unloadable GeoIP database) aborts
// startup.
func (c *Config) Build() (*rule.Table, map[string]filter.Filter, *cache.Cache, error) {
	filters := make(map[string]filter.Filter, len(c.Filters))
	for name, fc := range c.Filters {
		f, err := filter.Build(fc.Kind, filter.Options(fc.Props))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("filter %q: %w", name, err)
		}
		filters[name] = f
	}

	rules := make([]rule.Rule, len(c.Rules))
	for i, r := range c.Rules {
		rules[i] = rule.Rule{Domain: r.Domain, Filters: r.names()}
	}

	// [global] nameservers is the fallback upstream list: with no rules
	// declared, every query goes to a synthesized catch-all proxyby chain.
	if len(rules) == 0 && len(c.Global.Nameservers) > 0 {
		servers := make([]any, len(c.Global.Nameservers))
		for i, ns := range c.Global.Nameservers {
			servers[i] = ns
		}
		f, err := filter.Build("proxyby", filter.Options{"servers": servers})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("global nameservers: %w", err)
		}
		filters["global"] = f
		rules = append(rules, rule.Rule{Domain: "*", Filters: []string{"global"}})
	}

	table, err := rule.Compile(rules)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rules: %w", err)
	}

	negMaxTTL := c.Server.NegMaxTTL
	if negMaxTTL == 0 {
		negMaxTTL = cache.DefaultNegMaxTTL
	}
	ch, err := cache.New(c.Server.CacheSize, negMaxTTL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cache: %w", err)
	}

	return table, filters, ch, nil
}
