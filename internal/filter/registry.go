package filter

import (
	"fmt"
	"sync"
)

// Options is the kind-specific `props` table from a [filters.<name>]
// TOML section, decoded into plain Go values by the config package.
type Options map[string]any

// Constructor builds one Filter instance from its configured options.
// Each filter kind registers exactly one Constructor at package init
// time.
type Constructor func(opts Options) (Filter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register associates a filter kind name with its constructor. Called
// from each filter subpackage's init().
func Register(kind string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = ctor
}

// Build constructs a filter of the named kind. config.Build calls this
// for every configured [filters.*] section at startup; an unknown
// kind or a constructor error aborts startup rather than being deferred
// to query time.
func Build(kind string, opts Options) (Filter, error) {
	registryMu.RLock()
	ctor, ok := registry[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no filter kind %q registered", kind)
	}
	return ctor(opts)
}
