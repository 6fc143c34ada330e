// Package plugin discovers strategy and adapter implementations from
// directories without importing them. Listing reads plugin metadata by
// static inspection of the source, so it is side-effect-free; loading
// evaluates exactly the chosen plugin and its declared dependencies.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const scope = "plugin"

// Typed dependency failures. Loader methods wrap them, so errors.Is works
// across the errs layer.
var (
	// ErrPluginMissing reports a requirement on a plugin id that is not
	// present in the catalog.
	ErrPluginMissing = errors.New("plugin dependency missing")
	// ErrPluginCycle reports a dependency cycle between plugins.
	ErrPluginCycle = errors.New("plugin dependency cycle")
)

// Info is the metadata record every plugin exposes: strategies in a `meta`
// object literal, adapters in their YAML manifest.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Entry locates the implementation: the exported constructor name for
	// strategies, the registered factory name for adapters.
	Entry    string   `json:"entry"`
	Features []string `json:"features,omitempty"`
	Requires []string `json:"requires,omitempty"`

	File string `json:"file"`
	Hash string `json:"hash"`
}

func (i Info) validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("plugin id required")
	}
	if strings.TrimSpace(i.Version) == "" {
		return fmt.Errorf("plugin version required")
	}
	if strings.TrimSpace(i.Entry) == "" {
		return fmt.Errorf("plugin entry required")
	}
	return nil
}

// Option configures a loader.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// resolveChain returns the ids needed to load id, dependencies first, the
// requested id last. Requirements are visited in lexical order so the chain
// is deterministic.
func resolveChain(id string, catalog map[string]Info) ([]string, error) {
	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int)
	var order []string

	var visit func(cur string, path []string) error
	visit = func(cur string, path []string) error {
		switch marks[cur] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrPluginCycle, strings.Join(append(path, cur), " -> "))
		case done:
			return nil
		}
		info, ok := catalog[cur]
		if !ok {
			return fmt.Errorf("%w: %s", ErrPluginMissing, cur)
		}
		marks[cur] = visiting
		requires := append([]string(nil), info.Requires...)
		sort.Strings(requires)
		for _, req := range requires {
			if err := visit(req, append(path, cur)); err != nil {
				return err
			}
		}
		marks[cur] = done
		order = append(order, cur)
		return nil
	}

	if err := visit(id, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// sortedCatalog flattens a plugin map into an id-ordered listing.
func sortedCatalog(infos map[string]Info) []Info {
	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
