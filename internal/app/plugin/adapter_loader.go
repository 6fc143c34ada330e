package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// AdapterFactory builds a venue adapter from manifest settings. Credentials
// never appear in settings; factories read them from the environment.
type AdapterFactory func(settings map[string]string) (exchange.Adapter, error)

// manifestFile is the on-disk YAML shape of an adapter plugin.
type manifestFile struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	Factory  string            `yaml:"factory"`
	Features []string          `yaml:"features"`
	Requires []string          `yaml:"requires"`
	Settings map[string]string `yaml:"settings"`
}

type adapterManifest struct {
	info     Info
	settings map[string]string
}

// AdapterLoader catalogues venue adapter manifests from a directory. A
// manifest names the registered factory that builds the adapter; Load
// instantiates the requested adapter only, never its whole catalog.
type AdapterLoader struct {
	root      string
	factories map[string]AdapterFactory
	logger    *zap.Logger

	mu        sync.RWMutex
	manifests map[string]*adapterManifest
}

// NewAdapterLoader roots a loader at dir with the given factory registry.
func NewAdapterLoader(dir string, factories map[string]AdapterFactory, opts ...Option) (*AdapterLoader, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errs.Invalid(scope, "adapter plugin directory required")
	}
	if len(factories) == 0 {
		return nil, errs.Invalid(scope, "adapter factory registry required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, errs.Internal(scope, err, errs.WithMessage("ensure plugin directory"), errs.WithDetail("dir", clean))
	}
	registry := make(map[string]AdapterFactory, len(factories))
	for name, factory := range factories {
		if factory == nil {
			return nil, errs.Invalid(scope, "nil adapter factory", errs.WithDetail("factory", name))
		}
		registry[strings.TrimSpace(name)] = factory
	}
	o := applyOptions(opts)
	return &AdapterLoader{
		root:      clean,
		factories: registry,
		logger:    o.logger.Named("adapter_plugins"),
		manifests: make(map[string]*adapterManifest),
	}, nil
}

// Root returns the directory the loader reads from.
func (l *AdapterLoader) Root() string {
	return l.root
}

// Refresh rebuilds the catalog from disk with the same all-or-nothing swap
// as the strategy loader.
func (l *AdapterLoader) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return errs.Internal(scope, err, errs.WithMessage("read plugin directory"), errs.WithDetail("dir", l.root))
	}

	next := make(map[string]*adapterManifest)
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		// #nosec G304 -- fullPath originates from os.ReadDir within the loader root.
		src, err := os.ReadFile(fullPath)
		if err != nil {
			return errs.Internal(scope, err, errs.WithMessage("read manifest"), errs.WithDetail("file", fullPath))
		}
		var file manifestFile
		if err := yaml.Unmarshal(src, &file); err != nil {
			return errs.Invalid(scope, "invalid adapter manifest", errs.WithCause(err), errs.WithDetail("file", fullPath))
		}
		sum := sha256.Sum256(src)
		info := Info{
			ID:       strings.TrimSpace(file.ID),
			Name:     strings.TrimSpace(file.Name),
			Version:  strings.TrimSpace(file.Version),
			Entry:    strings.TrimSpace(file.Factory),
			Features: file.Features,
			Requires: file.Requires,
			File:     entry.Name(),
			Hash:     hex.EncodeToString(sum[:]),
		}
		if info.Name == "" {
			info.Name = info.ID
		}
		if err := info.validate(); err != nil {
			return errs.Invalid(scope, "invalid adapter manifest", errs.WithCause(err), errs.WithDetail("file", fullPath))
		}
		if _, exists := next[info.ID]; exists {
			return errs.Conflict(scope, "duplicate plugin id", errs.WithDetail("plugin_id", info.ID), errs.WithDetail("file", fullPath))
		}
		next[info.ID] = &adapterManifest{info: info, settings: file.Settings}
	}

	l.mu.Lock()
	l.manifests = next
	l.mu.Unlock()
	l.logger.Debug("adapter plugin catalog refreshed", zap.Int("plugins", len(next)))
	return nil
}

// List returns catalogued manifests ordered by id.
func (l *AdapterLoader) List() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	infos := make(map[string]Info, len(l.manifests))
	for id, manifest := range l.manifests {
		infos[id] = manifest.info
	}
	return sortedCatalog(infos)
}

// Get returns the catalogued metadata for one manifest.
func (l *AdapterLoader) Get(id string) (Info, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	manifest, ok := l.manifests[strings.TrimSpace(id)]
	if !ok {
		return Info{}, errs.NotFound(scope, "unknown adapter plugin", errs.WithDetail("plugin_id", id))
	}
	return manifest.info, nil
}

// Load builds the adapter named by id. The requires chain is validated so a
// missing or cyclic dependency fails typed, but only the requested manifest
// is instantiated.
func (l *AdapterLoader) Load(id string) (exchange.Adapter, error) {
	id = strings.TrimSpace(id)
	l.mu.RLock()
	manifests := l.manifests
	l.mu.RUnlock()

	manifest, ok := manifests[id]
	if !ok {
		return nil, errs.NotFound(scope, "unknown adapter plugin", errs.WithDetail("plugin_id", id))
	}
	infos := make(map[string]Info, len(manifests))
	for mid, m := range manifests {
		infos[mid] = m.info
	}
	if _, err := resolveChain(id, infos); err != nil {
		return nil, errs.Invalid(scope, "unresolvable plugin dependencies", errs.WithCause(err), errs.WithDetail("plugin_id", id))
	}

	factory, ok := l.factories[manifest.info.Entry]
	if !ok {
		return nil, errs.NotFound(scope, "adapter factory not registered",
			errs.WithDetail("plugin_id", id), errs.WithDetail("factory", manifest.info.Entry))
	}
	settings := make(map[string]string, len(manifest.settings))
	for k, v := range manifest.settings {
		settings[k] = v
	}
	adapter, err := factory(settings)
	if err != nil {
		return nil, errs.Internal(scope, err, errs.WithMessage("build adapter"), errs.WithDetail("plugin_id", id))
	}
	return adapter, nil
}

func isManifestFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
