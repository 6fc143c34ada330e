package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/strategy"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// scriptModule is one catalogued strategy file. Source is retained so Load
// can compile the dependency chain without re-reading disk.
type scriptModule struct {
	info Info
	path string
	src  []byte
}

// StrategyLoader catalogues JavaScript strategies from a directory.
// Refresh parses every file for metadata without evaluating it; Load
// evaluates the requested plugin plus its declared dependency chain into a
// fresh runtime and hands back a bound strategy instance.
type StrategyLoader struct {
	root   string
	logger *zap.Logger

	mu      sync.RWMutex
	modules map[string]*scriptModule
}

// NewStrategyLoader roots a loader at dir, creating it when absent.
func NewStrategyLoader(dir string, opts ...Option) (*StrategyLoader, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errs.Invalid(scope, "strategy plugin directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, errs.Internal(scope, err, errs.WithMessage("ensure plugin directory"), errs.WithDetail("dir", clean))
	}
	o := applyOptions(opts)
	return &StrategyLoader{
		root:    clean,
		logger:  o.logger.Named("strategy_plugins"),
		modules: make(map[string]*scriptModule),
	}, nil
}

// Root returns the directory the loader reads from.
func (l *StrategyLoader) Root() string {
	return l.root
}

// Refresh rebuilds the catalog from disk. The swap is all or nothing: any
// unreadable, unparsable, or duplicate file keeps the previous catalog in
// place.
func (l *StrategyLoader) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return errs.Internal(scope, err, errs.WithMessage("read plugin directory"), errs.WithDetail("dir", l.root))
	}

	next := make(map[string]*scriptModule)
	for _, entry := range entries {
		if entry.IsDir() || !isScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		// #nosec G304 -- fullPath originates from os.ReadDir within the loader root.
		src, err := os.ReadFile(fullPath)
		if err != nil {
			return errs.Internal(scope, err, errs.WithMessage("read plugin"), errs.WithDetail("file", fullPath))
		}
		info, err := parseMeta(fullPath, src)
		if err != nil {
			return errs.Invalid(scope, "invalid plugin metadata", errs.WithCause(err), errs.WithDetail("file", fullPath))
		}
		info.File = entry.Name()
		sum := sha256.Sum256(src)
		info.Hash = hex.EncodeToString(sum[:])
		if _, exists := next[info.ID]; exists {
			return errs.Conflict(scope, "duplicate plugin id", errs.WithDetail("plugin_id", info.ID), errs.WithDetail("file", fullPath))
		}
		next[info.ID] = &scriptModule{info: info, path: fullPath, src: src}
	}

	l.mu.Lock()
	l.modules = next
	l.mu.Unlock()
	l.logger.Debug("strategy plugin catalog refreshed", zap.Int("plugins", len(next)))
	return nil
}

// List returns catalogued plugins ordered by id.
func (l *StrategyLoader) List() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	infos := make(map[string]Info, len(l.modules))
	for id, mod := range l.modules {
		infos[id] = mod.info
	}
	return sortedCatalog(infos)
}

// Get returns the catalogued metadata for one plugin.
func (l *StrategyLoader) Get(id string) (Info, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mod, ok := l.modules[strings.TrimSpace(id)]
	if !ok {
		return Info{}, errs.NotFound(scope, "unknown strategy plugin", errs.WithDetail("plugin_id", id))
	}
	return mod.info, nil
}

// Load evaluates the plugin and its dependency chain, calls the exported
// entry constructor with params, and wraps the returned instance as a
// strategy. Each Load gets its own runtime, so instances share nothing.
func (l *StrategyLoader) Load(id string, params strategy.Params) (strategy.Strategy, error) {
	id = strings.TrimSpace(id)
	if params == nil {
		params = strategy.Params{}
	}
	modules := l.snapshot()
	mod, ok := modules[id]
	if !ok {
		return nil, errs.NotFound(scope, "unknown strategy plugin", errs.WithDetail("plugin_id", id))
	}

	chain, err := resolveChain(id, infoIndex(modules))
	if err != nil {
		return nil, errs.Invalid(scope, "unresolvable plugin dependencies", errs.WithCause(err), errs.WithDetail("plugin_id", id))
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, errs.Internal(scope, err, errs.WithMessage("initialize plugin runtime"))
	}

	// Dependencies run first; anything they publish on globalThis is visible
	// to later modules. The final exports object belongs to the requested
	// plugin.
	var exports *goja.Object
	for _, dep := range chain {
		depMod := modules[dep]
		prog, err := compileScript(depMod.path, depMod.src)
		if err != nil {
			return nil, errs.Invalid(scope, "plugin does not compile", errs.WithCause(err), errs.WithDetail("plugin_id", dep))
		}
		exp, err := runScript(rt, prog)
		if err != nil {
			return nil, errs.Internal(scope, err, errs.WithMessage("evaluate plugin"), errs.WithDetail("plugin_id", dep))
		}
		exports = exp
	}

	entryValue := exports.Get(mod.info.Entry)
	ctor, ok := goja.AssertFunction(entryValue)
	if !ok {
		return nil, errs.Invalid(scope, "plugin entry is not a function",
			errs.WithDetail("plugin_id", id), errs.WithDetail("entry", mod.info.Entry))
	}
	instance, err := ctor(goja.Undefined(), rt.ToValue(map[string]any(params)))
	if err != nil {
		return nil, errs.Internal(scope, err, errs.WithMessage("instantiate plugin"), errs.WithDetail("plugin_id", id))
	}
	if instance == nil || goja.IsUndefined(instance) || goja.IsNull(instance) {
		return nil, errs.Invalid(scope, "plugin entry returned no instance", errs.WithDetail("plugin_id", id))
	}
	self := instance.ToObject(rt)

	strat := &jsStrategy{id: id, rt: rt, self: self, logger: l.logger.With(zap.String("plugin_id", id))}
	if fn, ok := goja.AssertFunction(self.Get("onTick")); ok {
		strat.onTick = fn
	}
	if fn, ok := goja.AssertFunction(self.Get("onData")); ok {
		strat.onData = fn
	}
	if strat.onTick == nil && strat.onData == nil {
		return nil, errs.Invalid(scope, "plugin instance exposes neither onTick nor onData", errs.WithDetail("plugin_id", id))
	}
	return strat, nil
}

func (l *StrategyLoader) snapshot() map[string]*scriptModule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modules
}

func infoIndex(modules map[string]*scriptModule) map[string]Info {
	out := make(map[string]Info, len(modules))
	for id, mod := range modules {
		out[id] = mod.info
	}
	return out
}

func isScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

// compileScript wraps the source in a function the way Node wraps CommonJS
// modules. Top-level declarations stay file-scoped, so two plugins in one
// chain may both declare `const meta` without colliding; dependencies share
// helpers by assigning to globalThis. The wrapper opens on the first source
// line, keeping reported line numbers intact.
func compileScript(path string, src []byte) (*goja.Program, error) {
	wrapped := "(function(module, exports){" + string(src) + "\n})"
	return goja.Compile(path, wrapped, true)
}

// runScript executes one wrapped module with fresh module/exports values and
// returns whatever it left on module.exports.
func runScript(rt *goja.Runtime, prog *goja.Program) (*goja.Object, error) {
	value, err := rt.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	wrapper, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("module init: wrapper is not a function")
	}
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := wrapper(exports, module, exports); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	result := module.Get("exports")
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return result.ToObject(rt), nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}
