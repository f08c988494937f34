// Package executor contains the executor contract, the factory that wires
// configuration trees into runnable instances, the atomic executors (agent,
// http, tool, script), and the orchestrators (serial, parallel, router,
// loop, dag) that schedule children under one composition discipline.
package executor

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
)

// Executor is the contract every node implements, atomic or composite.
// Execute runs the node to completion and returns its result; it returns an
// error only for cancellation and for failures the caller cannot receive as
// a result (construction races, programming errors). Ordinary failures come
// back as a failed Result.
type Executor interface {
	Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error)
}

// Creator builds an executor from its config. Orchestrator creators receive
// the factory so they can build their own children; the reference is
// non-owning, instances belong to the factory's cache.
type Creator func(cfg *core.ExecutorConfig, f *Factory) (Executor, error)

// Builtin creator maps, populated by init() in each executor file. A
// Factory starts from a snapshot of these so per-factory registration never
// mutates the builtins.
var (
	builtinMu            sync.RWMutex
	builtinAtomics       = make(map[core.Type]Creator)
	builtinOrchestrators = make(map[core.Mode]Creator)
)

// RegisterAtomic adds a builtin atomic creator. Later registrations replace
// earlier ones, which lets tests install fakes.
func RegisterAtomic(t core.Type, c Creator) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinAtomics[t] = c
}

// RegisterOrchestrator adds a builtin orchestrator creator.
func RegisterOrchestrator(m core.Mode, c Creator) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinOrchestrators[m] = c
}

// defaultCacheSize bounds the factory's instance cache. Instances are
// reused across runs within one factory; the LRU keeps long-lived factories
// from accumulating configs they will never see again.
const defaultCacheSize = 1024

// Factory maps configuration records to executor instances. It holds two
// creator maps (atomic by type, orchestrator by mode) and an id-keyed
// instance cache.
type Factory struct {
	mu            sync.RWMutex
	atomics       map[core.Type]Creator
	orchestrators map[core.Mode]Creator
	cache         *lru.Cache[string, Executor]
}

// NewFactory creates a factory seeded with the builtin creators.
func NewFactory() *Factory {
	builtinMu.RLock()
	atomics := make(map[core.Type]Creator, len(builtinAtomics))
	for k, v := range builtinAtomics {
		atomics[k] = v
	}
	orchestrators := make(map[core.Mode]Creator, len(builtinOrchestrators))
	for k, v := range builtinOrchestrators {
		orchestrators[k] = v
	}
	builtinMu.RUnlock()

	cache, err := lru.New[string, Executor](defaultCacheSize)
	if err != nil {
		// lru.New fails only for a non-positive size.
		panic(fmt.Sprintf("executor factory cache: %v", err))
	}

	return &Factory{
		atomics:       atomics,
		orchestrators: orchestrators,
		cache:         cache,
	}
}

// Register adds a custom atomic creator to this factory only.
func (f *Factory) Register(t core.Type, c Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atomics[t] = c
}

// RegisterMode adds a custom orchestrator creator to this factory only.
func (f *Factory) RegisterMode(m core.Mode, c Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orchestrators[m] = c
}

// Create instantiates the executor for the config, reusing a cached
// instance when the id was built before. Composite configs dispatch on
// mode, everything else on type. Unknown types and modes are configuration
// errors.
func (f *Factory) Create(cfg *core.ExecutorConfig) (Executor, error) {
	if cfg == nil {
		return nil, core.NewValidationError("config", nil, core.ErrConfigTypeRequired)
	}
	if cfg.ID != "" {
		if cached, ok := f.cache.Get(cfg.ID); ok {
			return cached, nil
		}
	}

	creator, err := f.lookup(cfg)
	if err != nil {
		return nil, err
	}

	instance, err := creator(cfg, f)
	if err != nil {
		return nil, err
	}
	if cfg.ID != "" {
		f.cache.Add(cfg.ID, instance)
	}
	return instance, nil
}

func (f *Factory) lookup(cfg *core.ExecutorConfig) (Creator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if cfg.IsComposite() {
		if cfg.Mode == "" {
			return nil, core.NewValidationError("mode", nil, core.ErrModeRequired)
		}
		creator, ok := f.orchestrators[cfg.Mode]
		if !ok {
			return nil, core.NewValidationError("mode", cfg.Mode, core.ErrUnknownMode)
		}
		return creator, nil
	}

	creator, ok := f.atomics[cfg.Type]
	if !ok {
		return nil, core.NewValidationError("type", cfg.Type, core.ErrUnknownType)
	}
	return creator, nil
}

// Supports reports whether the factory can build the atomic type.
func (f *Factory) Supports(t core.Type) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.atomics[t]
	return ok
}

// SupportsMode reports whether the factory can build the orchestrator mode.
func (f *Factory) SupportsMode(m core.Mode) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.orchestrators[m]
	return ok
}

// ClearCache drops every cached instance. Configs create fresh executors on
// the next Create.
func (f *Factory) ClearCache() {
	f.cache.Purge()
}

// CacheLen reports the number of cached instances.
func (f *Factory) CacheLen() int {
	return f.cache.Len()
}
