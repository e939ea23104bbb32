// Package wasmguest runs compiled WASM guest scripts behind the engine's
// guest contract. The guest exports a small cooperative ABI (has_work, step,
// resume, result) plus allocate/deallocate for passing JSON across the
// memory boundary; the host stays in control of every externally-visible
// effect.
package wasmguest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// CompatibleABI is the guest ABI range this host speaks. Guests report their
// version through the abi_version export; anything outside the range is
// rejected at load time rather than failing mid-execution.
const CompatibleABI = "^1.0"

// globalCache speeds up compilation across runtimes.
var globalCache = wazero.NewCompilationCache()

// Config controls runtime construction.
type Config struct {
	// MemoryLimitMB caps guest linear memory. 0 means a 256MB default,
	// -1 disables the limit.
	MemoryLimitMB int
}

// Runtime compiles and instantiates guest modules. One runtime can serve
// many concurrent executions; each Load produces an isolated instance.
type Runtime struct {
	runtime wazero.Runtime
	abi     *semver.Constraints

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewRuntime creates a WASM runtime with WASI support and a shared
// compilation cache.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	memoryLimitMB := cfg.MemoryLimitMB
	switch {
	case memoryLimitMB == 0:
		memoryLimitMB = 256
	case memoryLimitMB == -1:
		slog.Warn("guest memory limit disabled")
	case memoryLimitMB < -1:
		return nil, fmt.Errorf("invalid guest memory limit: %d (must be >= -1)", memoryLimitMB)
	}

	rtConfig := wazero.NewRuntimeConfig().WithCompilationCache(globalCache)
	if memoryLimitMB > 0 {
		// 1 page = 64KB, so 1 MB = 16 pages.
		rtConfig = rtConfig.WithMemoryLimitPages(uint32(memoryLimitMB * 16))
	}

	r := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	abi, err := semver.NewConstraint(CompatibleABI)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("invalid ABI constraint: %w", err)
	}

	return &Runtime{
		runtime:  r,
		abi:      abi,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Compile compiles a guest module and caches it under the given name.
// Repeated loads of the same script skip recompilation.
func (r *Runtime) Compile(ctx context.Context, name string, wasmBytes []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.compiled[name]; ok {
		return nil
	}

	module, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("failed to compile guest %s: %w", name, err)
	}
	r.compiled[name] = module
	return nil
}

// Load instantiates a compiled guest with its own fresh memory and verifies
// its ABI version. Input is handed to the guest's start export as JSON.
func (r *Runtime) Load(ctx context.Context, name string, input []byte) (*Module, error) {
	r.mu.Lock()
	compiled, ok := r.compiled[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("guest %s is not compiled", name)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(""). // Anonymous: many instances of one compiled module
		WithSysWalltime().
		WithSysNanotime()

	instance, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate guest %s: %w", name, err)
	}

	// Call _initialize for modules built with -buildmode=c-shared.
	// This must run before any other exported function.
	if initFn := instance.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = instance.Close(ctx)
			return nil, fmt.Errorf("failed to initialize guest %s: %w", name, err)
		}
	}

	m := &Module{name: name, instance: instance}

	if err := r.checkABI(ctx, m); err != nil {
		_ = instance.Close(ctx)
		return nil, err
	}

	if err := m.start(ctx, input); err != nil {
		_ = instance.Close(ctx)
		return nil, err
	}

	return m, nil
}

func (r *Runtime) checkABI(ctx context.Context, m *Module) error {
	raw, err := m.callPacked(ctx, "abi_version")
	if err != nil {
		return fmt.Errorf("guest %s: failed to read ABI version: %w", m.name, err)
	}

	version, err := semver.NewVersion(string(raw))
	if err != nil {
		return fmt.Errorf("guest %s: malformed ABI version %q: %w", m.name, raw, err)
	}
	if !r.abi.Check(version) {
		return fmt.Errorf("guest %s: ABI version %s is outside supported range %s",
			m.name, version, CompatibleABI)
	}

	slog.Debug("guest loaded", "guest", m.name, "abi_version", version.String())
	return nil
}

// Close tears down the runtime and every compiled module.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}
