// Package tools runs WebAssembly-sandboxed input-preprocessing hooks for
// task submission: small, untrusted transforms (e.g. prompt templating,
// redaction, normalization) that a CLI `task submit` invocation or an
// MCP tool call may apply to task input before it reaches the store.
// Adapted from the teacher's wazero skill host, narrowed to a single
// call/response shape instead of a general skill-invocation surface.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// DefaultMemoryLimitPages caps a single module at 10MB (64KB/page).
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout bounds wall-clock time per invocation.
const DefaultInvokeTimeout = 5 * time.Second

// Fault reason codes returned by a failed Invoke.
const (
	FaultModuleLoad = "WASM_MODULE_LOAD_FAILED"
	FaultNoExport   = "WASM_NO_EXPORT"
	FaultTimeout    = "WASM_TIMEOUT"
	FaultExecError  = "WASM_FAULT"
)

// Fault is a structured sandbox execution error.
type Fault struct {
	Reason string
	Detail string
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %s", f.Reason, f.Detail) }

// Config configures the sandbox runtime.
type Config struct {
	Logger           *slog.Logger
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

// Sandbox owns a single wazero runtime used to run preprocessing hooks.
// Compiled modules are cached by name for reuse across invocations.
type Sandbox struct {
	runtime       wazero.Runtime
	invokeTimeout time.Duration
	log           *slog.Logger

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule
}

// New builds a Sandbox. The returned value owns OS resources (the wazero
// runtime); callers must call Close when done.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	timeout := cfg.InvokeTimeout
	if timeout == 0 {
		timeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("tools: instantiate wasi: %w", err)
	}

	return &Sandbox{
		runtime:       rt,
		invokeTimeout: timeout,
		log:           cfg.Logger,
		modules:       map[string]wazero.CompiledModule{},
	}, nil
}

// Close releases the underlying wazero runtime and all compiled modules.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// LoadModule compiles and caches a WebAssembly module under name, so
// subsequent Invoke calls for name skip recompilation.
func (s *Sandbox) LoadModule(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &Fault{Reason: FaultModuleLoad, Detail: err.Error()}
	}
	s.mu.Lock()
	s.modules[name] = compiled
	s.mu.Unlock()
	return nil
}

// Invoke runs the named module's "transform" export against input,
// returning the export's output bytes (read from the module's memory at
// the offset/length the export returns, WASI-style via stdin/stdout
// pipes set up per call so concurrent invocations never share memory).
func (s *Sandbox) Invoke(ctx context.Context, name string, input []byte) ([]byte, error) {
	s.mu.Lock()
	compiled, ok := s.modules[name]
	s.mu.Unlock()
	if !ok {
		return nil, &Fault{Reason: FaultModuleLoad, Detail: fmt.Sprintf("module %q not loaded", name)}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, s.invokeTimeout)
	defer cancel()

	stdin := newByteReader(input)
	stdout := &byteWriter{}

	modCfg := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(discardWriter{}).
		WithName(name)

	mod, err := s.runtime.InstantiateModule(invokeCtx, compiled, modCfg)
	if err != nil {
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, &Fault{Reason: FaultTimeout, Detail: "module did not complete within invoke timeout"}
		}
		return nil, &Fault{Reason: FaultExecError, Detail: err.Error()}
	}
	defer mod.Close(invokeCtx)

	transform := mod.ExportedFunction("transform")
	if transform == nil {
		return nil, &Fault{Reason: FaultNoExport, Detail: "module does not export \"transform\""}
	}
	if _, err := transform.Call(invokeCtx); err != nil {
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, &Fault{Reason: FaultTimeout, Detail: "module did not complete within invoke timeout"}
		}
		return nil, &Fault{Reason: FaultExecError, Detail: err.Error()}
	}
	return stdout.buf, nil
}
