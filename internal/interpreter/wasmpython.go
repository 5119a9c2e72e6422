// Package interpreter: WasmPython executes Python source on a WebAssembly
// module via wasmer-go, grounded on the teacher's wasm/executor.go.
package interpreter

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// WasmFactory builds WasmPython interpreters from a single compiled module,
// reused across every kernel instance to amortise compilation cost — only
// instantiation (cheap) happens per kernel.
type WasmFactory struct {
	store  *wasmer.Store
	module *wasmer.Module
}

// NewWasmFactory compiles pythonWasm once. pythonWasm is expected to export
// a "main" function taking the submitted code and returning a result, in the
// same convention as the teacher's wasm/executor.go.
func NewWasmFactory(pythonWasm []byte) (*WasmFactory, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, pythonWasm)
	if err != nil {
		return nil, fmt.Errorf("compile python wasm module: %w", err)
	}
	return &WasmFactory{store: store, module: module}, nil
}

// New implements Factory. Only (*, PYTHON) is supported; anything else is a
// programmer error (the admission policy should have already rejected it).
func (f *WasmFactory) New(mode kerneltypes.Mode, language kerneltypes.Language, _ *kerneltypes.MountDescriptor) (Interpreter, error) {
	if language != kerneltypes.Python {
		return nil, fmt.Errorf("wasm factory: unsupported language %q", language)
	}

	instance, err := wasmer.NewInstance(f.module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("instantiate python wasm module: %w", err)
	}

	mainFn, err := instance.Exports.GetFunction("main")
	if err != nil {
		return nil, fmt.Errorf("python wasm module missing main export: %w", err)
	}

	return &WasmPython{instance: instance, mainFn: mainFn}, nil
}

// WasmPython is one Python-on-WASM kernel.
type WasmPython struct {
	mu       sync.Mutex
	instance *wasmer.Instance
	mainFn   wasmer.NativeFunction
	disposed bool
}

// Run executes code in the wasm module. Cooperative interruption at
// bytecode-level safe points is the guest module's responsibility (spec
// §4.4); this adapter only surfaces the outcome once the call returns, since
// wasmer-go has no API to preempt a call already in flight from the host
// side.
func (w *WasmPython) Run(_ context.Context, req Request) (Terminal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disposed {
		return Terminal{}, fmt.Errorf("interpreter disposed")
	}

	out, err := w.mainFn(req.Code)
	if err != nil {
		payload := events.ExecuteErrorPayload{
			EName:     "WasmExecutionError",
			EValue:    err.Error(),
			Traceback: []string{err.Error()},
		}
		req.Emit(events.ExecuteError, payload)
		return Terminal{Success: false, Error: &payload}, nil
	}

	data := map[string]any{"text/plain": fmt.Sprintf("%v", out)}
	req.Emit(events.ExecuteResult, events.ExecuteResultPayload{Data: data, ExecutionCount: int(req.ExecutionID)})
	return Terminal{Success: true}, nil
}

// Dispose marks the interpreter unusable. wasmer-go instances are reclaimed
// by the Go garbage collector; there is no explicit handle to close in the
// v1 bindings this repo targets.
func (w *WasmPython) Dispose() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disposed = true
	return nil
}
