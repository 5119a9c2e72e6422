// Package interpreter defines the fixed contract the manager consumes from
// the interpreter engines (spec §1: "the interpreter engines themselves ...
// [are] external collaborators with fixed contracts. The specification
// defines only the interfaces the core consumes from them.").
//
// This repo ships two concrete engines to exercise the contract end to end:
// WasmPython (grounded on the teacher's wasm/executor.go, wasmer-go) and
// SandboxedJS, a minimal in-process stand-in used where a real sandboxed
// worker engine is out of scope.
package interpreter

import (
	"context"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// EmitFunc delivers one event (STREAM/DISPLAY_DATA/EXECUTE_RESULT/
// EXECUTE_ERROR) produced mid-execution, per spec §4.2.
type EmitFunc func(kind events.Kind, payload any)

// Request is one submitted execution (spec §3 Execution Record).
type Request struct {
	ExecutionID int64
	Code        string
	Emit        EmitFunc
	// Interrupted reports whether a cooperative interrupt has been
	// requested. The interpreter is expected to poll this at safe points
	// (spec §4.4): bytecode-level boundaries for Python, loop back-edges
	// for TS/JS.
	Interrupted func() bool
}

// Terminal is the outcome of one execution (spec §6 "Execute result").
type Terminal struct {
	Success bool
	Error   *events.ExecuteErrorPayload
}

// Interpreter is one running interpreter instance.
type Interpreter interface {
	// Run executes code to completion, interruption, or ctx cancellation,
	// emitting events as they occur and returning the terminal outcome.
	Run(ctx context.Context, req Request) (Terminal, error)
	// Dispose releases any resources the interpreter holds (e.g. a WASM
	// instance). Called once, during kernel disposal.
	Dispose() error
}

// Factory builds interpreters for a (mode, language) pair. The manager looks
// one up per kernel at creation time; READY is considered reached once New
// returns without error (spec §4.3 startup contract).
type Factory interface {
	New(mode kerneltypes.Mode, language kerneltypes.Language, mount *kerneltypes.MountDescriptor) (Interpreter, error)
}
