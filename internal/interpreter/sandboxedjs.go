package interpreter

import (
	"context"
	"fmt"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// SandboxedJSFactory builds SandboxedJS interpreters, a minimal in-process
// stand-in for the real sandboxed JS/TS worker engine (spec §1: the worker
// spawn mechanism and the JS/TS evaluator are external collaborators with
// fixed contracts; this repo owns only the Factory/Interpreter interface
// they must satisfy). Suitable for local development and tests, not for
// running untrusted code.
type SandboxedJSFactory struct{}

// NewSandboxedJSFactory returns a ready-to-use factory.
func NewSandboxedJSFactory() *SandboxedJSFactory { return &SandboxedJSFactory{} }

// New implements Factory for TS and JS.
func (f *SandboxedJSFactory) New(mode kerneltypes.Mode, language kerneltypes.Language, _ *kerneltypes.MountDescriptor) (Interpreter, error) {
	if language != kerneltypes.TS && language != kerneltypes.JS {
		return nil, fmt.Errorf("sandboxed js factory: unsupported language %q", language)
	}
	return &SandboxedJS{}, nil
}

// SandboxedJS evaluates nothing real: it echoes the submitted code back as
// an execute-result payload. It exists so WORKER/TS and WORKER/JS kernels
// have a concrete interpreter to exercise the rest of the manager against.
type SandboxedJS struct{}

// Run implements Interpreter. It honors cooperative interruption by
// checking req.Interrupted before producing its result, matching the
// contract every real interpreter must uphold even though this stand-in has
// no loop to interrupt mid-flight.
func (s *SandboxedJS) Run(_ context.Context, req Request) (Terminal, error) {
	if req.Interrupted() {
		payload := events.ExecuteErrorPayload{EName: "Interrupted", EValue: "execution interrupted before completion"}
		req.Emit(events.ExecuteError, payload)
		return Terminal{Success: false, Error: &payload}, nil
	}

	req.Emit(events.Stream, events.StreamPayload{Name: "stdout", Text: req.Code})
	data := map[string]any{"text/plain": req.Code}
	req.Emit(events.ExecuteResult, events.ExecuteResultPayload{Data: data, ExecutionCount: int(req.ExecutionID)})
	return Terminal{Success: true}, nil
}

// Dispose is a no-op: SandboxedJS holds no resources.
func (s *SandboxedJS) Dispose() error { return nil }
