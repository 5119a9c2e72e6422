// Package testsupport provides deterministic test doubles for the
// interpreter.Factory/Interpreter contract, used by every package that needs
// a kernel without depending on a real WASM module or JS engine.
package testsupport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/interpreter"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// FakeInterpreter is a controllable Interpreter: by default it completes
// Run immediately, or — when built blocking — holds until Complete is
// called, ctx is cancelled, or the request's interrupt flag is observed.
type FakeInterpreter struct {
	blocking   bool
	completeCh chan struct{}

	mu       sync.Mutex
	disposed bool
	runCount int
}

// NewFakeInterpreter returns a FakeInterpreter. blocking=false completes
// every Run call immediately with a successful result.
func NewFakeInterpreter(blocking bool) *FakeInterpreter {
	return &FakeInterpreter{blocking: blocking, completeCh: make(chan struct{}, 64)}
}

// Run implements interpreter.Interpreter.
func (f *FakeInterpreter) Run(ctx context.Context, req interpreter.Request) (interpreter.Terminal, error) {
	f.mu.Lock()
	f.runCount++
	f.mu.Unlock()

	if !f.blocking {
		req.Emit(events.ExecuteResult, events.ExecuteResultPayload{ExecutionCount: int(req.ExecutionID)})
		return interpreter.Terminal{Success: true}, nil
	}

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.completeCh:
			req.Emit(events.ExecuteResult, events.ExecuteResultPayload{ExecutionCount: int(req.ExecutionID)})
			return interpreter.Terminal{Success: true}, nil
		case <-ctx.Done():
			return interpreter.Terminal{}, ctx.Err()
		case <-ticker.C:
			if req.Interrupted() {
				payload := events.ExecuteErrorPayload{EName: "Interrupted", EValue: "execution interrupted"}
				req.Emit(events.ExecuteError, payload)
				return interpreter.Terminal{Success: false, Error: &payload}, nil
			}
		}
	}
}

// Complete unblocks one pending (or future) blocking Run call.
func (f *FakeInterpreter) Complete() {
	select {
	case f.completeCh <- struct{}{}:
	default:
	}
}

// RunCount returns how many times Run has been called; useful for asserting
// restart produced a fresh interpreter rather than reusing the old one.
func (f *FakeInterpreter) RunCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCount
}

// Dispose implements interpreter.Interpreter.
func (f *FakeInterpreter) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
	return nil
}

// Disposed reports whether Dispose has been called.
func (f *FakeInterpreter) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// FakeFactory is an interpreter.Factory that builds FakeInterpreters, and can
// be configured to fail for specific (mode, language) pairs to exercise
// BuildFailed.
type FakeFactory struct {
	mu       sync.Mutex
	Blocking bool
	FailFor  map[kerneltypes.Pair]bool
	BuildDelay time.Duration

	built int
	lastBuilt *FakeInterpreter
}

// NewFakeFactory returns a ready FakeFactory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{FailFor: make(map[kerneltypes.Pair]bool)}
}

// New implements interpreter.Factory.
func (f *FakeFactory) New(mode kerneltypes.Mode, language kerneltypes.Language, _ *kerneltypes.MountDescriptor) (interpreter.Interpreter, error) {
	f.mu.Lock()
	fail := f.FailFor[kerneltypes.Pair{Mode: mode, Language: language}]
	delay := f.BuildDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("fake factory: configured failure for %s/%s", mode, language)
	}

	ki := NewFakeInterpreter(f.Blocking)
	f.mu.Lock()
	f.built++
	f.lastBuilt = ki
	f.mu.Unlock()
	return ki, nil
}

// BuiltCount returns how many interpreters have been successfully built.
func (f *FakeFactory) BuiltCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

// LastBuilt returns the most recently built FakeInterpreter, or nil.
func (f *FakeFactory) LastBuilt() *FakeInterpreter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBuilt
}
