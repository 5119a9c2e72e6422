// Package kernelhandle implements the kernel handle (C1, spec §4's implicit
// contract and §9's tagged-variant note): a uniform execute/interrupt/
// dispose/subscribe surface over one interpreter, in either of two shapes —
// InProcess (the interpreter runs synchronously in the caller's goroutine,
// spec §5 "shares the manager's event loop") or Worker (a transport.Transport
// drives a separately-scheduled goroutine or out-of-process worker).
//
// Grounded on kernel/threads/supervisor/base.go's BaseSupervisor
// (Submit(job) -> <-chan *Result), trimmed to the four capabilities spec §9
// calls for and generalized from a job-channel to one execution at a time.
package kernelhandle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/interpreter"
	"github.com/kernelforge/kernelmgr/internal/interrupt"
	"github.com/kernelforge/kernelmgr/internal/kernelerr"
	"github.com/kernelforge/kernelmgr/internal/logging"
	"github.com/kernelforge/kernelmgr/internal/transport"
)

// Kind tags which shape a Handle takes (spec §9).
type Kind int

const (
	InProcess Kind = iota
	Worker
)

// Outcome is the terminal result of one Execute call (spec §6 "Execute
// result").
type Outcome struct {
	Success bool
	Error   *events.ExecuteErrorPayload
}

type waiter struct {
	ch chan execResult
}

type execResult struct {
	outcome Outcome
	err     error
}

// Handle is the control surface over one kernel's interpreter.
type Handle struct {
	kind     Kind
	kernelID string
	bus      *events.Bus
	coord    *interrupt.Coordinator
	log      *logging.Logger

	interp interpreter.Interpreter // set for InProcess
	region *interrupt.Region       // set when C7 allocated shared memory

	tr transport.Transport // set for Worker

	execMu     sync.Mutex // serializes Execute per kernel (spec §5 ordering)
	nextExecID atomic.Int64
	disposed   atomic.Bool

	pendingMu sync.Mutex
	pending   map[int64]*waiter
}

// NewInProcess builds an InProcess-kind Handle: Execute calls interp.Run
// directly in the caller's goroutine (spec §5).
func NewInProcess(kernelID string, interp interpreter.Interpreter, region *interrupt.Region, bus *events.Bus) *Handle {
	return &Handle{
		kind:     InProcess,
		kernelID: kernelID,
		interp:   interp,
		region:   region,
		bus:      bus,
		coord:    interrupt.NewCoordinator(kernelID, region, nil),
		log:      logging.New("kernelhandle"),
		pending:  make(map[int64]*waiter),
	}
}

// NewWorker builds a Worker-kind Handle over an already-READY transport
// (callers await KindReady themselves before construction, so the forwarding
// loop never has to special-case startup). If region is non-nil the
// coordinator writes it directly and the transport's own Interrupt becomes a
// no-op (spec §4.4); otherwise interrupt falls back to the transport message.
func NewWorker(kernelID string, tr transport.Transport, region *interrupt.Region, bus *events.Bus) *Handle {
	h := &Handle{
		kind:     Worker,
		kernelID: kernelID,
		tr:       tr,
		region:   region,
		bus:      bus,
		coord:    interrupt.NewCoordinator(kernelID, region, tr),
		log:      logging.New("kernelhandle"),
		pending:  make(map[int64]*waiter),
	}
	go h.forward()
	return h
}

// ID returns the kernel identifier this handle controls.
func (h *Handle) ID() string { return h.kernelID }

// Kind reports whether this handle runs in-process or via a worker transport.
func (h *Handle) Kind() Kind { return h.kind }

func (h *Handle) forward() {
	for msg := range h.tr.Inbound() {
		if msg.Kind == transport.KindReady {
			continue // already awaited before construction
		}
		if h.disposed.Load() {
			// Disposed or force-terminated: pending waiters were already
			// resolved, and no further events are delivered for this kernel.
			continue
		}
		kind := events.Kind(msg.Kind)
		h.bus.Emit(h.kernelID, kind, msg.Payload)

		if kind != events.ExecuteResult && kind != events.ExecuteError {
			continue
		}
		h.pendingMu.Lock()
		w, ok := h.pending[msg.ExecutionID]
		if ok {
			delete(h.pending, msg.ExecutionID)
		}
		h.pendingMu.Unlock()
		if !ok {
			continue
		}
		if kind == events.ExecuteError {
			payload := msg.Payload.(events.ExecuteErrorPayload)
			w.ch <- execResult{outcome: Outcome{Success: false, Error: &payload}}
		} else {
			w.ch <- execResult{outcome: Outcome{Success: true}}
		}
	}
	h.drainPending(kernelerr.ErrKernelDead)
}

func (h *Handle) drainPending(err error) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for id, w := range h.pending {
		w.ch <- execResult{err: err}
		delete(h.pending, id)
	}
}

// Execute submits code and blocks until the terminal event is observed
// (spec §9 "submit + await terminal event"). Submissions are serialized per
// handle (spec §5 ordering guarantee).
func (h *Handle) Execute(ctx context.Context, code string) (Outcome, error) {
	return h.ExecuteTracked(ctx, code, nil)
}

// ExecuteTracked is Execute plus a synchronous onSubmit callback, invoked
// with the assigned execution id before the (potentially long) wait for a
// terminal event. The manager uses this to register the execution with the
// stall tracker (C5) at the same moment the handle commits to running it,
// rather than racing a separate lookup against the execution's own lifetime.
func (h *Handle) ExecuteTracked(ctx context.Context, code string, onSubmit func(execID int64)) (Outcome, error) {
	h.execMu.Lock()
	defer h.execMu.Unlock()

	if h.disposed.Load() {
		return Outcome{}, kernelerr.ErrKernelDead
	}

	id := h.nextExecID.Add(1)
	if onSubmit != nil {
		onSubmit(id)
	}

	if h.kind == InProcess {
		return h.executeInProcess(ctx, id, code)
	}
	return h.executeWorker(ctx, id, code)
}

func (h *Handle) executeInProcess(ctx context.Context, id int64, code string) (Outcome, error) {
	if h.region != nil {
		h.region.Clear()
	}
	req := interpreter.Request{
		ExecutionID: id,
		Code:        code,
		Emit: func(kind events.Kind, payload any) {
			h.bus.Emit(h.kernelID, kind, payload)
		},
		Interrupted: func() bool {
			return h.region != nil && h.region.Get() == interrupt.FlagInterrupt
		},
	}
	terminal, err := h.interp.Run(ctx, req)
	if err != nil {
		payload := events.ExecuteErrorPayload{EName: "InterpreterError", EValue: err.Error()}
		h.bus.Emit(h.kernelID, events.ExecuteError, payload)
		return Outcome{Success: false, Error: &payload}, nil
	}
	return Outcome{Success: terminal.Success, Error: terminal.Error}, nil
}

func (h *Handle) executeWorker(ctx context.Context, id int64, code string) (Outcome, error) {
	w := &waiter{ch: make(chan execResult, 1)}
	h.pendingMu.Lock()
	h.pending[id] = w
	h.pendingMu.Unlock()

	if err := h.tr.Execute(id, code); err != nil {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
		return Outcome{}, fmt.Errorf("kernelhandle: submit: %w", err)
	}

	select {
	case res := <-w.ch:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Interrupt delivers a best-effort cooperative interrupt (spec §4.4).
func (h *Handle) Interrupt() error {
	return h.coord.Interrupt()
}

// Dispose tears the handle down: any Execute still awaiting a terminal event
// resolves with KernelDead rather than hanging forever. Idempotent.
//
// Pending waiters are drained before the transport/interpreter teardown
// starts, not after: a transport torn down mid-execution can itself emit a
// terminal message for the execution it just preempted (e.g. a
// ctx-cancellation error), and that message must lose the race against
// KernelDead rather than win it by arriving at forward() first.
func (h *Handle) Dispose() error {
	if !h.disposed.CompareAndSwap(false, true) {
		return nil
	}
	h.drainPending(kernelerr.ErrKernelDead)
	if h.kind == Worker {
		return h.tr.Dispose()
	}
	return h.interp.Dispose()
}

// ForceTerminate synthesizes an EXECUTE_ERROR with ename ForcedTermination
// for every execution currently awaiting a result, resolves those blocked
// Execute calls with the same outcome, and then disposes (spec §4.8
// forceTerminate). Idempotent; a second call is a no-op.
//
// InProcess executions run synchronously in the caller's goroutine and never
// register a waiter here, so there is nothing to preempt mid-flight; the
// in-flight Execute call keeps running until the interpreter itself returns.
func (h *Handle) ForceTerminate(reason string) error {
	if !h.disposed.CompareAndSwap(false, true) {
		return nil
	}

	h.pendingMu.Lock()
	pending := h.pending
	h.pending = make(map[int64]*waiter)
	h.pendingMu.Unlock()

	payload := events.ExecuteErrorPayload{EName: kernelerr.ForcedTerminationName, EValue: reason}
	for _, w := range pending {
		h.bus.Emit(h.kernelID, events.ExecuteError, payload)
		w.ch <- execResult{outcome: Outcome{Success: false, Error: &payload}}
	}

	if h.kind == Worker {
		return h.tr.Dispose()
	}
	return h.interp.Dispose()
}
