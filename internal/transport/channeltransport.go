package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/interpreter"
	"github.com/kernelforge/kernelmgr/internal/interrupt"
	"github.com/kernelforge/kernelmgr/internal/logging"
)

type commandKind int

const (
	cmdExecute commandKind = iota
	cmdInterrupt
	cmdDispose
)

type command struct {
	kind        commandKind
	executionID int64
	code        string
}

// ChannelTransport is an in-process stand-in for an out-of-thread worker: a
// single goroutine pulls commands off outbound and drives one
// interpreter.Interpreter, exactly as the teacher's ChannelSet drives one
// worker thread from a JobQueue (kernel/threads/supervisor/channels.go).
type ChannelTransport struct {
	interp interpreter.Interpreter
	log    *logging.Logger

	inbound  chan InboundMessage
	outbound chan command

	interrupted boolFlag
	region      *interrupt.Region // non-nil when C7 allocated shared memory for this kernel

	mu       sync.RWMutex // guards disposed/outbound close
	disposed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannelTransport starts the worker goroutine and immediately reports
// READY: the interpreter was already built by the caller's factory, so there
// is no separate startup handshake to wait for (spec §4.3). Interruption uses
// the in-band message path (Interrupt/cmdInterrupt) since no shared-memory
// region is attached.
func NewChannelTransport(interp interpreter.Interpreter) *ChannelTransport {
	return newChannelTransport(interp, nil)
}

// NewChannelTransportWithRegion is identical, except the interpreter polls
// region instead of the transport's own interrupt flag (spec §4.4's
// shared-memory path). Transport.Interrupt becomes a no-op in this mode:
// the interrupt coordinator writes region directly and never calls it.
func NewChannelTransportWithRegion(interp interpreter.Interpreter, region *interrupt.Region) *ChannelTransport {
	return newChannelTransport(interp, region)
}

func newChannelTransport(interp interpreter.Interpreter, region *interrupt.Region) *ChannelTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &ChannelTransport{
		interp:   interp,
		region:   region,
		log:      logging.New("transport.channel"),
		inbound:  make(chan InboundMessage, 64),
		outbound: make(chan command, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.loop()
	t.inbound <- InboundMessage{Kind: KindReady}
	return t
}

func (t *ChannelTransport) loop() {
	defer close(t.done)
	for cmd := range t.outbound {
		switch cmd.kind {
		case cmdExecute:
			t.runOne(cmd)
		case cmdInterrupt:
			t.interrupted.set(true)
		case cmdDispose:
			t.cancel()
			if err := t.interp.Dispose(); err != nil {
				t.log.Warn("interpreter dispose failed", logging.Err(err))
			}
			close(t.inbound)
			return
		}
	}
}

func (t *ChannelTransport) runOne(cmd command) {
	t.interrupted.set(false)
	if t.region != nil {
		t.region.Clear()
	}
	interrupted := t.interrupted.get
	if t.region != nil {
		interrupted = func() bool { return t.region.Get() == interrupt.FlagInterrupt }
	}
	req := interpreter.Request{
		ExecutionID: cmd.executionID,
		Code:        cmd.code,
		Emit: func(kind events.Kind, payload any) {
			t.safeSendInbound(InboundMessage{Kind: InboundKind(kind), ExecutionID: cmd.executionID, Payload: payload})
		},
		Interrupted: interrupted,
	}

	_, err := t.interp.Run(t.ctx, req)
	if err != nil {
		payload := events.ExecuteErrorPayload{EName: "TransportError", EValue: err.Error()}
		t.safeSendInbound(InboundMessage{Kind: InboundKind(events.ExecuteError), ExecutionID: cmd.executionID, Payload: payload})
	}
}

// safeSendInbound drops the message rather than panicking if Dispose raced
// the send and already closed inbound; the kernel is on its way out anyway.
func (t *ChannelTransport) safeSendInbound(msg InboundMessage) {
	defer func() { _ = recover() }()
	t.inbound <- msg
}

// Execute implements Transport. Submissions are queued on outbound and
// processed strictly in order by loop, giving the single-flight-per-kernel
// ordering spec §5 requires.
func (t *ChannelTransport) Execute(executionID int64, code string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.disposed {
		return fmt.Errorf("transport: disposed")
	}
	t.outbound <- command{kind: cmdExecute, executionID: executionID, code: code}
	return nil
}

// Interrupt implements Transport. A no-op when a shared-memory region is
// attached: the interrupt coordinator writes that region directly and never
// reaches this method in that configuration (spec §4.4).
func (t *ChannelTransport) Interrupt() error {
	if t.region != nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.disposed {
		return nil
	}
	t.outbound <- command{kind: cmdInterrupt}
	return nil
}

// Dispose implements Transport. Idempotent: a second call is a no-op.
//
// t.cancel runs here, synchronously, rather than waiting for loop to dequeue
// cmdDispose: loop only dequeues between executions, and a currently-running
// interp.Run may be blocked indefinitely (e.g. an interpreter stuck in a
// tight loop waiting on a cooperative interrupt it never sees). Cancelling
// immediately unblocks it via the ctx-cancellation leg of the Interpreter
// contract (spec §4.4, interpreter.Run's "to completion, interruption, or
// ctx cancellation"), letting loop drain back to cmdDispose and finish.
func (t *ChannelTransport) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	t.cancel()
	t.outbound <- command{kind: cmdDispose}
	close(t.outbound)
	t.mu.Unlock()

	<-t.done
	return nil
}

// Inbound implements Transport.
func (t *ChannelTransport) Inbound() <-chan InboundMessage {
	return t.inbound
}

// boolFlag is a tiny mutex-guarded bool; atomic.Bool would do but this
// matches the plain-field style the teacher uses for small flags.
type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *boolFlag) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *boolFlag) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}
