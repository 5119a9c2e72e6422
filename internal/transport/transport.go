// Package transport implements the worker transport (C2, spec §4.3): a
// duplex message channel carrying EXECUTE/INTERRUPT/DISPOSE outbound and
// READY/STREAM/DISPLAY_DATA/EXECUTE_RESULT/EXECUTE_ERROR inbound.
//
// Two implementations ship here: ChannelTransport, an in-process goroutine
// standing in for an out-of-thread worker (grounded on the teacher's
// kernel/threads/supervisor/channels.go ChannelSet), and WSTransport, which
// talks to an external worker process over a websocket (see wstransport.go).
package transport

// InboundKind mirrors events.Kind plus the transport-only READY signal
// (spec §4.3).
type InboundKind string

const KindReady InboundKind = "READY"

// InboundMessage is one message flowing from the worker back to the manager.
type InboundMessage struct {
	Kind        InboundKind
	ExecutionID int64
	Payload     any
}

// Transport is the duplex channel to one kernel's worker.
type Transport interface {
	// Execute submits code for execution. It does not block for the
	// terminal event; that arrives later on Inbound(). Submissions queue:
	// a Transport processes them strictly in submission order (spec §5).
	Execute(executionID int64, code string) error
	// Interrupt delivers an in-band INTERRUPT message (spec §4.3's
	// fallback path; races with EXECUTE per spec §4.3).
	Interrupt() error
	// Dispose tears down the transport. Idempotent.
	Dispose() error
	// Inbound is closed once Dispose completes.
	Inbound() <-chan InboundMessage
}
