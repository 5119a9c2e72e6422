// Package events implements the per-kernel publish/subscribe event bus (C3,
// spec §4.2): stream/display/result/error/stall events delivered synchronously,
// in registration order, to a kernel's listeners.
//
// Grounded on the teacher's kernel/threads/supervisor/channels.go ResultCache:
// a mutex-guarded map keyed by identity, with a defensive copy taken before
// any operation that might re-enter the map (dispatch here, not caching).
package events

import (
	"sync"

	"github.com/kernelforge/kernelmgr/internal/logging"
)

// Kind identifies an event category (spec §4.2).
type Kind string

const (
	Stream            Kind = "STREAM"
	DisplayData       Kind = "DISPLAY_DATA"
	ExecuteResult     Kind = "EXECUTE_RESULT"
	ExecuteError      Kind = "EXECUTE_ERROR"
	ExecutionStalled  Kind = "EXECUTION_STALLED"
)

// StreamPayload is the STREAM event body (spec §6).
type StreamPayload struct {
	Name string // "stdout" | "stderr"
	Text string
}

// DisplayDataPayload is the DISPLAY_DATA event body (spec §6).
type DisplayDataPayload struct {
	Data     map[string]any
	Metadata map[string]any
}

// ExecuteResultPayload is the EXECUTE_RESULT event body (spec §6).
type ExecuteResultPayload struct {
	Data           map[string]any
	Metadata       map[string]any
	ExecutionCount int
}

// ExecuteErrorPayload is the EXECUTE_ERROR event body (spec §6).
type ExecuteErrorPayload struct {
	EName      string
	EValue     string
	Traceback  []string
}

// ExecutionStalledPayload is the EXECUTION_STALLED event body (spec §6),
// emitted by the execution tracker (C5).
type ExecutionStalledPayload struct {
	KernelID    string
	ExecutionID int64
	ElapsedMs   int64
}

// Event is the envelope delivered to listeners.
type Event struct {
	Kind     Kind
	KernelID string
	Payload  any
}

// Listener receives events for one (kernel id, kind) subscription.
type Listener func(Event)

// entry wraps a Listener with an identity token so Off can remove by identity
// even though Go func values aren't comparable.
type entry struct {
	token    *int
	listener Listener
}

// Bus is a per-kernel directory of listener sets keyed by event kind.
type Bus struct {
	log *logging.Logger

	mu       sync.Mutex
	byKernel map[string]map[Kind][]*entry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		log:      logging.New("events"),
		byKernel: make(map[string]map[Kind][]*entry),
	}
}

// On registers listener for kernelID/kind and returns a token usable with Off.
// Duplicate registration is allowed (spec §3 Subscription).
func (b *Bus) On(kernelID string, kind Kind, listener Listener) *int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kinds, ok := b.byKernel[kernelID]
	if !ok {
		kinds = make(map[Kind][]*entry)
		b.byKernel[kernelID] = kinds
	}
	token := new(int)
	kinds[kind] = append(kinds[kind], &entry{token: token, listener: listener})
	return token
}

// Off removes the listener identified by token. Returns false if not found.
// Safe to call during that listener's own dispatch (spec §4.2).
func (b *Bus) Off(kernelID string, kind Kind, token *int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	kinds, ok := b.byKernel[kernelID]
	if !ok {
		return false
	}
	entries, ok := kinds[kind]
	if !ok {
		return false
	}
	for i, e := range entries {
		if e.token == token {
			kinds[kind] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// OffAll drops every subscription for a kernel. Called on destroy (spec §5
// resource policy: "unsubscribe" step of disposal ordering).
func (b *Bus) OffAll(kernelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byKernel, kernelID)
}

// Emit delivers an event synchronously to every listener registered for
// (kernelID, kind), in registration order. A panicking listener is recovered,
// logged, and does not prevent delivery to the remaining listeners (spec
// §4.2, §7).
func (b *Bus) Emit(kernelID string, kind Kind, payload any) {
	b.mu.Lock()
	kinds, ok := b.byKernel[kernelID]
	var snapshot []*entry
	if ok {
		// Copy before releasing the lock: listeners may call On/Off from
		// inside their own dispatch, which must not race the iteration.
		snapshot = append(snapshot, kinds[kind]...)
	}
	b.mu.Unlock()

	ev := Event{Kind: kind, KernelID: kernelID, Payload: payload}
	for _, e := range snapshot {
		b.dispatchOne(e, ev)
	}
}

func (b *Bus) dispatchOne(e *entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener panicked", logging.String("kernel_id", ev.KernelID),
				logging.String("kind", string(ev.Kind)), logging.Any("recovered", r))
		}
	}()
	e.listener(ev)
}
