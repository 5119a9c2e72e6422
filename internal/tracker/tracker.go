// Package tracker implements the execution tracker (C5, spec §4.5): a
// directory of in-flight execution records per kernel, swept periodically
// for deadline violations.
//
// Grounded on the teacher's kernel/threads/foundation/epoch.go, which drives
// a periodic background check off a shared timer; here the timer comes from
// github.com/benbjohnson/clock (already in the teacher's dependency graph,
// transitively) so tests can advance time deterministically instead of
// sleeping real wall-clock milliseconds.
package tracker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/logging"
)

// Status is an execution record's lifecycle state (spec §3 Execution Record).
type Status string

const (
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Stalled   Status = "STALLED"
	Cancelled Status = "CANCELLED"
)

// Record is one in-flight (or just-closed) execution (spec §3).
type Record struct {
	KernelID    string
	ExecutionID int64
	Submitted   time.Time
	Deadline    time.Time // zero value means no deadline configured
	Status      Status

	// InterruptRequested is when a cooperative interrupt was first asked for
	// on this execution; zero means none has been requested yet (spec §4.4,
	// §7 InterruptStalled).
	InterruptRequested time.Time
}

type key struct {
	kernelID    string
	executionID int64
}

// Tracker maintains the kernel -> execution-record directory and sweeps it
// for stalls (spec §4.5).
type Tracker struct {
	bus            *events.Bus
	clk            clock.Clock
	log            *logging.Logger
	tick           time.Duration
	interruptGrace time.Duration

	mu      sync.Mutex
	records map[key]*Record

	stop chan struct{}
	done chan struct{}
}

// DefaultTick is the sweep period spec §4.5 suggests ("e.g., 500ms").
const DefaultTick = 500 * time.Millisecond

// DefaultInterruptGrace is how long a cooperative interrupt is given to stop
// an execution before a repeat request is reported as stalled (spec §7
// InterruptStalled).
const DefaultInterruptGrace = 2 * time.Second

// New builds a Tracker using the real wall clock and starts its sweep loop.
func New(bus *events.Bus) *Tracker {
	return NewWithClock(bus, clock.New(), DefaultTick)
}

// NewWithClock builds a Tracker against an injected clock.Clock, letting
// tests drive the sweep deterministically via clock.Mock (spec §2.1: no
// time.Sleep in timer-driven components). The interrupt grace window
// defaults to DefaultInterruptGrace; use NewWithGrace to override it.
func NewWithClock(bus *events.Bus, clk clock.Clock, tick time.Duration) *Tracker {
	return NewWithGrace(bus, clk, tick, DefaultInterruptGrace)
}

// NewWithGrace is NewWithClock with an explicit interrupt grace window.
func NewWithGrace(bus *events.Bus, clk clock.Clock, tick, interruptGrace time.Duration) *Tracker {
	t := &Tracker{
		bus:            bus,
		clk:            clk,
		log:            logging.New("tracker"),
		tick:           tick,
		interruptGrace: interruptGrace,
		records:        make(map[key]*Record),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Submit opens a RUNNING record for (kernelID, executionID). maxExecutionTime
// of zero means no deadline (spec §3: "deadline... if enabled").
func (t *Tracker) Submit(kernelID string, executionID int64, maxExecutionTime time.Duration) {
	now := t.clk.Now()
	rec := &Record{
		KernelID:    kernelID,
		ExecutionID: executionID,
		Submitted:   now,
		Status:      Running,
	}
	if maxExecutionTime > 0 {
		rec.Deadline = now.Add(maxExecutionTime)
	}

	t.mu.Lock()
	t.records[key{kernelID, executionID}] = rec
	t.mu.Unlock()
}

// Close removes a record on any terminal event (result, error, cancellation
// acknowledgement; spec §4.5).
func (t *Tracker) Close(kernelID string, executionID int64) {
	t.mu.Lock()
	delete(t.records, key{kernelID, executionID})
	t.mu.Unlock()
}

// Active returns a defensive snapshot of the still-open records for a
// kernel, in no particular order.
func (t *Tracker) Active(kernelID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for k, rec := range t.records {
		if k.kernelID == kernelID {
			out = append(out, *rec)
		}
	}
	return out
}

// MarkInterruptRequested stamps the first-interrupt time on every still-
// running record for kernelID. Repeat calls before the record closes leave
// the original timestamp alone, so the grace window is measured from the
// first request, not the most recent one.
func (t *Tracker) MarkInterruptRequested(kernelID string) {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, rec := range t.records {
		if k.kernelID != kernelID || rec.Status != Running {
			continue
		}
		if rec.InterruptRequested.IsZero() {
			rec.InterruptRequested = now
		}
	}
}

// InterruptStalled reports whether kernelID has a still-running execution
// whose interrupt was requested more than the grace window ago (spec §7
// InterruptStalled): the cooperative signal was delivered but never
// observed in time.
func (t *Tracker) InterruptStalled(kernelID string) bool {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, rec := range t.records {
		if k.kernelID != kernelID || rec.Status != Running || rec.InterruptRequested.IsZero() {
			continue
		}
		if now.Sub(rec.InterruptRequested) > t.interruptGrace {
			return true
		}
	}
	return false
}

// ForgetKernel drops every record belonging to a destroyed kernel.
func (t *Tracker) ForgetKernel(kernelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.records {
		if k.kernelID == kernelID {
			delete(t.records, k)
		}
	}
}

// Stop halts the sweep loop.
func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Tracker) sweepLoop() {
	defer close(t.done)
	ticker := t.clk.Ticker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clk.Now()

	t.mu.Lock()
	var stalled []Record
	for _, rec := range t.records {
		if rec.Status != Running {
			continue
		}
		if rec.Deadline.IsZero() || now.Before(rec.Deadline) {
			continue
		}
		rec.Status = Stalled
		stalled = append(stalled, *rec)
	}
	t.mu.Unlock()

	for _, rec := range stalled {
		elapsed := now.Sub(rec.Submitted)
		t.log.Warn("execution stalled", logging.String("kernel_id", rec.KernelID),
			logging.Int64("execution_id", rec.ExecutionID), logging.Duration("elapsed", elapsed))
		t.bus.Emit(rec.KernelID, events.ExecutionStalled, events.ExecutionStalledPayload{
			KernelID:    rec.KernelID,
			ExecutionID: rec.ExecutionID,
			ElapsedMs:   elapsed.Milliseconds(),
		})
	}
}
