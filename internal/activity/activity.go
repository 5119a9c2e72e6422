// Package activity implements the activity supervisor (C6, spec §4.6): a
// single-shot, re-armable idle timer per kernel that requests destruction
// through the manager once a kernel has been quiet for its configured
// inactivity timeout.
//
// Grounded, like tracker, on the teacher's timer/notification style in
// kernel/threads/foundation/epoch.go, using github.com/benbjohnson/clock so
// tests advance a mock clock instead of sleeping (spec §2.1).
package activity

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kernelforge/kernelmgr/internal/logging"
)

// ExpireFunc is invoked (off the supervisor's lock) when a kernel's idle
// timer fires; the caller is expected to destroy the kernel.
type ExpireFunc func(kernelID string)

type kernelTimer struct {
	timer        *clock.Timer
	timeout      time.Duration // <=0 means disabled
	lastActivity time.Time
}

// Supervisor tracks last-activity and the idle timer for every registered
// kernel.
type Supervisor struct {
	clk      clock.Clock
	log      *logging.Logger
	onExpire ExpireFunc

	mu     sync.Mutex
	timers map[string]*kernelTimer
}

// New builds a Supervisor against the real wall clock.
func New(onExpire ExpireFunc) *Supervisor {
	return NewWithClock(clock.New(), onExpire)
}

// NewWithClock builds a Supervisor against an injected clock.
func NewWithClock(clk clock.Clock, onExpire ExpireFunc) *Supervisor {
	return &Supervisor{
		clk:      clk,
		log:      logging.New("activity"),
		onExpire: onExpire,
		timers:   make(map[string]*kernelTimer),
	}
}

// Register starts tracking a newly-created kernel, arming its idle timer if
// timeoutMs is positive (spec §4.6, §3 kernel creation side effects).
func (s *Supervisor) Register(kernelID string, timeoutMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kt := &kernelTimer{lastActivity: s.clk.Now()}
	s.timers[kernelID] = kt
	s.arm(kernelID, kt, time.Duration(timeoutMs)*time.Millisecond)
}

// Touch refreshes a kernel's last-activity timestamp to now and re-arms its
// timer for the full timeout: called on successful submit, ping, and
// kernel-originated events (spec §4.6).
func (s *Supervisor) Touch(kernelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kt, ok := s.timers[kernelID]
	if !ok {
		return
	}
	kt.lastActivity = s.clk.Now()
	s.arm(kernelID, kt, kt.timeout)
}

// SetTimeout changes a kernel's inactivity timeout. It takes effect
// immediately and re-arms against the kernel's *existing* last_activity, not
// against now (spec §4.6) — so shortening the timeout below the time already
// elapsed fires the timer on the next tick rather than resetting the clock.
// Returns false if the kernel isn't registered.
func (s *Supervisor) SetTimeout(kernelID string, timeoutMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kt, ok := s.timers[kernelID]
	if !ok {
		return false
	}
	s.arm(kernelID, kt, time.Duration(timeoutMs)*time.Millisecond)
	return true
}

// Forget stops and discards a kernel's timer, e.g. on destroy.
func (s *Supervisor) Forget(kernelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kt, ok := s.timers[kernelID]
	if !ok {
		return
	}
	if kt.timer != nil {
		kt.timer.Stop()
	}
	delete(s.timers, kernelID)
}

// arm must be called with s.mu held.
func (s *Supervisor) arm(kernelID string, kt *kernelTimer, timeout time.Duration) {
	kt.timeout = timeout
	if kt.timer != nil {
		kt.timer.Stop()
		kt.timer = nil
	}
	if timeout <= 0 {
		return
	}
	delay := kt.lastActivity.Add(timeout).Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	kt.timer = s.clk.AfterFunc(delay, func() { s.fire(kernelID) })
}

func (s *Supervisor) fire(kernelID string) {
	s.mu.Lock()
	_, ok := s.timers[kernelID]
	if ok {
		delete(s.timers, kernelID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info("kernel idle timeout expired", logging.String("kernel_id", kernelID))
	s.onExpire(kernelID)
}
