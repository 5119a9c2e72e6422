// Package manager implements the top-level orchestrator (C9, spec §4.8): the
// single entry point that wires admission, the event bus, the kernel pool,
// the execution tracker, the activity supervisor and the interrupt
// coordinator into the public create/destroy/execute/interrupt/restart
// surface.
//
// Grounded on kernel/threads/supervisor/coordinator.go's top-level
// Coordinator: a struct holding a mutex-guarded map of peers plus one field
// per collaborating subsystem (epoch, flowControl, peerSelector), wired
// together at construction and addressed by id thereafter. Here the map
// holds kernel records instead of peers, and the collaborators are the
// manager's own sibling packages instead of mesh subsystems.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kernelforge/kernelmgr/internal/activity"
	"github.com/kernelforge/kernelmgr/internal/admission"
	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/ids"
	"github.com/kernelforge/kernelmgr/internal/interpreter"
	"github.com/kernelforge/kernelmgr/internal/interrupt"
	"github.com/kernelforge/kernelmgr/internal/kernelerr"
	"github.com/kernelforge/kernelmgr/internal/kernelhandle"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
	"github.com/kernelforge/kernelmgr/internal/logging"
	"github.com/kernelforge/kernelmgr/internal/metrics"
	"github.com/kernelforge/kernelmgr/internal/pool"
	"github.com/kernelforge/kernelmgr/internal/ratelimit"
	"github.com/kernelforge/kernelmgr/internal/tracker"
	"github.com/kernelforge/kernelmgr/internal/transport"
)

// Config wires a Manager's dependencies and policy at construction time.
type Config struct {
	// Factory builds interpreters; required.
	Factory interpreter.Factory

	// Admission is the permitted (mode, language) set. Nil selects
	// admission.DefaultPairs(); an explicit empty slice forbids everything.
	Admission []kerneltypes.Pair

	// Pool configures the warm-kernel pool (spec §4.7); zero value disables
	// pooling and every create falls through to on-demand construction.
	Pool pool.Config

	// RateLimit, if non-nil, throttles create per namespace (spec §4.1
	// design note on abuse prevention). Nil disables throttling.
	RateLimit *ratelimit.Limiter

	// Metrics is the registry to record against; a private one is created
	// if nil.
	Metrics *metrics.Registry

	// RegionCapacity bounds how many kernels can hold a shared-memory
	// interrupt region concurrently (spec §4.4); defaults to 256. Kernels
	// beyond this fall back to message-based interrupt, never fail create.
	RegionCapacity int

	// Clock backs the tracker's sweep loop and the activity supervisor's
	// idle timers. Nil selects the real wall clock; tests inject a
	// clock.Mock to drive stalls and idle expiry without sleeping (spec
	// §2.1).
	Clock clock.Clock

	// TrackerTick overrides the tracker's sweep period; zero selects its
	// default (spec §4.5 suggests 500ms).
	TrackerTick time.Duration

	// InterruptGrace overrides how long a cooperative interrupt is given
	// before a repeat request reports ErrInterruptStalled; zero selects
	// tracker.DefaultInterruptGrace (spec §7 InterruptStalled).
	InterruptGrace time.Duration
}

// kernelRecord is the manager's private bookkeeping for one live kernel.
type kernelRecord struct {
	id           string
	namespace    string
	opts         kerneltypes.Options
	handle       *kernelhandle.Handle
	region       *interrupt.Region
	created      time.Time
	isFromPool   bool
	lastActivity time.Time
}

// Manager is the single orchestrator for every kernel the process manages.
type Manager struct {
	factory interpreter.Factory
	policy  *admission.Policy
	limiter *ratelimit.Limiter
	met     *metrics.Registry
	log     *logging.Logger

	idGen       *ids.Generator
	bus         *events.Bus
	tracker     *tracker.Tracker
	activity    *activity.Supervisor
	regionAlloc *interrupt.RegionAllocator
	poolObj     *pool.Pool

	mu      sync.RWMutex
	kernels map[string]*kernelRecord // nil value means "reserved, build in flight"
}

// New builds a Manager and, if cfg.Pool.Enabled, starts warming the pool.
func New(cfg Config) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("manager: Config.Factory is required")
	}

	policy := admission.NewDefault()
	if cfg.Admission != nil {
		policy = admission.New(cfg.Admission)
	}

	met := cfg.Metrics
	if met == nil {
		met = metrics.New()
	}

	regionCap := cfg.RegionCapacity
	if regionCap <= 0 {
		regionCap = 256
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	tick := cfg.TrackerTick
	if tick <= 0 {
		tick = tracker.DefaultTick
	}
	grace := cfg.InterruptGrace
	if grace <= 0 {
		grace = tracker.DefaultInterruptGrace
	}

	m := &Manager{
		factory:     cfg.Factory,
		policy:      policy,
		limiter:     cfg.RateLimit,
		met:         met,
		log:         logging.New("manager"),
		idGen:       ids.NewGenerator(),
		bus:         events.New(),
		regionAlloc: interrupt.NewRegionAllocator(regionCap),
		kernels:     make(map[string]*kernelRecord),
	}
	m.tracker = tracker.NewWithGrace(m.bus, clk, tick, grace)
	m.activity = activity.NewWithClock(clk, m.expire)
	m.poolObj = pool.New(policy, m.buildUnit, cfg.Pool, met)
	return m, nil
}

// Bus exposes the event bus so callers can subscribe before or after create.
func (m *Manager) Bus() *events.Bus { return m.bus }

// buildUnit is the pool.BuildFunc: it builds the id-independent half of a
// kernel (interpreter, plus a transport and its READY handshake for WORKER
// pairs). Pool units never carry a mount (spec §4.7 canonical shape).
func (m *Manager) buildUnit(ctx context.Context, pair kerneltypes.Pair) (*pool.Unit, error) {
	return m.buildUnitFor(ctx, pair, nil)
}

func (m *Manager) buildUnitFor(ctx context.Context, pair kerneltypes.Pair, mount *kerneltypes.MountDescriptor) (*pool.Unit, error) {
	interp, err := m.factory.New(pair.Mode, pair.Language, mount)
	if err != nil {
		return nil, fmt.Errorf("build interpreter: %w", err)
	}

	if pair.Mode == kerneltypes.InProcess {
		return &pool.Unit{Pair: pair, Interp: interp}, nil
	}

	tr := transport.NewChannelTransport(interp)
	select {
	case msg, ok := <-tr.Inbound():
		if !ok || msg.Kind != transport.KindReady {
			_ = tr.Dispose()
			return nil, fmt.Errorf("worker did not report ready")
		}
	case <-ctx.Done():
		_ = tr.Dispose()
		return nil, ctx.Err()
	}
	return &pool.Unit{Pair: pair, Tr: tr}, nil
}

// adopt wraps a pool.Unit (or a freshly built one) into a Handle under
// finalID, allocating a shared-memory interrupt region on a best-effort
// basis (spec §4.4: arena exhaustion falls back to message-based interrupt,
// it never fails kernel creation).
func (m *Manager) adopt(finalID string, unit *pool.Unit) (*kernelhandle.Handle, *interrupt.Region) {
	region, err := m.regionAlloc.Acquire()
	if err != nil {
		region = nil
	}
	if unit.Tr != nil {
		return kernelhandle.NewWorker(finalID, unit.Tr, region, m.bus), region
	}
	return kernelhandle.NewInProcess(finalID, unit.Interp, region, m.bus), region
}

// build produces a Handle for a newly reserved kernel id, preferring a warm
// pool slot when the requested options are pool-compatible (spec §4.7).
func (m *Manager) build(ctx context.Context, finalID string, opts kerneltypes.Options) (*kernelhandle.Handle, *interrupt.Region, bool, error) {
	pair := opts.Pair()

	if opts.PoolCompatible() {
		if unit, ok := m.poolObj.Acquire(pair); ok {
			h, region := m.adopt(finalID, unit)
			return h, region, true, nil
		}
	}

	unit, err := m.buildUnitFor(ctx, pair, opts.Mount)
	if err != nil {
		return nil, nil, false, err
	}
	h, region := m.adopt(finalID, unit)
	return h, region, false, nil
}

// Create allocates and builds a new kernel per opts, returning its final id
// (spec §4.8 create).
func (m *Manager) Create(ctx context.Context, opts kerneltypes.Options) (string, error) {
	if !m.policy.IsAllowed(opts.Mode, opts.Language) {
		return "", kernelerr.ErrPolicyViolation
	}
	if m.limiter != nil && !m.limiter.Allow(opts.Namespace) {
		return "", fmt.Errorf("manager: create throttled for namespace %q", opts.Namespace)
	}

	localID := opts.ID
	if localID == "" {
		localID = m.idGen.New()
	}
	finalID := namespacedID(opts.Namespace, localID)

	if err := m.reserve(finalID); err != nil {
		return "", err
	}
	if err := m.buildAndRegister(ctx, finalID, opts); err != nil {
		m.unreserve(finalID)
		return "", err
	}
	return finalID, nil
}

func namespacedID(namespace, localID string) string {
	if namespace == "" {
		return localID
	}
	return namespace + ":" + localID
}

func (m *Manager) reserve(finalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.kernels[finalID]; exists {
		return kernelerr.ErrDuplicateID
	}
	m.kernels[finalID] = nil
	return nil
}

func (m *Manager) unreserve(finalID string) {
	m.mu.Lock()
	delete(m.kernels, finalID)
	m.mu.Unlock()
}

func (m *Manager) buildAndRegister(ctx context.Context, finalID string, opts kerneltypes.Options) error {
	handle, region, fromPool, err := m.build(ctx, finalID, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", kernelerr.ErrBuildFailed, err)
	}

	now := time.Now()
	rec := &kernelRecord{
		id: finalID, namespace: opts.Namespace, opts: opts, handle: handle,
		region: region, created: now, isFromPool: fromPool, lastActivity: now,
	}

	m.mu.Lock()
	m.kernels[finalID] = rec
	m.mu.Unlock()

	m.activity.Register(finalID, opts.InactivityTimeoutMs)
	m.registerBusTouches(finalID)

	source := kerneltypes.SourceOnDemand
	if fromPool {
		source = kerneltypes.SourcePool
	}
	m.met.KernelsCreated.WithLabelValues(string(opts.Mode), string(opts.Language), string(source)).Inc()
	m.met.KernelsActive.WithLabelValues(string(opts.Mode), string(opts.Language)).Inc()
	return nil
}

// registerBusTouches wires the "kernel-originated event refreshes activity"
// rule (spec §4.6) and stall-count metrics, once per kernel.
func (m *Manager) registerBusTouches(id string) {
	touch := func(events.Event) { m.touchActivity(id) }
	m.bus.On(id, events.Stream, touch)
	m.bus.On(id, events.DisplayData, touch)
	m.bus.On(id, events.ExecuteResult, touch)
	m.bus.On(id, events.ExecuteError, touch)
	m.bus.On(id, events.ExecutionStalled, func(events.Event) {
		m.met.Stalls.WithLabelValues(id).Inc()
	})
}

func (m *Manager) touchActivity(id string) {
	m.activity.Touch(id)
	m.mu.Lock()
	if rec, ok := m.kernels[id]; ok && rec != nil {
		rec.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// expire is the activity supervisor's ExpireFunc: an idle kernel is
// destroyed the same way an explicit Destroy would (spec §4.6).
func (m *Manager) expire(id string) {
	if err := m.Destroy(id); err != nil {
		m.log.Warn("idle expiry destroy failed", logging.String("kernel_id", id), logging.Err(err))
	}
}

func (m *Manager) getRecord(id string) (*kernelRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.kernels[id]
	if !ok || rec == nil {
		return nil, false
	}
	return rec, true
}

// lookup distinguishes "no such id" from "id reserved, build in flight"
// (either a brand new Create or a Restart mid-rebuild): the latter must
// never be reported as NotFound to a caller trying to use the kernel (spec
// §8 boundary behaviour).
func (m *Manager) lookup(id string) (rec *kernelRecord, reserved bool, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kernels[id]
	if !ok {
		return nil, false, false
	}
	if v == nil {
		return nil, true, true
	}
	return v, false, true
}

func (m *Manager) removeRecord(id string) (*kernelRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.kernels[id]
	if !ok || rec == nil {
		return nil, false
	}
	delete(m.kernels, id)
	return rec, true
}

// Destroy tears a kernel down in order: stop timers, unsubscribe, dispose
// the transport, release its interrupt region (spec §5 resource policy).
func (m *Manager) Destroy(id string) error {
	rec, ok := m.removeRecord(id)
	if !ok {
		return kernelerr.ErrNotFound
	}
	m.teardown(id, rec)

	m.met.KernelsDestroyed.WithLabelValues("explicit").Inc()
	m.met.KernelsActive.WithLabelValues(string(rec.opts.Mode), string(rec.opts.Language)).Dec()
	return nil
}

// teardown releases everything a live record owns except the map entry
// itself: timers, subscriptions, the transport/interpreter, the interrupt
// region. Callers are responsible for the map entry (Destroy removes it
// outright; Restart instead leaves a reserved marker so the id never
// appears absent).
func (m *Manager) teardown(id string, rec *kernelRecord) {
	m.activity.Forget(id)
	m.tracker.ForgetKernel(id)
	m.bus.OffAll(id)
	_ = rec.handle.Dispose()
	if rec.region != nil {
		rec.region.Release()
	}
}

// ForceTerminate synthesizes EXECUTE_ERROR(ForcedTermination) for every open
// execution on the kernel, resolves any blocked Execute call with it, then
// disposes (spec §4.8 forceTerminate). reason is carried as the error's
// EValue.
func (m *Manager) ForceTerminate(id string, reason string) error {
	rec, ok := m.removeRecord(id)
	if !ok {
		return kernelerr.ErrNotFound
	}

	_ = rec.handle.ForceTerminate(reason) // emits EXECUTE_ERROR(s) before disposing

	m.activity.Forget(id)
	m.tracker.ForgetKernel(id)
	m.bus.OffAll(id)
	if rec.region != nil {
		rec.region.Release()
	}

	m.met.KernelsDestroyed.WithLabelValues("forced").Inc()
	m.met.KernelsActive.WithLabelValues(string(rec.opts.Mode), string(rec.opts.Language)).Dec()
	return nil
}

// DestroyAll destroys every kernel in namespace, or every kernel managed by
// the process when namespace is empty (spec §4.8 destroyAll). Returns how
// many were destroyed.
func (m *Manager) DestroyAll(namespace string) int {
	n := 0
	for _, id := range m.idsInNamespace(namespace) {
		if m.Destroy(id) == nil {
			n++
		}
	}
	return n
}

func (m *Manager) idsInNamespace(namespace string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := namespace + ":"
	out := make([]string, 0, len(m.kernels))
	for id, rec := range m.kernels {
		if rec == nil {
			continue
		}
		if namespace == "" || strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out
}

// Restart destroys the current instance and builds a fresh one under the
// exact same id, mode, language and timeouts (spec §4.8 restart). The old
// record is swapped for the same reserved marker Create uses, in the same
// locked step that reads it, so the id is never briefly absent from
// m.kernels: a concurrent Execute racing the rebuild always finds either the
// old record (if it wins the race) or the reserved marker (KernelDead), never
// a miss (NotFound) (spec §8 boundary behaviour). If the rebuild fails, the
// id is left unreserved entirely and the caller sees BuildFailed.
func (m *Manager) Restart(ctx context.Context, id string) error {
	rec, err := m.beginRestart(id)
	if err != nil {
		return err
	}
	m.teardown(id, rec)
	m.met.KernelsDestroyed.WithLabelValues("explicit").Inc()
	m.met.KernelsActive.WithLabelValues(string(rec.opts.Mode), string(rec.opts.Language)).Dec()

	if err := m.buildAndRegister(ctx, id, rec.opts); err != nil {
		m.unreserve(id)
		return err
	}
	return nil
}

// beginRestart atomically replaces id's live record with the reserved
// marker, in the same critical section that confirms a live record exists.
func (m *Manager) beginRestart(id string) (*kernelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.kernels[id]
	if !ok || rec == nil {
		return nil, kernelerr.ErrNotFound
	}
	m.kernels[id] = nil
	return rec, nil
}

// Interrupt delivers a best-effort cooperative interrupt (spec §4.4, §4.8).
// If an earlier interrupt on this kernel's current execution already missed
// its grace window, this reports ErrInterruptStalled instead of delivering a
// redundant signal, leaving escalation to forceTerminate up to the caller
// (spec §7 InterruptStalled).
func (m *Manager) Interrupt(id string) error {
	rec, reserved, found := m.lookup(id)
	if !found {
		return kernelerr.ErrNotFound
	}
	if reserved {
		return kernelerr.ErrKernelDead
	}
	if m.tracker.InterruptStalled(id) {
		return kernelerr.ErrInterruptStalled
	}
	if err := rec.handle.Interrupt(); err != nil {
		return err
	}
	m.tracker.MarkInterruptRequested(id)
	return nil
}

// Execute submits code to a kernel and blocks until its terminal event (spec
// §4.8 execute). The execution is registered with the stall tracker at the
// moment the handle commits to running it and closed once it returns,
// regardless of outcome.
func (m *Manager) Execute(ctx context.Context, id string, code string) (kernelhandle.Outcome, error) {
	rec, reserved, found := m.lookup(id)
	if !found {
		return kernelhandle.Outcome{}, kernelerr.ErrNotFound
	}
	if reserved {
		// id exists but is mid-restart (or a just-reserved Create): never
		// completes on the old kernel, never reports NotFound (spec §8).
		return kernelhandle.Outcome{}, kernelerr.ErrKernelDead
	}

	maxExec := time.Duration(rec.opts.MaxExecutionTimeMs) * time.Millisecond
	var execID int64
	outcome, err := rec.handle.ExecuteTracked(ctx, code, func(assigned int64) {
		execID = assigned
		m.tracker.Submit(id, assigned, maxExec)
	})
	if execID != 0 {
		m.tracker.Close(id, execID)
	}
	if err == nil {
		m.touchActivity(id)
	}
	return outcome, err
}

// Ping refreshes a kernel's last-activity timestamp without executing
// anything (spec §4.8 ping), reporting whether the kernel exists.
func (m *Manager) Ping(id string) bool {
	if _, ok := m.getRecord(id); !ok {
		return false
	}
	m.touchActivity(id)
	return true
}

// SetInactivityTimeout changes a kernel's idle timeout, re-arming
// immediately against its existing last-activity (spec §4.6, §4.8).
// Reports whether the kernel exists.
func (m *Manager) SetInactivityTimeout(id string, timeoutMs int64) bool {
	m.mu.Lock()
	rec, ok := m.kernels[id]
	if ok && rec != nil {
		rec.opts.InactivityTimeoutMs = timeoutMs
	}
	m.mu.Unlock()
	if !ok || rec == nil {
		return false
	}
	return m.activity.SetTimeout(id, timeoutMs)
}

// List returns descriptors for every kernel in namespace, or every kernel
// managed by the process when namespace is empty (spec §4.8 list).
func (m *Manager) List(namespace string) []kerneltypes.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := namespace + ":"
	out := make([]kerneltypes.Descriptor, 0, len(m.kernels))
	for id, rec := range m.kernels {
		if rec == nil {
			continue
		}
		if namespace != "" && !strings.HasPrefix(id, prefix) {
			continue
		}
		out = append(out, kerneltypes.Descriptor{
			ID: id, Namespace: rec.namespace, Mode: rec.opts.Mode, Language: rec.opts.Language,
			Created: rec.created, IsFromPool: rec.isFromPool, LastActivity: rec.lastActivity,
		})
	}
	return out
}

// ExecutionInfo reports the open-execution summary spec §4.5 exposes for
// diagnostics: how many executions are in flight on kernelID, whether any of
// them is past its deadline, and the longest running time among them.
func (m *Manager) ExecutionInfo(kernelID string) (count int, isStuck bool, longestRunningMs int64) {
	now := time.Now()
	for _, rec := range m.tracker.Active(kernelID) {
		count++
		if rec.Status == tracker.Stalled || (!rec.Deadline.IsZero() && now.After(rec.Deadline)) {
			isStuck = true
		}
		if running := now.Sub(rec.Submitted).Milliseconds(); running > longestRunningMs {
			longestRunningMs = running
		}
	}
	return count, isStuck, longestRunningMs
}

// PoolStats passes through the kernel pool's per-pair occupancy (spec §4.7).
func (m *Manager) PoolStats() map[kerneltypes.Pair]pool.Stat {
	return m.poolObj.Stats()
}

// On subscribes listener to kernelID's kind events (spec §4.8 on), reporting
// whether the kernel exists.
func (m *Manager) On(kernelID string, kind events.Kind, listener events.Listener) (*int, bool) {
	if _, ok := m.getRecord(kernelID); !ok {
		return nil, false
	}
	return m.bus.On(kernelID, kind, listener), true
}

// Off removes a subscription previously returned by On (spec §4.8 off).
func (m *Manager) Off(kernelID string, kind events.Kind, token *int) bool {
	if _, ok := m.getRecord(kernelID); !ok {
		return false
	}
	return m.bus.Off(kernelID, kind, token)
}

// Close destroys every managed kernel and shuts down the pool and tracker.
// Intended for process shutdown.
func (m *Manager) Close() {
	for _, id := range m.idsInNamespace("") {
		_ = m.Destroy(id)
	}
	m.poolObj.Shutdown()
	m.tracker.Stop()
}
