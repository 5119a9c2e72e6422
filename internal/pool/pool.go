// Package pool implements the kernel pool (C8, spec §4.7): per-(mode,
// language) pre-warming with a target size, refill triggered only on
// acquisition (never on return — handed-out units are never returned, only
// rebuilt from scratch), and a circuit breaker around the build function so
// a failing interpreter/worker doesn't spin the pool in a tight retry loop.
//
// Grounded on kernel/threads/registry/loader.go's mutex-guarded,
// tuple-keyed map (ModuleRegistry), generalized from module lookup to
// warm-kernel bookkeeping, plus the teacher's direct dependency on
// sony/gobreaker around the build step.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/kernelforge/kernelmgr/internal/admission"
	"github.com/kernelforge/kernelmgr/internal/interpreter"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
	"github.com/kernelforge/kernelmgr/internal/logging"
	"github.com/kernelforge/kernelmgr/internal/metrics"
	"github.com/kernelforge/kernelmgr/internal/transport"
	"github.com/sony/gobreaker"
)

// Unit is one pre-built, not-yet-adopted kernel (spec §3 "Pool Slot"). The
// manager assigns the final id/namespace and wraps these into a
// kernelhandle.Handle at acquisition time; the pool only owns the expensive,
// id-independent part of construction.
type Unit struct {
	Pair   kerneltypes.Pair
	Interp interpreter.Interpreter
	Tr     transport.Transport // nil for IN_PROCESS
}

func (u *Unit) dispose() {
	if u.Tr != nil {
		_ = u.Tr.Dispose()
		return
	}
	_ = u.Interp.Dispose()
}

// BuildFunc builds one Unit for a (mode, language) pair, including awaiting
// READY on its transport if the pair is WORKER-mode (spec §4.3 startup
// contract applies equally to pool-built kernels).
type BuildFunc func(ctx context.Context, pair kerneltypes.Pair) (*Unit, error)

// Config mirrors the admission configuration's pool section (spec §6).
type Config struct {
	Enabled    bool
	PoolSize   int
	AutoRefill bool
	Preload    []kerneltypes.Pair
}

// Stat is one pair's pool occupancy, as exposed by Stats.
type Stat struct {
	Available int
	Target    int
}

// Pool is the per-(mode,language) warm-kernel pool.
type Pool struct {
	build BuildFunc
	log   *logging.Logger
	met   *metrics.Registry

	autoRefill bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	targets  map[kerneltypes.Pair]int
	slots    map[kerneltypes.Pair][]*Unit
	building map[kerneltypes.Pair]int
	breakers map[kerneltypes.Pair]*gobreaker.CircuitBreaker
	closed   bool
}

// New builds a Pool and, if cfg.Enabled, starts warming every admitted
// preload pair up to cfg.PoolSize (spec §4.7, §4.1 "forbidden preload entry
// is silently dropped").
func New(policy *admission.Policy, build BuildFunc, cfg Config, met *metrics.Registry) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		build:      build,
		log:        logging.New("pool"),
		met:        met,
		autoRefill: cfg.AutoRefill,
		ctx:        ctx,
		cancel:     cancel,
		targets:    make(map[kerneltypes.Pair]int),
		slots:      make(map[kerneltypes.Pair][]*Unit),
		building:   make(map[kerneltypes.Pair]int),
		breakers:   make(map[kerneltypes.Pair]*gobreaker.CircuitBreaker),
	}

	if !cfg.Enabled {
		return p
	}
	for _, pair := range policy.FilterPreload(cfg.Preload) {
		p.targets[pair] = cfg.PoolSize
		p.breakers[pair] = newBreaker(pair)
		p.fillToTarget(pair)
	}
	return p
}

func newBreaker(pair kerneltypes.Pair) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pool-build-" + string(pair.Mode) + "-" + string(pair.Language),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// Acquire returns a pre-warmed Unit for pair if one is available (O(1)),
// triggering a refill, or reports a miss (spec §4.7: the caller then builds
// on demand).
func (p *Pool) Acquire(pair kerneltypes.Pair) (*Unit, bool) {
	p.mu.Lock()
	units := p.slots[pair]
	if len(units) == 0 {
		p.mu.Unlock()
		p.met.PoolMisses.WithLabelValues(string(pair.Mode), string(pair.Language)).Inc()
		return nil, false
	}
	unit := units[len(units)-1]
	p.slots[pair] = units[:len(units)-1]
	p.mu.Unlock()

	p.met.PoolHits.WithLabelValues(string(pair.Mode), string(pair.Language)).Inc()
	if p.autoRefill {
		p.fillToTarget(pair)
	}
	return unit, true
}

// fillToTarget tops up pair's warm slots up to its configured target,
// bounded to at most target concurrent build tasks for that tuple (spec
// §4.7 concurrency note).
func (p *Pool) fillToTarget(pair kerneltypes.Pair) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	target := p.targets[pair]
	need := target - len(p.slots[pair]) - p.building[pair]
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.building[pair] += need
	breaker := p.breakers[pair]
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		p.wg.Add(1)
		go p.buildOne(pair, breaker)
	}
}

func (p *Pool) buildOne(pair kerneltypes.Pair, breaker *gobreaker.CircuitBreaker) {
	defer p.wg.Done()

	start := time.Now()
	result, err := breaker.Execute(func() (interface{}, error) {
		return p.build(p.ctx, pair)
	})
	p.met.BuildLatency.WithLabelValues(string(pair.Mode), string(pair.Language)).Observe(time.Since(start).Seconds())

	p.mu.Lock()
	p.building[pair]--
	closed := p.closed
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("pool build failed", logging.String("mode", string(pair.Mode)),
			logging.String("language", string(pair.Language)), logging.Err(err))
		return
	}

	unit := result.(*Unit)
	if closed {
		unit.dispose()
		return
	}

	p.mu.Lock()
	p.slots[pair] = append(p.slots[pair], unit)
	p.mu.Unlock()
}

// Stats reports occupancy for every pair the pool is tracking; an
// unconfigured pair (never in Preload, or filtered out by admission) has no
// entry at all (spec §8 scenario 2).
func (p *Pool) Stats() map[kerneltypes.Pair]Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[kerneltypes.Pair]Stat, len(p.targets))
	for pair, target := range p.targets {
		out[pair] = Stat{Available: len(p.slots[pair]), Target: target}
	}
	return out
}

// Shutdown cancels in-flight builds, disposes every idle warm unit, and
// waits for build goroutines to unwind.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cancel()
	slots := p.slots
	p.slots = make(map[kerneltypes.Pair][]*Unit)
	p.mu.Unlock()

	for _, units := range slots {
		for _, u := range units {
			u.dispose()
		}
	}
	p.wg.Wait()
}
