// Package interrupt implements the interrupt coordinator (C7, spec §4.4): a
// shared-memory flag per kernel when the host supports it, falling back to
// an in-band transport message otherwise.
//
// Grounded on the teacher's kernel/threads/arena (slab.go: a fixed-size
// object pool with bitmap/free-list tracking, here specialised to a single
// size class since every region is the same size) and
// kernel/threads/sab/guard.go (RegionId/RegionPolicy framing for
// guard-protected shared regions).
package interrupt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Flag values for a region, per spec §4.4.
const (
	FlagClear     uint32 = 0
	FlagInterrupt uint32 = 2
)

// RegionAllocator hands out fixed-size interrupt regions from a single
// backing arena. Slots are reused immediately (LIFO free list) so the arena
// never needs to grow past the maximum concurrent kernel count it was sized
// for.
//
// Each region is represented as one atomic.Uint32 cell rather than a literal
// single byte: Go has no portable single-byte atomic primitive, and the
// value space the protocol needs (0/2) fits in the low byte of a uint32
// identically to the one-byte region the spec describes.
type RegionAllocator struct {
	mu    sync.Mutex
	cells []atomic.Uint32
	free  []int // LIFO free list of slot indices
	next  int   // next never-used slot
}

// NewRegionAllocator creates an allocator with room for capacity concurrent
// regions.
func NewRegionAllocator(capacity int) *RegionAllocator {
	return &RegionAllocator{
		cells: make([]atomic.Uint32, capacity),
		free:  make([]int, 0, capacity),
	}
}

// Acquire hands out a fresh, cleared region. Returns ErrArenaFull if every
// slot is in use; callers should treat this as "no shared memory available"
// and fall back to message-based interrupt (spec §4.4).
func (a *RegionAllocator) Acquire() (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var slot int
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else if a.next < len(a.cells) {
		slot = a.next
		a.next++
	} else {
		return nil, ErrArenaFull
	}

	a.cells[slot].Store(FlagClear)
	return &Region{alloc: a, slot: slot}, nil
}

// Release returns a region's slot to the free list.
func (a *RegionAllocator) release(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cells[slot].Store(FlagClear)
	a.free = append(a.free, slot)
}

// ErrArenaFull is returned by Acquire when no slot is available.
var ErrArenaFull = fmt.Errorf("interrupt region arena exhausted")

// Region is one kernel's shared-memory interrupt flag.
type Region struct {
	alloc *RegionAllocator
	slot  int
}

// Set stores a flag value with atomic semantics.
func (r *Region) Set(value uint32) {
	r.alloc.cells[r.slot].Store(value)
}

// Get loads the current flag value.
func (r *Region) Get() uint32 {
	return r.alloc.cells[r.slot].Load()
}

// RequestInterrupt raises the flag. The interpreter polls this at safe
// points (bytecode-level for Python, loop back-edges for TS/JS per spec
// §4.4) and is responsible for clearing it once honored.
func (r *Region) RequestInterrupt() {
	r.Set(FlagInterrupt)
}

// Clear resets the flag. Called by the interpreter once it has honored an
// interrupt, or by the kernel handle / channel transport before each fresh
// execution.
func (r *Region) Clear() {
	r.Set(FlagClear)
}

// Release returns this region's slot to its allocator. Must be the last
// thing done with the region (spec §5 disposal ordering).
func (r *Region) Release() {
	r.alloc.release(r.slot)
}
