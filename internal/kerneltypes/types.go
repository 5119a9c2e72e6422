// Package kerneltypes holds the data model shared across every component
// (spec §3): execution mode, language, kernel source, mount descriptors,
// creation options and the public kernel descriptor. It has no dependencies
// on any other internal package so it can be imported everywhere without
// creating cycles.
package kerneltypes

import "time"

// Mode is where an interpreter executes (spec §3).
type Mode string

const (
	InProcess Mode = "IN_PROCESS"
	Worker    Mode = "WORKER"
)

// Language is the interpreter language (spec §3).
type Language string

const (
	Python Language = "PYTHON"
	TS     Language = "TS"
	JS     Language = "JS"
)

// Source records whether a kernel was handed out by the pool or built fresh.
type Source string

const (
	SourcePool     Source = "POOL"
	SourceOnDemand Source = "ON_DEMAND"
)

// Pair is the (mode, language) tuple admission and the pool key on.
type Pair struct {
	Mode     Mode
	Language Language
}

// MountDescriptor is passed opaquely to the interpreter runtime (spec §6).
type MountDescriptor struct {
	Enabled    bool
	Root       string
	MountPoint string
}

// Options describes a requested kernel at creation time; it is also the
// "configuration snapshot" captured for restart (spec §3 invariants).
type Options struct {
	ID       string // optional; generated if empty
	Namespace string // optional
	Mode     Mode
	Language Language
	Mount    *MountDescriptor

	// InactivityTimeoutMs is the idle-shutdown timeout; 0 disables it.
	InactivityTimeoutMs int64
	// MaxExecutionTimeMs is the per-execution stall deadline; 0 disables it.
	MaxExecutionTimeMs int64
}

// Pair returns the (mode, language) tuple these options request.
func (o Options) Pair() Pair { return Pair{Mode: o.Mode, Language: o.Language} }

// PoolCompatible reports whether these options could be served from a pool
// slot: the pool only satisfies requests whose configuration matches the
// pool's canonical shape (spec §4.7), which here means no enabled mount. An
// id or namespace does not make a request incompatible: pool units are
// id-independent and the manager assigns the final id when it adopts one.
// Mode/Language equality is checked by the caller against the pool key; this
// only covers the "canonical shape" part.
func (o Options) PoolCompatible() bool {
	return o.Mount == nil || !o.Mount.Enabled
}

// Descriptor is the public, read-only view of a kernel (spec §6).
type Descriptor struct {
	ID           string
	Namespace    string // empty if the kernel has none
	Mode         Mode
	Language     Language
	Created      time.Time
	IsFromPool   bool
	LastActivity time.Time
}
