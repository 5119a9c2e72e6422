// Package ids allocates the 128-bit random kernel identifiers used when a
// caller does not supply one (spec §4.8 "Id allocation"). Per spec §9, the id
// generator is the one piece of process-global state the system needs; it is
// modeled as an injected service with an explicit Reset, never an ambient
// singleton reached for by package-level functions.
package ids

import "github.com/google/uuid"

// Generator produces canonical hyphenated 128-bit random identifiers.
type Generator struct {
	next func() string
}

// NewGenerator returns a Generator backed by google/uuid's random (v4) ids.
func NewGenerator() *Generator {
	return &Generator{next: func() string { return uuid.NewString() }}
}

// New returns a fresh identifier.
func (g *Generator) New() string {
	return g.next()
}

// Reset swaps in a deterministic sequence for tests. Passing nil restores
// random generation.
func (g *Generator) Reset(sequence []string) {
	if sequence == nil {
		g.next = func() string { return uuid.NewString() }
		return
	}
	i := 0
	g.next = func() string {
		if i >= len(sequence) {
			// Exhausted the fixture sequence; fall back to random ids so
			// tests that over-allocate don't panic.
			return uuid.NewString()
		}
		v := sequence[i]
		i++
		return v
	}
}
