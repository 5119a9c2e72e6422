// Package admission implements the admission policy (C4, spec §4.1): a pure
// membership test over permitted (mode, language) pairs. Default permits
// worker mode for both languages and forbids in-process mode, which the spec
// treats as elevated privilege (shares the host event loop).
//
// Grounded on the bloom-filter pre-check pattern in the teacher's
// kernel/threads/pattern/bloom.go and the ordered-set bookkeeping style of
// kernel/threads/registry/loader.go.
package admission

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// DefaultPairs is the policy's default permitted set (spec §4.1).
func DefaultPairs() []kerneltypes.Pair {
	return []kerneltypes.Pair{
		{Mode: kerneltypes.Worker, Language: kerneltypes.Python},
		{Mode: kerneltypes.Worker, Language: kerneltypes.TS},
		{Mode: kerneltypes.Worker, Language: kerneltypes.JS},
	}
}

// Policy is an ordered set of permitted (mode, language) pairs.
type Policy struct {
	ordered []kerneltypes.Pair
	exact   map[kerneltypes.Pair]struct{}
	// filter is a fast pre-check: a bloom negative is conclusive (no false
	// negatives), a bloom positive still requires the exact map lookup
	// because bloom filters have false positives. At the set sizes this
	// policy ever holds (a handful of pairs) the filter buys nothing in
	// practice, but it keeps isAllowed's hot path shaped the way the rest
	// of the pack checks high-cardinality membership before an admission
	// decision.
	filter *bloom.BloomFilter
}

// New builds a Policy from an explicit permitted set. An empty set forbids
// everything.
func New(pairs []kerneltypes.Pair) *Policy {
	p := &Policy{
		ordered: append([]kerneltypes.Pair(nil), pairs...),
		exact:   make(map[kerneltypes.Pair]struct{}, len(pairs)),
		filter:  bloom.NewWithEstimates(64, 0.01),
	}
	for _, pair := range pairs {
		p.exact[pair] = struct{}{}
		p.filter.Add(pairKey(pair))
	}
	return p
}

// NewDefault builds a Policy with DefaultPairs.
func NewDefault() *Policy {
	return New(DefaultPairs())
}

func pairKey(p kerneltypes.Pair) []byte {
	return []byte(string(p.Mode) + "\x00" + string(p.Language))
}

// IsAllowed is a pure membership test (spec §4.1).
func (p *Policy) IsAllowed(mode kerneltypes.Mode, language kerneltypes.Language) bool {
	pair := kerneltypes.Pair{Mode: mode, Language: language}
	if !p.filter.Test(pairKey(pair)) {
		return false
	}
	_, ok := p.exact[pair]
	return ok
}

// List returns a defensive copy of the permitted set (spec §4.1).
func (p *Policy) List() []kerneltypes.Pair {
	return append([]kerneltypes.Pair(nil), p.ordered...)
}

// FilterPreload drops any preload entry not in the permitted set, silently
// (spec §4.1: "a forbidden preload entry is silently dropped").
func (p *Policy) FilterPreload(pairs []kerneltypes.Pair) []kerneltypes.Pair {
	out := make([]kerneltypes.Pair, 0, len(pairs))
	for _, pair := range pairs {
		if p.IsAllowed(pair.Mode, pair.Language) {
			out = append(out, pair)
		}
	}
	return out
}
