// Package ratelimit throttles Manager.create per namespace, one logical
// token bucket keyed by namespace.
//
// Grounded directly on kernel/core/mesh/routing/gossip.go, which wires the
// same library (limiter.NewTokenBucket + store.NewMemoryStore) to throttle
// per-peer gossip fanout by peer id; here the key is a tenant namespace
// instead of a peer id, same one-bucket-many-keys shape.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

const defaultBucketKey = "__default__"

// Limiter gates kernel creation per namespace.
type Limiter struct {
	tb *limiter.TokenBucket
}

// New builds a Limiter allowing ratePerSecond sustained creates per
// namespace, with burst allowed above that rate.
func New(ratePerSecond, burst int) (*Limiter, error) {
	st := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(ratePerSecond),
		Duration: time.Second,
		Burst:    int64(burst),
	}, st)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: build token bucket: %w", err)
	}
	return &Limiter{tb: tb}, nil
}

// Allow reports whether a create call for namespace may proceed right now.
// The unnamespaced case shares one default bucket.
func (l *Limiter) Allow(namespace string) bool {
	key := namespace
	if key == "" {
		key = defaultBucketKey
	}
	return l.tb.Allow(key)
}
