package interrupt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	calls int
}

func (f *fakeSender) Interrupt() error {
	f.calls++
	return nil
}

func TestCoordinator_PrefersSharedRegionOverFallback(t *testing.T) {
	a := NewRegionAllocator(1)
	r, err := a.Acquire()
	require.NoError(t, err)

	sender := &fakeSender{}
	c := NewCoordinator("k1", r, sender)

	require.NoError(t, c.Interrupt())
	assert.Equal(t, FlagInterrupt, r.Get())
	assert.Equal(t, 0, sender.calls)
}

func TestCoordinator_FallsBackToMessageWithoutRegion(t *testing.T) {
	sender := &fakeSender{}
	c := NewCoordinator("k1", nil, sender)

	require.NoError(t, c.Interrupt())
	assert.Equal(t, 1, sender.calls)
}

func TestCoordinator_NoopSuccessWithNeither(t *testing.T) {
	c := NewCoordinator("k1", nil, nil)
	assert.NoError(t, c.Interrupt())
}
