package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kernelforge/kernelmgr/internal/admission"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
	"github.com/kernelforge/kernelmgr/internal/metrics"
	"github.com/kernelforge/kernelmgr/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFuncFor(factory *testsupport.FakeFactory) BuildFunc {
	return func(_ context.Context, pair kerneltypes.Pair) (*Unit, error) {
		interp, err := factory.New(pair.Mode, pair.Language, nil)
		if err != nil {
			return nil, err
		}
		return &Unit{Pair: pair, Interp: interp}, nil
	}
}

func waitForAvailable(t *testing.T, p *Pool, pair kerneltypes.Pair, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats()[pair].Available >= want
	}, time.Second, 5*time.Millisecond)
}

func TestPool_WarmsUpToTargetOnConstruction(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	policy := admission.NewDefault()
	pair := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}

	p := New(policy, buildFuncFor(factory), Config{
		Enabled: true, PoolSize: 3, AutoRefill: true, Preload: []kerneltypes.Pair{pair},
	}, metrics.New())
	defer p.Shutdown()

	waitForAvailable(t, p, pair, 3)
}

func TestPool_AcquireReturnsMissWhenEmpty(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	policy := admission.NewDefault()
	p := New(policy, buildFuncFor(factory), Config{Enabled: false}, metrics.New())
	defer p.Shutdown()

	pair := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}
	_, ok := p.Acquire(pair)
	assert.False(t, ok)
}

func TestPool_AcquireRefillsAndStatsTrackTarget(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	policy := admission.NewDefault()
	pair := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}

	p := New(policy, buildFuncFor(factory), Config{
		Enabled: true, PoolSize: 2, AutoRefill: true, Preload: []kerneltypes.Pair{pair},
	}, metrics.New())
	defer p.Shutdown()

	waitForAvailable(t, p, pair, 2)

	unit, ok := p.Acquire(pair)
	require.True(t, ok)
	require.NotNil(t, unit)

	waitForAvailable(t, p, pair, 2) // refilled back to target
}

func TestPool_ForbiddenPreloadPairGetsNoStatsEntry(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	// Admission permits only worker+python; in-process+python is requested but forbidden.
	policy := admission.New([]kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}})

	forbidden := kerneltypes.Pair{Mode: kerneltypes.InProcess, Language: kerneltypes.Python}
	permitted := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}

	p := New(policy, buildFuncFor(factory), Config{
		Enabled: true, PoolSize: 1, AutoRefill: true,
		Preload: []kerneltypes.Pair{permitted, forbidden},
	}, metrics.New())
	defer p.Shutdown()

	waitForAvailable(t, p, permitted, 1)
	stats := p.Stats()
	_, ok := stats[forbidden]
	assert.False(t, ok)
}

func TestPool_BuildFailureLeavesSlotEmptyAndLogsNoPanic(t *testing.T) {
	pair := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}
	alwaysFail := func(_ context.Context, p kerneltypes.Pair) (*Unit, error) {
		return nil, fmt.Errorf("boom")
	}
	policy := admission.NewDefault()

	p := New(policy, alwaysFail, Config{
		Enabled: true, PoolSize: 1, AutoRefill: true, Preload: []kerneltypes.Pair{pair},
	}, metrics.New())
	defer p.Shutdown()

	time.Sleep(20 * time.Millisecond)
	_, ok := p.Acquire(pair)
	assert.False(t, ok)
}
