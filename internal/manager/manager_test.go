package manager

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/kernelerr"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
	"github.com/kernelforge/kernelmgr/internal/pool"
	"github.com/kernelforge/kernelmgr/internal/testsupport"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *clock.Mock, *testsupport.FakeFactory) {
	t.Helper()
	factory := testsupport.NewFakeFactory()
	mock := clock.NewMock()
	cfg.Factory = factory
	cfg.Clock = mock
	if cfg.Admission == nil {
		cfg.Admission = []kerneltypes.Pair{
			{Mode: kerneltypes.Worker, Language: kerneltypes.Python},
			{Mode: kerneltypes.InProcess, Language: kerneltypes.Python},
		}
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, mock, factory
}

func workerPythonOpts() kerneltypes.Options {
	return kerneltypes.Options{Mode: kerneltypes.Worker, Language: kerneltypes.Python}
}

func TestManager_CreateThenExecuteRoundTrips(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	id, err := m.Create(context.Background(), workerPythonOpts())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	outcome, err := m.Execute(context.Background(), id, "1+1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestManager_CreateRejectsForbiddenPair(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Admission: []kerneltypes.Pair{
		{Mode: kerneltypes.Worker, Language: kerneltypes.Python},
	}})

	_, err := m.Create(context.Background(), kerneltypes.Options{Mode: kerneltypes.InProcess, Language: kerneltypes.Python})
	assert.ErrorIs(t, err, kernelerr.ErrPolicyViolation)
}

func TestManager_CreateWithExplicitDuplicateIDFails(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	opts := workerPythonOpts()
	opts.ID = "fixed-id"
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "fixed-id", id)

	_, err = m.Create(context.Background(), opts)
	assert.ErrorIs(t, err, kernelerr.ErrDuplicateID)
}

func TestManager_NamespaceIsPartOfTheFinalID(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	opts := workerPythonOpts()
	opts.ID = "local"
	opts.Namespace = "tenant-a"
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a:local", id)
}

func TestManager_ExecuteUnknownKernelReturnsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.Execute(context.Background(), "nope", "1")
	assert.ErrorIs(t, err, kernelerr.ErrNotFound)
}

func TestManager_DestroyRemovesKernelAndStopsSubscriptions(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	id, err := m.Create(context.Background(), workerPythonOpts())
	require.NoError(t, err)

	require.NoError(t, m.Destroy(id))
	assert.ErrorIs(t, m.Destroy(id), kernelerr.ErrNotFound)

	_, err = m.Execute(context.Background(), id, "1")
	assert.ErrorIs(t, err, kernelerr.ErrNotFound)
}

func TestManager_DestroyAllScopesToNamespace(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	optsA := workerPythonOpts()
	optsA.Namespace = "a"
	optsB := workerPythonOpts()
	optsB.Namespace = "b"

	_, err := m.Create(context.Background(), optsA)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), optsB)
	require.NoError(t, err)

	n := m.DestroyAll("a")
	assert.Equal(t, 1, n)
	assert.Len(t, m.List(""), 1)
	assert.Len(t, m.List("b"), 1)
}

func TestManager_RestartPreservesIDModeAndLanguage(t *testing.T) {
	m, _, factory := newTestManager(t, Config{})

	opts := workerPythonOpts()
	opts.ID = "r1"
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)

	before := factory.BuiltCount()
	require.NoError(t, m.Restart(context.Background(), id))
	assert.Greater(t, factory.BuiltCount(), before, "restart should build a fresh interpreter")

	descs := m.List("")
	require.Len(t, descs, 1)
	assert.Equal(t, "r1", descs[0].ID)
	assert.Equal(t, kerneltypes.Worker, descs[0].Mode)
	assert.Equal(t, kerneltypes.Python, descs[0].Language)
}

func TestManager_RestartOnBuildFailureLeavesNoKernelUnderTheID(t *testing.T) {
	m, _, factory := newTestManager(t, Config{})

	opts := workerPythonOpts()
	opts.ID = "r2"
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)

	factory.FailFor[kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}] = true

	err = m.Restart(context.Background(), id)
	assert.ErrorIs(t, err, kernelerr.ErrBuildFailed)

	_, ok := m.getRecord(id)
	assert.False(t, ok, "a failed restart must leave no kernel under the old id")
}

func TestManager_ExecuteDuringRestartRebuildReturnsKernelDeadNeverNotFound(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	factory.BuildDelay = 50 * time.Millisecond
	m, err := New(Config{
		Factory:   factory,
		Admission: []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}},
		Clock:     clock.NewMock(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	opts := workerPythonOpts()
	opts.ID = "restarting"
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)

	restartDone := make(chan struct{})
	go func() {
		defer close(restartDone)
		_ = m.Restart(context.Background(), id)
	}()

	time.Sleep(10 * time.Millisecond) // Restart has torn the old kernel down and is mid-rebuild
	_, err = m.Execute(context.Background(), id, "1+1")
	assert.ErrorIs(t, err, kernelerr.ErrKernelDead)
	assert.NotErrorIs(t, err, kernelerr.ErrNotFound)

	<-restartDone
}

func TestManager_ForceTerminateResolvesBlockedExecuteWithForcedTermination(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	factory.Blocking = true
	m, err := New(Config{
		Factory:   factory,
		Admission: []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}},
		Clock:     clock.NewMock(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	id, err := m.Create(context.Background(), workerPythonOpts())
	require.NoError(t, err)

	var forced []events.Event
	_, ok := m.On(id, events.ExecuteError, func(ev events.Event) { forced = append(forced, ev) })
	require.True(t, ok)

	done := make(chan struct{})
	var success bool
	var ename string
	go func() {
		outcome, _ := m.Execute(context.Background(), id, "loop forever")
		success = outcome.Success
		if outcome.Error != nil {
			ename = outcome.Error.EName
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let Execute register its waiter
	require.NoError(t, m.ForceTerminate(id, "operator requested"))

	select {
	case <-done:
		assert.False(t, success)
		assert.Equal(t, kernelerr.ForcedTerminationName, ename)
	case <-time.After(time.Second):
		t.Fatal("Execute did not unblock after ForceTerminate")
	}
	require.Len(t, forced, 1)

	_, ok = m.getRecord(id)
	assert.False(t, ok)
}

func TestManager_InterruptUnknownKernelReturnsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	assert.ErrorIs(t, m.Interrupt("nope"), kernelerr.ErrNotFound)
}

func TestManager_PingRefreshesLastActivityAndExtendsIdleTimer(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{})

	opts := workerPythonOpts()
	opts.InactivityTimeoutMs = 1000
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)

	mock.Add(900 * time.Millisecond)
	assert.True(t, m.Ping(id))

	mock.Add(900 * time.Millisecond) // 900ms since ping, well under the 1000ms timeout
	assert.Len(t, m.List(""), 1, "ping should have re-armed the idle timer")

	mock.Add(200 * time.Millisecond) // now 1100ms since ping: idle timeout should have fired
	assertEventually(t, func() bool { return len(m.List("")) == 0 })
}

func TestManager_SetInactivityTimeoutRearmsAgainstExistingLastActivity(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{})

	opts := workerPythonOpts()
	opts.InactivityTimeoutMs = 10_000
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)

	mock.Add(500 * time.Millisecond) // 500ms already elapsed since creation

	require.True(t, m.SetInactivityTimeout(id, 100)) // shorter than time already elapsed
	assertEventually(t, func() bool { return len(m.List("")) == 0 })
}

func TestManager_SetInactivityTimeoutUnknownKernelReturnsFalse(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	assert.False(t, m.SetInactivityTimeout("nope", 1000))
}

func TestManager_ExecutionStallMarksStalledAndEmitsEvent(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	factory.Blocking = true
	mock := clock.NewMock()
	m, err := New(Config{
		Factory:   factory,
		Admission: []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}},
		Clock:     mock,
		TrackerTick: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	opts := workerPythonOpts()
	opts.MaxExecutionTimeMs = 50
	id, err := m.Create(context.Background(), opts)
	require.NoError(t, err)

	var stalled []events.Event
	_, ok := m.On(id, events.ExecutionStalled, func(ev events.Event) { stalled = append(stalled, ev) })
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		_, _ = m.Execute(context.Background(), id, "loop forever")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let Execute register the execution with the tracker
	mock.Add(60 * time.Millisecond)   // past the 50ms deadline
	mock.Add(10 * time.Millisecond)   // one sweep tick

	assertEventually(t, func() bool {
		count, isStuck, _ := m.ExecutionInfo(id)
		return count == 1 && isStuck
	})
	assertEventually(t, func() bool { return len(stalled) == 1 })

	factory.LastBuilt().Complete()
	<-done
}

func TestManager_InterruptTwiceBeyondGraceWindowReportsStalled(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	factory.Blocking = true
	mock := clock.NewMock()
	m, err := New(Config{
		Factory:        factory,
		Admission:      []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}},
		Clock:          mock,
		InterruptGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	id, err := m.Create(context.Background(), workerPythonOpts())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = m.Execute(context.Background(), id, "loop forever")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let Execute register the execution with the tracker

	require.NoError(t, m.Interrupt(id), "first interrupt delivers the signal")

	mock.Add(100 * time.Millisecond) // past the 50ms grace window, still running
	assert.ErrorIs(t, m.Interrupt(id), kernelerr.ErrInterruptStalled)

	factory.LastBuilt().Complete()
	<-done
}

func TestManager_InterruptWithinGraceWindowSucceeds(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	factory.Blocking = true
	mock := clock.NewMock()
	m, err := New(Config{
		Factory:        factory,
		Admission:      []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}},
		Clock:          mock,
		InterruptGrace: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	id, err := m.Create(context.Background(), workerPythonOpts())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = m.Execute(context.Background(), id, "loop forever")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Interrupt(id))
	mock.Add(100 * time.Millisecond) // well inside the 10s grace window
	require.NoError(t, m.Interrupt(id))

	factory.LastBuilt().Complete()
	<-done
}

func TestManager_PoolCompatibleCreateIsServedFromAWarmSlot(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	pair := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}
	m, err := New(Config{
		Factory:   factory,
		Admission: []kerneltypes.Pair{pair},
		Clock:     clock.NewMock(),
		Pool: pool.Config{
			Enabled: true, PoolSize: 1, AutoRefill: true, Preload: []kerneltypes.Pair{pair},
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	assertEventually(t, func() bool { return m.PoolStats()[pair].Available >= 1 })

	before := factory.BuiltCount()
	id, err := m.Create(context.Background(), kerneltypes.Options{Mode: pair.Mode, Language: pair.Language})
	require.NoError(t, err)

	descs := m.List("")
	require.Len(t, descs, 1)
	assert.True(t, descs[0].IsFromPool)
	assert.Equal(t, before, factory.BuiltCount(), "pool hit should not build a fresh interpreter")

	_, err = m.Execute(context.Background(), id, "1")
	require.NoError(t, err)
}

func TestManager_MountedRequestBypassesThePool(t *testing.T) {
	factory := testsupport.NewFakeFactory()
	pair := kerneltypes.Pair{Mode: kerneltypes.Worker, Language: kerneltypes.Python}
	m, err := New(Config{
		Factory:   factory,
		Admission: []kerneltypes.Pair{pair},
		Clock:     clock.NewMock(),
		Pool: pool.Config{
			Enabled: true, PoolSize: 1, AutoRefill: true, Preload: []kerneltypes.Pair{pair},
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	assertEventually(t, func() bool { return m.PoolStats()[pair].Available >= 1 })

	before := factory.BuiltCount()
	opts := kerneltypes.Options{Mode: pair.Mode, Language: pair.Language,
		Mount: &kerneltypes.MountDescriptor{Enabled: true, Root: "/data", MountPoint: "/mnt"}}
	_, err = m.Create(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, before+1, factory.BuiltCount(), "a mounted request must build fresh, not from the pool")

	assertEventually(t, func() bool { return m.PoolStats()[pair].Available >= 1 }) // pool slot untouched
}

func TestManager_OnAndOffRequireAnExistingKernel(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, ok := m.On("nope", events.Stream, func(events.Event) {})
	assert.False(t, ok)
	assert.False(t, m.Off("nope", events.Stream, new(int)))
}

func assertEventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, cond())
}
