package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiryRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *expiryRecorder) expire(kernelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, kernelID)
}

func (r *expiryRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestSupervisor_FiresAfterIdleTimeout(t *testing.T) {
	mock := clock.NewMock()
	rec := &expiryRecorder{}
	s := NewWithClock(mock, rec.expire)

	s.Register("k1", 1000)
	mock.Add(1100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"k1"}, rec.snapshot())
}

func TestSupervisor_TouchResetsTheClock(t *testing.T) {
	mock := clock.NewMock()
	rec := &expiryRecorder{}
	s := NewWithClock(mock, rec.expire)

	s.Register("k1", 1000)
	mock.Add(800 * time.Millisecond)
	s.Touch("k1")
	mock.Add(800 * time.Millisecond) // 1600ms total, but only 800ms since Touch
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	mock.Add(300 * time.Millisecond) // now 1100ms since Touch
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestSupervisor_ZeroTimeoutDisablesExpiry(t *testing.T) {
	mock := clock.NewMock()
	rec := &expiryRecorder{}
	s := NewWithClock(mock, rec.expire)

	s.Register("k1", 0)
	mock.Add(time.Hour)
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestSupervisor_SetTimeoutRearmsAgainstExistingLastActivity(t *testing.T) {
	mock := clock.NewMock()
	rec := &expiryRecorder{}
	s := NewWithClock(mock, rec.expire)

	s.Register("k1", 10_000) // 10s
	mock.Add(5 * time.Second)

	// Shortening to 2s re-arms against last_activity (5s ago from now would
	// already be overdue), not against "now".
	ok := s.SetTimeout("k1", 2000)
	require.True(t, ok)

	mock.Add(1 * time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestSupervisor_SetTimeoutUnknownKernelReturnsFalse(t *testing.T) {
	s := NewWithClock(clock.NewMock(), func(string) {})
	assert.False(t, s.SetTimeout("ghost", 1000))
}

func TestSupervisor_ForgetStopsFutureExpiry(t *testing.T) {
	mock := clock.NewMock()
	rec := &expiryRecorder{}
	s := NewWithClock(mock, rec.expire)

	s.Register("k1", 100)
	s.Forget("k1")
	mock.Add(time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
