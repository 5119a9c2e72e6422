package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	b.On("k1", Stream, func(Event) { order = append(order, 1) })
	b.On("k1", Stream, func(Event) { order = append(order, 2) })

	b.Emit("k1", Stream, StreamPayload{Name: "stdout", Text: "hi"})

	assert.Equal(t, []int{1, 2}, order)
}

func TestBus_PanicInOneListenerDoesNotStopOthers(t *testing.T) {
	b := New()
	var second bool
	b.On("k1", Stream, func(Event) { panic("boom") })
	b.On("k1", Stream, func(Event) { second = true })

	assert.NotPanics(t, func() {
		b.Emit("k1", Stream, StreamPayload{})
	})
	assert.True(t, second)
}

func TestBus_OffRemovesByIdentity(t *testing.T) {
	b := New()
	var calls int
	tok1 := b.On("k1", Stream, func(Event) { calls++ })
	b.On("k1", Stream, func(Event) { calls++ })

	ok := b.Off("k1", Stream, tok1)
	assert.True(t, ok)

	b.Emit("k1", Stream, StreamPayload{})
	assert.Equal(t, 1, calls)
}

func TestBus_OffDuringDispatchTakesEffectNextTime(t *testing.T) {
	b := New()
	var calls int
	var selfToken *int
	selfToken = b.On("k1", Stream, func(Event) {
		calls++
		b.Off("k1", Stream, selfToken)
	})

	b.Emit("k1", Stream, StreamPayload{})
	b.Emit("k1", Stream, StreamPayload{})

	assert.Equal(t, 1, calls)
}

func TestBus_OffAllClearsSubscriptions(t *testing.T) {
	b := New()
	var calls int
	b.On("k1", Stream, func(Event) { calls++ })

	b.OffAll("k1")
	b.Emit("k1", Stream, StreamPayload{})

	assert.Equal(t, 0, calls)
}

func TestBus_DifferentKernelsDoNotCrossDeliver(t *testing.T) {
	b := New()
	var k1calls, k2calls int
	b.On("k1", Stream, func(Event) { k1calls++ })
	b.On("k2", Stream, func(Event) { k2calls++ })

	b.Emit("k1", Stream, StreamPayload{})

	assert.Equal(t, 1, k1calls)
	assert.Equal(t, 0, k2calls)
}

func TestBus_OffUnknownReturnsFalse(t *testing.T) {
	b := New()
	tok := new(int)
	assert.False(t, b.Off("missing", Stream, tok))
}
