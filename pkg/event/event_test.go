package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalEventTriggersOnFirstTick(t *testing.T) {
	s := New(0)
	h := s.CreateNormal()

	fired := false
	h.AddAction(func(ID) { fired = true })

	n := s.Tick(10)
	assert.Equal(t, 1, n)
	assert.True(t, fired)
	assert.True(t, s.IsTriggered(h.ID()))
}

func TestTransportEventWaitsForPredicate(t *testing.T) {
	s := New(0)
	ready := false
	h := s.CreateTransport(func() bool { return ready })

	assert.Equal(t, 0, s.Tick(10))
	assert.False(t, s.IsTriggered(h.ID()))

	ready = true
	assert.Equal(t, 1, s.Tick(10))
	assert.True(t, s.IsTriggered(h.ID()))
}

func TestParentEventWaitsForAllChildren(t *testing.T) {
	s := New(0)
	readyA, readyB := false, false
	childA := s.CreateTransport(func() bool { return readyA })
	childB := s.CreateTransport(func() bool { return readyB })
	parent := s.CreateParent([]ID{childA.ID(), childB.ID()})

	s.Tick(10)
	assert.False(t, s.IsTriggered(parent.ID()))

	readyA = true
	s.Tick(10)
	assert.False(t, s.IsTriggered(parent.ID()))

	readyB = true
	// Children are tested before the parent (creation order) and destroyed
	// as they trigger, so the first tick also triggers the parent; the
	// second tick has nothing left to do.
	s.Tick(10)
	s.Tick(10)
	assert.True(t, s.IsTriggered(parent.ID()))
}

func TestTickIsBoundedPerCall(t *testing.T) {
	s := New(0)
	for i := 0; i < 5; i++ {
		s.CreateNormal()
	}
	n := s.Tick(2)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, s.Pending())
}

func TestActionsRunFIFO(t *testing.T) {
	s := New(0)
	h := s.CreateNormal()
	var order []int
	h.AddAction(func(ID) { order = append(order, 1) })
	h.AddAction(func(ID) { order = append(order, 2) })
	h.AddAction(func(ID) { order = append(order, 3) })
	s.Tick(10)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAddActionAfterTriggerRunsImmediately(t *testing.T) {
	s := New(0)
	h := s.CreateNormal()
	s.Tick(10)

	fired := false
	h.AddAction(func(ID) { fired = true })
	assert.True(t, fired)
}

func TestOwnerNodeRoundTrips(t *testing.T) {
	id := NewID(7, 12345)
	assert.Equal(t, 7, id.OwnerNode())
	assert.Equal(t, uint64(12345), id.Sequence())
}

func TestAttachActionOnUnknownEventReturnsFalse(t *testing.T) {
	s := New(0)
	ok := s.AttachAction(NewID(0, 999), func(ID) {})
	require.False(t, ok)
}
