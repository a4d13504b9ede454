package collective

import (
	"testing"

	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/pool"
	"github.com/ember-hpc/vt/pkg/registry"
	"github.com/ember-hpc/vt/pkg/transport/looptransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rankSet struct {
	msgrs []*messenger.Messenger
	mgrs  []*Manager
}

func newRankSet(t *testing.T, size int) *rankSet {
	t.Helper()
	net := looptransport.NewNetwork(size)
	rs := &rankSet{
		msgrs: make([]*messenger.Messenger, size),
		mgrs:  make([]*Manager, size),
	}
	for r := 0; r < size; r++ {
		m := messenger.New(r, net.Transport(r), registry.New(r), pool.New(), event.New(r))
		rs.msgrs[r] = m
		rs.mgrs[r] = New(r, size, m)
	}
	return rs
}

func (rs *rankSet) drain(rounds int) {
	for i := 0; i < rounds; i++ {
		for _, m := range rs.msgrs {
			m.Progress(64)
		}
	}
}

func TestBarrierReleasesOnlyOnceEveryRankEnters(t *testing.T) {
	rs := newRankSet(t, 4)

	var done [4]bool
	for r := 1; r < 4; r++ {
		idx := r
		rs.mgrs[r].Barrier("phase1", func() { done[idx] = true })
	}
	rs.drain(10)
	for r := 1; r < 4; r++ {
		assert.False(t, done[r], "rank %d released before rank 0 entered", r)
	}

	rs.mgrs[0].Barrier("phase1", func() { done[0] = true })
	rs.drain(10)

	for r := 0; r < 4; r++ {
		assert.True(t, done[r], "rank %d never released", r)
	}
}

func TestSumReduceDeliversSameResultToEveryRank(t *testing.T) {
	rs := newRankSet(t, 4)

	var results [4]int64
	for r := 0; r < 4; r++ {
		idx := r
		rs.mgrs[r].Reduce("total", int64(r+1), Sum, func(result int64) { results[idx] = result })
	}
	rs.drain(10)

	for r := 0; r < 4; r++ {
		assert.Equal(t, int64(10), results[r], "rank %d got wrong reduced total", r)
	}
}

func TestMaxReduceAcrossThreeRanks(t *testing.T) {
	rs := newRankSet(t, 3)

	var results [3]int64
	values := []int64{5, 19, 2}
	for r := 0; r < 3; r++ {
		idx := r
		rs.mgrs[r].Reduce("peak", values[r], Max, func(result int64) { results[idx] = result })
	}
	rs.drain(10)

	for r := 0; r < 3; r++ {
		assert.Equal(t, int64(19), results[r])
	}
}

func TestBarrierIsIdempotentOncePassed(t *testing.T) {
	rs := newRankSet(t, 2)

	count := 0
	rs.mgrs[0].Barrier("once", func() { count++ })
	rs.mgrs[1].Barrier("once", func() { count++ })
	rs.drain(5)
	require.Equal(t, 2, count)

	rs.mgrs[0].Barrier("once", func() { count++ })
	assert.Equal(t, 3, count, "entering an already-released barrier must fire onDone immediately")
}
