package sequencer

import (
	"testing"

	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/pool"
	"github.com/ember-hpc/vt/pkg/registry"
	"github.com/ember-hpc/vt/pkg/transport/looptransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSingleRank(t *testing.T) (*messenger.Messenger, *Sequencer) {
	t.Helper()
	net := looptransport.NewNetwork(1)
	m := messenger.New(0, net.Transport(0), registry.New(0), pool.New(), event.New(0))
	return m, New(0, m)
}

func drain(m *messenger.Messenger, rounds int) {
	for i := 0; i < rounds; i++ {
		m.Progress(64)
	}
}

// TestSequencedOrderIgnoresArrivalOrder builds a sequence
// wait(H,10,A); sequenced{ wait(H,20,B); wait(H,30,C) }; sequenced{
// wait(H,40,D) } and checks it runs A, B, C, D in that order even though
// the messages carrying those tags arrive as 10, 40, 20, 30.
func TestSequencedOrderIgnoresArrivalOrder(t *testing.T) {
	m, seq := newSingleRank(t)
	h := seq.NewWaitHandler()

	var order []string
	seq.Begin(func(b *Builder) {
		b.Wait(h, 10, func(envelope.Envelope, []byte) { order = append(order, "A") }).
			Sequenced(func(b *Builder) {
				b.Wait(h, 20, func(envelope.Envelope, []byte) { order = append(order, "B") }).
					Wait(h, 30, func(envelope.Envelope, []byte) { order = append(order, "C") })
			}).
			Sequenced(func(b *Builder) {
				b.Wait(h, 40, func(envelope.Envelope, []byte) { order = append(order, "D") })
			})
	})

	for _, tag := range []envelope.Tag{10, 40, 20, 30} {
		_, err := m.Send(0, h, nil, tag)
		require.NoError(t, err)
	}
	drain(m, 10)

	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestParallelBranchesAllCompleteBeforeContinuing(t *testing.T) {
	m, seq := newSingleRank(t)
	h := seq.NewWaitHandler()

	var order []string
	id := seq.Begin(func(b *Builder) {
		b.Parallel(
			func(b *Builder) { b.Wait(h, 1, func(envelope.Envelope, []byte) { order = append(order, "p1") }) },
			func(b *Builder) { b.Wait(h, 2, func(envelope.Envelope, []byte) { order = append(order, "p2") }) },
		).Wait(h, 3, func(envelope.Envelope, []byte) { order = append(order, "after") })
	})

	_, err := m.Send(0, h, nil, 2)
	require.NoError(t, err)
	drain(m, 5)
	assert.Equal(t, []string{"p2"}, order)
	assert.True(t, seq.IsRunning(id))

	_, err = m.Send(0, h, nil, 1)
	require.NoError(t, err)
	drain(m, 5)
	assert.Equal(t, []string{"p2", "p1"}, order, "after must not run until both parallel branches finish")

	_, err = m.Send(0, h, nil, 3)
	require.NoError(t, err)
	drain(m, 5)
	assert.Equal(t, []string{"p2", "p1", "after"}, order)
	assert.False(t, seq.IsRunning(id))
}

func TestForLoopRunsEveryIterationInOrder(t *testing.T) {
	m, seq := newSingleRank(t)
	h := seq.NewWaitHandler()

	var visited []int
	seq.Begin(func(b *Builder) {
		b.ForLoop(0, 3, 1, func(i int, b *Builder) {
			b.Wait(h, envelope.Tag(100+i), func(envelope.Envelope, []byte) { visited = append(visited, i) })
		})
	})

	for _, tag := range []envelope.Tag{100, 101, 102} {
		_, err := m.Send(0, h, nil, tag)
		require.NoError(t, err)
	}
	drain(m, 10)

	assert.Equal(t, []int{0, 1, 2}, visited)
}

func TestMessageArrivingBeforeWaitIsBuffered(t *testing.T) {
	m, seq := newSingleRank(t)
	h := seq.NewWaitHandler()

	_, err := m.Send(0, h, nil, 7)
	require.NoError(t, err)
	drain(m, 3)

	fired := false
	seq.Begin(func(b *Builder) {
		b.Wait(h, 7, func(envelope.Envelope, []byte) { fired = true })
	})
	assert.True(t, fired, "a wait created after its message already arrived must consume the buffered one")
}

func TestDetectDeadlockedWaitsReportsUnmatchedWait(t *testing.T) {
	_, seq := newSingleRank(t)
	h := seq.NewWaitHandler()

	seq.Begin(func(b *Builder) {
		b.Wait(h, 99, func(envelope.Envelope, []byte) {})
	})

	deadlocks := seq.DetectDeadlockedWaits()
	require.Len(t, deadlocks, 1)
	assert.Equal(t, h, deadlocks[0].Handler)
	assert.Equal(t, envelope.Tag(99), deadlocks[0].Tag)
	assert.True(t, seq.LogDeadlocks())
}
