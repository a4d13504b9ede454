package runtime

import (
	"testing"

	"github.com/ember-hpc/vt/pkg/collective"
	"github.com/ember-hpc/vt/pkg/config"
	"github.com/ember-hpc/vt/pkg/entity"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/location"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopEntity struct{}

func (*noopEntity) OnArrive() {}
func (*noopEntity) OnDepart() {}

func testConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func drain(group []*Runtime, rounds int) {
	for i := 0; i < rounds; i++ {
		for _, rt := range group {
			rt.Progress()
		}
	}
}

func TestNewLoopbackGroupWiresEveryComponent(t *testing.T) {
	group, err := NewLoopbackGroup(testConfig(), 3)
	require.NoError(t, err)
	require.Len(t, group, 3)

	for r, rt := range group {
		assert.Equal(t, r, rt.Rank())
		assert.Equal(t, 3, rt.Size())
		assert.NotNil(t, rt.Messenger())
		assert.NotNil(t, rt.Location())
		assert.NotNil(t, rt.RDMA())
		assert.NotNil(t, rt.Termination())
		assert.NotNil(t, rt.Sequencer())
		assert.NotNil(t, rt.Collective())
		assert.NotNil(t, rt.Entities())
		assert.NotNil(t, rt.Collections())
	}
}

func TestRuntimeEntitySendRoutesAcrossRanks(t *testing.T) {
	group, err := NewLoopbackGroup(testConfig(), 2)
	require.NoError(t, err)

	var received []byte
	handler := group[0].Entities().RegisterHandler(func(_ entity.VirtualContext, _ envelope.Envelope, body []byte) {
		received = append([]byte(nil), body...)
	})

	id := group[0].Entities().NewLocal(func(eid location.EntityID) entity.VirtualContext { return &noopEntity{} })

	require.NoError(t, group[1].Entities().Send(id, handler, []byte("hi"), 0, nil))
	drain(group, 10)

	assert.Equal(t, []byte("hi"), received)
}

func TestRuntimeCollectiveBarrierReleasesEveryRank(t *testing.T) {
	group, err := NewLoopbackGroup(testConfig(), 3)
	require.NoError(t, err)

	done := make([]bool, 3)
	for r, rt := range group {
		idx := r
		rt.Collective().Barrier("boot", func() { done[idx] = true })
	}
	drain(group, 20)

	for r, ok := range done {
		assert.True(t, ok, "rank %d never released from the barrier", r)
	}
}

func TestRuntimeReduceSumsAcrossRanks(t *testing.T) {
	group, err := NewLoopbackGroup(testConfig(), 4)
	require.NoError(t, err)

	results := make([]int64, 4)
	for r, rt := range group {
		idx := r
		rt.Collective().Reduce("total", int64(r), collective.Sum, func(result int64) { results[idx] = result })
	}
	drain(group, 20)

	for r, v := range results {
		assert.Equal(t, int64(6), v, "rank %d saw wrong reduce result", r)
	}
}

func TestShutdownClosesTransportWhenProtocolIsClean(t *testing.T) {
	group, err := NewLoopbackGroup(testConfig(), 1)
	require.NoError(t, err)

	require.NoError(t, group[0].Shutdown())
}
