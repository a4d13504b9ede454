package entity

import (
	"fmt"
	"testing"

	"github.com/ember-hpc/vt/pkg/collective"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/location"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/pool"
	"github.com/ember-hpc/vt/pkg/registry"
	"github.com/ember-hpc/vt/pkg/transport/looptransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterContext struct {
	id       location.EntityID
	arrived  int
	departed int
}

func (c *counterContext) OnArrive()       { c.arrived++ }
func (c *counterContext) OnDepart()       { c.departed++ }
func (c *counterContext) Marshal() []byte { return []byte(fmt.Sprintf("%d", c.id)) }

type rankSet struct {
	msgrs []*messenger.Messenger
	locs  []*location.Manager
	vcms  []*Manager
	cols  []*collective.Manager
	cms   []*CollectionManager
}

func newRankSet(t *testing.T, size int) *rankSet {
	t.Helper()
	net := looptransport.NewNetwork(size)
	rs := &rankSet{
		msgrs: make([]*messenger.Messenger, size),
		locs:  make([]*location.Manager, size),
		vcms:  make([]*Manager, size),
		cols:  make([]*collective.Manager, size),
		cms:   make([]*CollectionManager, size),
	}
	for r := 0; r < size; r++ {
		m := messenger.New(r, net.Transport(r), registry.New(r), pool.New(), event.New(r))
		loc := location.NewManager(r, size, m, location.Config{CacheHopLimit: 2, MaxHops: 16})
		vcm := New(r, size, m, loc)
		col := collective.New(r, size, m)
		cm := NewCollectionManager(r, size, m, vcm, col)

		rs.msgrs[r] = m
		rs.locs[r] = loc
		rs.vcms[r] = vcm
		rs.cols[r] = col
		rs.cms[r] = cm
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

func TestSendRoutesToLocalEntityAcrossRanks(t *testing.T) {
	rs := newRankSet(t, 3)

	ctx := &counterContext{}
	id := rs.vcms[0].NewLocal(func(eid location.EntityID) VirtualContext {
		ctx.id = eid
		return ctx
	})
	assert.Equal(t, 1, ctx.arrived)

	var received []byte
	handler := rs.vcms[0].RegisterHandler(func(_ VirtualContext, _ envelope.Envelope, body []byte) {
		received = append([]byte(nil), body...)
	})

	require.NoError(t, rs.vcms[1].Send(id, handler, []byte("hello"), 0, nil))
	rs.drain(10)

	assert.Equal(t, []byte("hello"), received)
}

func TestMigrateMovesEntityAndFutureSendsFollowIt(t *testing.T) {
	rs := newRankSet(t, 3)

	var receivedOnRank = -1
	handler := rs.vcms[0].RegisterHandler(func(_ VirtualContext, _ envelope.Envelope, _ []byte) {
		receivedOnRank = 0
	})
	for r := 1; r < 3; r++ {
		receiver := r
		rs.vcms[r].RegisterHandler(func(_ VirtualContext, _ envelope.Envelope, _ []byte) {
			receivedOnRank = receiver
		})
	}

	for r := 0; r < 3; r++ {
		rs.vcms[r].RegisterType("counter", func(id location.EntityID, _ []byte) VirtualContext {
			return &counterContext{id: id}
		})
	}

	src := &counterContext{}
	id := rs.vcms[0].NewLocal(func(eid location.EntityID) VirtualContext {
		src.id = eid
		return src
	})

	var migrateErr error
	require.NoError(t, rs.vcms[0].Migrate(id, "counter", 2, func(err error) { migrateErr = err }))
	rs.drain(10)
	require.NoError(t, migrateErr)
	assert.Equal(t, 1, src.departed)

	require.NoError(t, rs.vcms[1].Send(id, handler, []byte("ping"), 0, nil))
	rs.drain(10)

	assert.Equal(t, 2, receivedOnRank, "message should have followed the entity to its new rank")
}

func TestNewCollectionDistributesElementsCyclically(t *testing.T) {
	rs := newRankSet(t, 3)

	var built []uint64
	for r := 0; r < 3; r++ {
		r := r
		id := rs.cms[r].NewCollection(7, func(index uint64) VirtualContext {
			if r == 0 {
				built = append(built, index)
			}
			return &counterContext{}
		})
		assert.Equal(t, CollectionID(0), id)
	}

	col := rs.cms[0].collections[0]
	assert.Equal(t, uint64(7), col.Cardinality())
	for idx := range col.elements {
		assert.Equal(t, 0, CyclicMap(idx, 3))
	}
	assert.ElementsMatch(t, []uint64{0, 3, 6}, built)
}

func TestSendToElementReachesOwningRankRegardlessOfSender(t *testing.T) {
	rs := newRankSet(t, 3)

	var receivedBy = -1
	var handlers [3]envelope.HandlerID
	for r := 0; r < 3; r++ {
		receiver := r
		handlers[r] = rs.vcms[r].RegisterHandler(func(_ VirtualContext, _ envelope.Envelope, _ []byte) {
			receivedBy = receiver
		})
		rs.cms[r].NewCollection(5, func(uint64) VirtualContext { return &counterContext{} })
	}

	// index 2 is owned by rank 2 under CyclicMap; send from rank 0.
	require.NoError(t, rs.cms[0].SendToElement(0, 2, handlers[2], []byte("work"), 0))
	rs.drain(10)

	assert.Equal(t, 2, receivedBy)
}

func TestBroadcastToElementsReachesEveryIndexExactlyOnce(t *testing.T) {
	rs := newRankSet(t, 3)

	counts := make(map[location.EntityID]int)
	var handler envelope.HandlerID
	for r := 0; r < 3; r++ {
		// registered in the same order on every rank, so this mints the
		// same handler ID value everywhere, exactly as RegisterHandler
		// requires.
		handler = rs.vcms[r].RegisterHandler(func(ctx VirtualContext, _ envelope.Envelope, _ []byte) {
			counts[ctx.(*counterContext).id]++
		})
		rs.cms[r].NewCollection(5, func(index uint64) VirtualContext {
			return &counterContext{id: location.EntityID(index)}
		})
	}

	require.NoError(t, rs.cms[0].BroadcastToElements(0, handler, []byte("tick"), 0))
	rs.drain(10)

	assert.Len(t, counts, 5, "every one of the 5 elements should have fired exactly once")
	for id, c := range counts {
		assert.Equal(t, 1, c, "element %d fired %d times, want 1", id, c)
	}
}

func TestReduceOverElementsSumsContributionsAcrossRanks(t *testing.T) {
	rs := newRankSet(t, 3)

	for r := 0; r < 3; r++ {
		rs.cms[r].NewCollection(6, func(index uint64) VirtualContext {
			return &counterContext{}
		})
	}

	var results [3]int64
	for r := 0; r < 3; r++ {
		idx := r
		rs.cms[r].ReduceOverElements(0, "sum-indices", collective.Sum, func(index uint64, _ VirtualContext) int64 {
			return int64(index)
		}, func(result int64) { results[idx] = result })
	}
	rs.drain(10)

	// sum of indices 0..5 is 15.
	for r := 0; r < 3; r++ {
		assert.Equal(t, int64(15), results[r])
	}
}
