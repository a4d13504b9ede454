package location

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

type rankSet struct {
	msgrs  []*messenger.Messenger
	mgrs   []*Manager
}

func newRankSet(t *testing.T, size int, cfg Config) *rankSet {
	t.Helper()
	net := looptransport.NewNetwork(size)
	rs := &rankSet{msgrs: make([]*messenger.Messenger, size), mgrs: make([]*Manager, size)}
	for r := 0; r < size; r++ {
		m := messenger.New(r, net.Transport(r), registry.New(r), pool.New(), event.New(r))
		rs.msgrs[r] = m
		rs.mgrs[r] = NewManager(r, size, m, cfg)
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

func TestRouteDeliversDirectlyWhenEntityIsLocal(t *testing.T) {
	rs := newRankSet(t, 2, Config{CacheHopLimit: 2, MaxHops: 8})

	var got []byte
	rs.mgrs[0].SetDeliverHandler(func(id EntityID, env envelope.Envelope, body []byte) {
		got = append([]byte(nil), body...)
	})
	rs.mgrs[0].RegisterLocal(EntityID(0))

	env := envelope.New(0, envelope.InvalidHandlerID)
	err := rs.mgrs[0].Route(EntityID(0), env, []byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)
}

func TestRouteThroughHomeWhenNoCacheEntry(t *testing.T) {
	rs := newRankSet(t, 3, Config{CacheHopLimit: 2, MaxHops: 8})

	// Entity 3's home is rank 0 (3 % 3 == 0); it actually lives on rank 2.
	id := EntityID(3)
	require.Equal(t, 0, HomeRank(id, 3))

	var got []byte
	rs.mgrs[2].SetDeliverHandler(func(id EntityID, env envelope.Envelope, body []byte) {
		got = append([]byte(nil), body...)
	})
	rs.mgrs[2].RegisterLocal(id)
	rs.mgrs[0].home[id] = 2 // home rank's authoritative table reflects current owner

	env := envelope.New(0, envelope.InvalidHandlerID)
	err := rs.mgrs[1].Route(id, env, []byte("payload"), nil)
	require.NoError(t, err)

	rs.drain(5)
	assert.Equal(t, []byte("payload"), got)
}

func TestMigrateUpdatesHomeAndAcksCompletion(t *testing.T) {
	rs := newRankSet(t, 3, Config{CacheHopLimit: 2, MaxHops: 8})

	id := EntityID(0) // home is rank 0
	var arrived []byte
	rs.mgrs[1].SetArriveHandler(func(id EntityID, payload []byte) {
		arrived = append([]byte(nil), payload...)
	})
	rs.mgrs[0].RegisterLocal(id)

	acked := false
	var ackErr error
	err := rs.mgrs[0].Migrate(id, 1, []byte("state"), func(err error) {
		acked = true
		ackErr = err
	})
	require.NoError(t, err)

	rs.drain(5)
	assert.Equal(t, []byte("state"), arrived)
	assert.True(t, acked)
	assert.NoError(t, ackErr)
	assert.Equal(t, 1, rs.mgrs[0].home[id])
	assert.False(t, rs.mgrs[0].isLocal(id))
	assert.True(t, rs.mgrs[1].isLocal(id))
}

func TestRouteBouncesThroughStaleRankAfterMigration(t *testing.T) {
	rs := newRankSet(t, 3, Config{CacheHopLimit: 2, MaxHops: 8})

	id := EntityID(0) // home is rank 0
	rs.mgrs[0].RegisterLocal(id)

	var got []byte
	rs.mgrs[1].SetDeliverHandler(func(id EntityID, env envelope.Envelope, body []byte) {
		got = append([]byte(nil), body...)
	})

	require.NoError(t, rs.mgrs[0].Migrate(id, 1, []byte("state"), nil))
	rs.drain(5)

	// Rank 2 still has rank 0 cached as the owner from before the migration.
	rs.mgrs[2].mu.Lock()
	rs.mgrs[2].cache[id] = 0
	rs.mgrs[2].mu.Unlock()

	env := envelope.New(0, envelope.InvalidHandlerID)
	require.NoError(t, rs.mgrs[2].Route(id, env, []byte("late"), nil))
	rs.drain(5)

	assert.Equal(t, []byte("late"), got)
}

func TestRouteReportsFailureWhenMaxHopsExceeded(t *testing.T) {
	rs := newRankSet(t, 2, Config{CacheHopLimit: 0, MaxHops: 1})

	// Entity is never registered anywhere; every hop bounces to home, which
	// cannot resolve it, so the single allowed hop is consumed immediately.
	id := EntityID(5) // home is rank 1
	require.Equal(t, 1, HomeRank(id, 2))

	var routeErr error
	env := envelope.New(0, envelope.InvalidHandlerID)
	require.NoError(t, rs.mgrs[0].Route(id, env, []byte("x"), func(err error) {
		routeErr = err
	}))

	rs.drain(5)
	require.Error(t, routeErr)
}

func TestHomeRankIsDeterministic(t *testing.T) {
	assert.Equal(t, 2, HomeRank(EntityID(7), 5))
	assert.Equal(t, HomeRank(EntityID(42), 4), HomeRank(EntityID(42), 4))
}
