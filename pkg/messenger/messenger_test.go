package messenger

import (
	"testing"

	"github.com/ember-hpc/vt/internal/fatalerr"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/pool"
	"github.com/ember-hpc/vt/pkg/registry"
	"github.com/ember-hpc/vt/pkg/transport/looptransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRankSet(t *testing.T, size int) []*Messenger {
	t.Helper()
	net := looptransport.NewNetwork(size)
	ranks := make([]*Messenger, size)
	for r := 0; r < size; r++ {
		ranks[r] = New(r, net.Transport(r), registry.New(r), pool.New(), event.New(r))
	}
	return ranks
}

func drain(t *testing.T, ranks []*Messenger, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, m := range ranks {
			m.Progress(64)
		}
	}
}

func TestSendDeliversToRegisteredHandler(t *testing.T) {
	ranks := newRankSet(t, 2)

	var got []byte
	id := ranks[1].RegisterHandler(func(env envelope.Envelope, body []byte) {
		got = append([]byte(nil), body...)
	}, registry.NoTag)

	_, err := ranks[0].Send(1, id, []byte("hello"), 0)
	require.NoError(t, err)

	drain(t, ranks, 5)
	assert.Equal(t, []byte("hello"), got)
}

func TestSendRecordsFromNodeVisibleInsideHandler(t *testing.T) {
	ranks := newRankSet(t, 3)

	var fromNode int
	id := ranks[2].RegisterHandler(func(env envelope.Envelope, body []byte) {
		fromNode, _ = ranks[2].GetFromNode()
	}, registry.NoTag)

	_, err := ranks[1].Send(2, id, []byte("x"), 0)
	require.NoError(t, err)
	drain(t, ranks, 5)

	assert.Equal(t, 1, fromNode)
}

func TestUnknownHandlerParksMessageUntilRegistered(t *testing.T) {
	ranks := newRankSet(t, 2)

	// Rank 1's registry hasn't registered anything yet, so its first
	// Register call is deterministic: handler 0, home node 1. Sending to
	// that not-yet-minted ID exercises the park-then-deliver path.
	reservedID := envelope.NewHandlerID(0, 1, true)

	_, err := ranks[0].Send(1, reservedID, []byte("early"), 0)
	require.NoError(t, err)
	drain(t, ranks, 3)

	assert.Contains(t, ranks[1].OutstandingParked(), reservedID)

	var got []byte
	id := ranks[1].RegisterHandler(func(env envelope.Envelope, body []byte) {
		got = append([]byte(nil), body...)
	}, registry.NoTag)
	require.Equal(t, reservedID, id)

	n := ranks[1].DeliverParked(id)
	assert.Equal(t, 0, n, "RegisterHandler already delivered the parked message")
	assert.Equal(t, []byte("early"), got)
	assert.Empty(t, ranks[1].OutstandingParked())
}

func TestBroadcastReachesEveryRankIncludingSender(t *testing.T) {
	ranks := newRankSet(t, 4)

	var hits []int
	var sharedID envelope.HandlerID
	for r, m := range ranks {
		r := r
		id, err := m.RegisterCollectiveHandler(func(env envelope.Envelope, body []byte) {
			hits = append(hits, r)
		})
		require.NoError(t, err)
		sharedID = id
	}

	_, err := ranks[0].Broadcast(sharedID, []byte("go"), 0, false)
	require.NoError(t, err)
	drain(t, ranks, 6)

	assert.ElementsMatch(t, []int{0, 1, 2, 3}, hits)
}

func TestBroadcastSkipSenderOmitsOrigin(t *testing.T) {
	ranks := newRankSet(t, 3)

	var hits []int
	var sharedID envelope.HandlerID
	for r, m := range ranks {
		r := r
		id, err := m.RegisterCollectiveHandler(func(env envelope.Envelope, body []byte) {
			hits = append(hits, r)
		})
		require.NoError(t, err)
		sharedID = id
	}

	_, err := ranks[0].Broadcast(sharedID, []byte("go"), 0, true)
	require.NoError(t, err)
	drain(t, ranks, 6)

	assert.ElementsMatch(t, []int{1, 2}, hits)
}

func TestSendDataAndRecvDataRoundTrip(t *testing.T) {
	ranks := newRankSet(t, 2)

	var got []byte
	ranks[1].RecvData(envelope.Tag(42), 0, func(body []byte) {
		got = append([]byte(nil), body...)
	})

	_, err := ranks[0].SendData([]byte("payload"), 1, envelope.Tag(42))
	require.NoError(t, err)

	drain(t, ranks, 5)
	assert.Equal(t, []byte("payload"), got)
}

func TestRecvDataArrivingBeforeContinuationIsParkedThenDelivered(t *testing.T) {
	ranks := newRankSet(t, 2)

	_, err := ranks[0].SendData([]byte("payload"), 1, envelope.Tag(7))
	require.NoError(t, err)
	drain(t, ranks, 5)

	var got []byte
	ranks[1].RecvData(envelope.Tag(7), 0, func(body []byte) {
		got = append([]byte(nil), body...)
	})
	assert.Equal(t, []byte("payload"), got)
}

func TestSendToInvalidRankAborts(t *testing.T) {
	aborted := false
	fatalerr.SetExitFunc(func(int) { aborted = true })
	defer fatalerr.SetExitFunc(nil)

	ranks := newRankSet(t, 2)
	_, err := ranks[0].Send(5, envelope.HandlerID(0), []byte("x"), 0)
	require.Error(t, err)
	assert.True(t, aborted)
}

func TestDoubleDeallocAborts(t *testing.T) {
	aborted := false
	fatalerr.SetExitFunc(func(int) { aborted = true })
	defer fatalerr.SetExitFunc(nil)

	ranks := newRankSet(t, 1)
	block := ranks[0].pool.Alloc(16)
	ranks[0].dealloc(block)
	assert.False(t, aborted)

	ranks[0].dealloc(block)
	assert.True(t, aborted)
}

func TestGroupChildrenFormsBinaryTreeRootedAnywhere(t *testing.T) {
	assert.ElementsMatch(t, []int{1, 2}, groupChildren(0, 0, 5))
	assert.ElementsMatch(t, []int{3, 4}, groupChildren(0, 1, 5))
	assert.Empty(t, groupChildren(0, 3, 5))
	// Rooted at 2: relative ranks shift, children wrap with modulo size.
	assert.ElementsMatch(t, []int{3, 4}, groupChildren(2, 2, 5))
}
