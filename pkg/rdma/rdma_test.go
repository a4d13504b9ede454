package rdma

import (
	"bytes"
	"encoding/binary"
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
	msgrs []*messenger.Messenger
	mgrs  []*Manager
}

func newRankSet(t *testing.T, size int) *rankSet {
	t.Helper()
	net := looptransport.NewNetwork(size)
	rs := &rankSet{msgrs: make([]*messenger.Messenger, size), mgrs: make([]*Manager, size)}
	for r := 0; r < size; r++ {
		m := messenger.New(r, net.Transport(r), registry.New(r), pool.New(), event.New(r))
		rs.msgrs[r] = m
		rs.mgrs[r] = New(r, m)
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

func TestGetReadsDirectlyFromRegisteredBuffer(t *testing.T) {
	rs := newRankSet(t, 2)

	handle := rs.mgrs[1].RegisterHandle([]byte("hello world"), 11, false)

	localBuf := make([]byte, 5)
	var got []byte
	var gotErr error
	err := rs.mgrs[0].Get(handle, localBuf, 5, 0, 0, 0, func(body []byte, err error) {
		got = append([]byte(nil), body...)
		gotErr = err
	})
	require.NoError(t, err)

	rs.drain(5)
	require.NoError(t, gotErr)
	assert.Equal(t, []byte("hello"), got)
}

func TestGetUsesAssociatedGetFn(t *testing.T) {
	rs := newRankSet(t, 2)

	handle := rs.mgrs[1].RegisterHandle(nil, 0, false)
	rs.mgrs[1].AssociateGetFn(handle, func(offset, n uint64) []byte {
		return []byte("synthesized")
	}, 0)

	localBuf := make([]byte, 11)
	var got []byte
	err := rs.mgrs[0].Get(handle, localBuf, 11, 0, 0, 0, func(body []byte, err error) {
		got = append([]byte(nil), body...)
	})
	require.NoError(t, err)

	rs.drain(5)
	assert.Equal(t, []byte("synthesized"), got)
}

func TestGetOutOfRangeReportsFailure(t *testing.T) {
	rs := newRankSet(t, 2)

	handle := rs.mgrs[1].RegisterHandle([]byte("short"), 5, false)

	localBuf := make([]byte, 100)
	var gotErr error
	err := rs.mgrs[0].Get(handle, localBuf, 100, 0, 0, 0, func(body []byte, err error) {
		gotErr = err
	})
	require.NoError(t, err)

	rs.drain(5)
	assert.Error(t, gotErr)
}

func TestPutWritesDirectlyIntoRegisteredBuffer(t *testing.T) {
	rs := newRankSet(t, 2)

	buf := make([]byte, 11)
	handle := rs.mgrs[1].RegisterHandle(buf, 11, false)

	sent := false
	applied := false
	var applyErr error
	err := rs.mgrs[0].Put(handle, []byte("hello world"), 0, 0, 0,
		func(err error) { sent = true },
		func(err error) { applied = true; applyErr = err },
	)
	require.NoError(t, err)

	rs.drain(5)
	assert.True(t, sent)
	assert.True(t, applied)
	assert.NoError(t, applyErr)
	assert.Equal(t, []byte("hello world"), buf)
}

func TestPutUsesAssociatedPutFn(t *testing.T) {
	rs := newRankSet(t, 2)

	handle := rs.mgrs[1].RegisterHandle(nil, 0, false)
	var applied []byte
	rs.mgrs[1].AssociatePutFn(handle, func(offset uint64, data []byte) {
		applied = append([]byte(nil), data...)
	}, 0)

	err := rs.mgrs[0].Put(handle, []byte("payload"), 0, 0, 0, nil, nil)
	require.NoError(t, err)

	rs.drain(5)
	assert.Equal(t, []byte("payload"), applied)
}

func TestCollectiveHandleRoutesByMapFunction(t *testing.T) {
	rs := newRankSet(t, 3)

	elemSize := uint64(4)
	mapFn := func(elemIdx uint64) int { return int(elemIdx) % 3 }

	var handles [3]HandleID
	var err error
	for r := 0; r < 3; r++ {
		handles[r], err = rs.mgrs[r].RegisterCollective(make([]byte, 4), 4, 12, elemSize, mapFn)
		require.NoError(t, err)
	}
	require.Equal(t, handles[0], handles[1])
	require.Equal(t, handles[1], handles[2])

	buf := make([]byte, 4)
	var got []byte
	// Element index 2 maps to rank 2; offset 0 is local to rank 2's shard.
	err = rs.mgrs[0].Get(handles[0], buf, 4, 0, 2, 0, func(body []byte, err error) {
		got = append([]byte(nil), body...)
	})
	require.NoError(t, err)

	rs.drain(5)
	assert.Len(t, got, 4)
}

func TestGetTypedReadsElementsAtOffset(t *testing.T) {
	rs := newRankSet(t, 2)

	values := make([]float64, 64)
	buf := new(bytes.Buffer)
	for i := range values {
		values[i] = float64(i)
		require.NoError(t, binary.Write(buf, binary.BigEndian, values[i]))
	}
	handle := rs.mgrs[0].RegisterHandle(buf.Bytes(), uint64(buf.Len()), false)

	local := make([]float64, 2)
	var got []float64
	var gotErr error
	err := GetTyped(rs.mgrs[1], handle, local, 0, 0, 0, func(out []float64, err error) {
		got = append([]float64(nil), out...)
		gotErr = err
	})
	require.NoError(t, err)

	rs.drain(5)
	require.NoError(t, gotErr)
	assert.Equal(t, []float64{0.0, 1.0}, got)
}

func TestPutTypedWritesElementsAtOffset(t *testing.T) {
	rs := newRankSet(t, 2)

	target := make([]float64, 2)
	buf := new(bytes.Buffer)
	for _, v := range target {
		require.NoError(t, binary.Write(buf, binary.BigEndian, v))
	}
	handle := rs.mgrs[0].RegisterHandle(buf.Bytes(), uint64(buf.Len()), false)

	source := []float64{2, 3, 4, 5}
	applied := false
	var applyErr error
	err := PutTyped(rs.mgrs[1], handle, source[:2], 0, 0, 0, nil, func(err error) {
		applied = true
		applyErr = err
	})
	require.NoError(t, err)

	rs.drain(5)
	require.True(t, applied)
	require.NoError(t, applyErr)

	region := rs.mgrs[0].regions[handle]
	var got [2]float64
	require.NoError(t, binary.Read(bytes.NewReader(region.buf), binary.BigEndian, &got))
	assert.Equal(t, [2]float64{2, 3}, got)
}

func TestChannelPutDeliversRepeatedTransfers(t *testing.T) {
	rs := newRankSet(t, 2)

	targetBuf := make([]byte, 5)
	handle := rs.mgrs[0].RegisterHandle(targetBuf, 5, false)

	var received [][]byte
	targetChan, err := rs.mgrs[0].NewChannel(ChannelPut, handle, 0, 1, func(data []byte) {
		received = append(received, append([]byte(nil), data...))
	})
	require.NoError(t, err)
	_ = targetChan

	sourceChan, err := rs.mgrs[1].NewChannel(ChannelPut, handle, 0, 1, nil)
	require.NoError(t, err)

	require.NoError(t, sourceChan.SyncLocal([]byte("abcde")))
	rs.drain(5)
	require.NoError(t, sourceChan.SyncLocal([]byte("fghij")))
	rs.drain(5)

	require.Len(t, received, 2)
	assert.Equal(t, []byte("abcde"), received[0])
	assert.Equal(t, []byte("fghij"), received[1])
}
