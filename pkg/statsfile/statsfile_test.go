package statsfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushAndLoadRoundTripsLoadAndCommRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.stats")
	w := New(path)

	w.RecordLoad(LoadRecord{Phase: 0, EntityID: 1, WholeLoad: 3.5, Subphases: []float64{1.5, 2.0}})
	w.RecordLoad(LoadRecord{Phase: 0, EntityID: 2, WholeLoad: 1.0, Subphases: nil})
	w.RecordComm(CommRecord{Phase: 0, ToID: 2, FromID: 1, Bytes: 128, Category: SendRecv})
	w.RecordComm(CommRecord{Phase: 0, ToID: 9, FromID: 1, Bytes: 64, Category: Broadcast})

	require.NoError(t, w.Flush())

	loads, comms, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loads, 2)
	require.Len(t, comms, 2)

	assert.Equal(t, uint64(1), loads[0].EntityID)
	assert.Equal(t, []float64{1.5, 2.0}, loads[0].Subphases)
	assert.Equal(t, uint64(2), loads[1].EntityID)
	assert.Empty(t, loads[1].Subphases)

	assert.Equal(t, SendRecv, comms[0].Category)
	assert.Equal(t, Broadcast, comms[1].Category)
}

func TestFlushIsIdempotentAndOverwritesPriorContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.stats")
	w := New(path)
	w.RecordLoad(LoadRecord{Phase: 0, EntityID: 1, WholeLoad: 1})
	require.NoError(t, w.Flush())

	w.RecordLoad(LoadRecord{Phase: 1, EntityID: 1, WholeLoad: 2})
	require.NoError(t, w.Flush())

	loads, _, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loads, 2, "Flush should rewrite the whole buffer, not append to the prior file")
}
