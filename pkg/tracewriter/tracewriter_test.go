package tracewriter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushAndReadRoundTripsEventsAndHandlerNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.trace.jsonl.gz")
	w := New(path, 0)
	w.NameHandler(7, "counter::increment")

	now := time.Now().UTC().Truncate(time.Millisecond)
	w.Record(Event{Kind: EventBeginProcessing, Timestamp: now, Rank: 0, HandlerID: 7, EntityID: 1})
	w.Record(Event{Kind: EventEndProcessing, Timestamp: now, Rank: 0, HandlerID: 7, EntityID: 1})

	require.NoError(t, w.Flush())

	runID, rank, names, events, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, w.RunID().String(), runID)
	assert.Equal(t, 0, rank)
	assert.Equal(t, "counter::increment", names[7])
	require.Len(t, events, 2)
	assert.Equal(t, EventBeginProcessing, events[0].Kind)
	assert.Equal(t, EventEndProcessing, events[1].Kind)
}

func TestFlushOnEmptyWriterProducesHeaderOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank1.trace.jsonl.gz")
	w := New(path, 1)
	require.NoError(t, w.Flush())

	_, rank, _, events, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	assert.Empty(t, events)
}
