package commands

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-hpc/vt/pkg/tracewriter"
)

func TestRunTracePrintsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.trace")
	w := tracewriter.New(path, 0)
	w.NameHandler(1, "ping")
	w.Record(tracewriter.Event{Kind: tracewriter.EventMessageRecv, HandlerID: 1, FromRank: 1, ToRank: 0, Bytes: 32})
	require.NoError(t, w.Flush())

	traceKindFilter = ""
	require.NoError(t, runTrace(traceCmd, []string{path}))
}

func TestRunTraceFiltersByKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.trace")
	w := tracewriter.New(path, 0)
	w.Record(tracewriter.Event{Kind: tracewriter.EventMessageRecv})
	w.Record(tracewriter.Event{Kind: tracewriter.EventBeginProcessing})
	require.NoError(t, w.Flush())

	traceKindFilter = string(tracewriter.EventBeginProcessing)
	defer func() { traceKindFilter = "" }()

	require.NoError(t, runTrace(traceCmd, []string{path}))
}

func TestEventTableRowsUsesHandlerNameWhenKnown(t *testing.T) {
	table := eventTable{
		events: []tracewriter.Event{{HandlerID: 1}},
		names:  map[uint64]string{1: "ping"},
	}
	rows := table.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "ping", rows[0][2])
}
