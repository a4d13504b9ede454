package commands

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-hpc/vt/pkg/statsfile"
)

func TestRunStatsPrintsLoadRecordsByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.stats")
	w := statsfile.New(path)
	w.RecordLoad(statsfile.LoadRecord{Phase: 0, EntityID: 1, WholeLoad: 2.5})
	require.NoError(t, w.Flush())

	statsShowComms = false
	cmd := statsCmd
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	require.NoError(t, runStats(cmd, []string{path}))
}

func TestRunStatsPrintsCommRecordsWhenFlagSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank0.stats")
	w := statsfile.New(path)
	w.RecordComm(statsfile.CommRecord{Phase: 0, ToID: 2, FromID: 1, Bytes: 64, Category: statsfile.SendRecv})
	require.NoError(t, w.Flush())

	statsShowComms = true
	defer func() { statsShowComms = false }()

	require.NoError(t, runStats(statsCmd, []string{path}))
}

func TestLoadTableRowsFormatsSubphaseCount(t *testing.T) {
	table := loadTable{{Phase: 1, EntityID: 7, WholeLoad: 3.0, Subphases: []float64{1, 2, 3}}}
	rows := table.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "3", rows[0][3])
}
