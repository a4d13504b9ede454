package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ember-hpc/vt/internal/cliutil"
	"github.com/ember-hpc/vt/pkg/statsfile"
)

var statsCmd = &cobra.Command{
	Use:   "stats <file>",
	Short: "Inspect a load-balancing stats file",
	Long: `Load a stats file written by pkg/statsfile and print its load and
communication records.

Examples:
  vtctl stats rank0.stats
  vtctl stats rank0.stats --comms`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

var statsShowComms bool

func init() {
	statsCmd.Flags().BoolVar(&statsShowComms, "comms", false, "print communication records instead of load records")
}

type loadTable []statsfile.LoadRecord

func (t loadTable) Headers() []string { return []string{"PHASE", "ENTITY", "LOAD", "SUBPHASES"} }

func (t loadTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		rows = append(rows, []string{
			strconv.Itoa(r.Phase),
			strconv.FormatUint(r.EntityID, 10),
			strconv.FormatFloat(r.WholeLoad, 'f', 2, 64),
			strconv.Itoa(len(r.Subphases)),
		})
	}
	return rows
}

type commTable []statsfile.CommRecord

func (t commTable) Headers() []string { return []string{"PHASE", "FROM", "TO", "BYTES", "CATEGORY"} }

func (t commTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		rows = append(rows, []string{
			strconv.Itoa(r.Phase),
			strconv.FormatUint(r.FromID, 10),
			strconv.FormatUint(r.ToID, 10),
			strconv.FormatUint(r.Bytes, 10),
			strconv.Itoa(int(r.Category)),
		})
	}
	return rows
}

func runStats(cmd *cobra.Command, args []string) error {
	loads, comms, err := statsfile.Load(args[0])
	if err != nil {
		return fmt.Errorf("load stats file: %w", err)
	}

	if statsShowComms {
		if len(comms) == 0 {
			fmt.Println("No communication records.")
			return nil
		}
		cliutil.PrintTable(os.Stdout, commTable(comms))
		return nil
	}

	if len(loads) == 0 {
		fmt.Println("No load records.")
		return nil
	}
	cliutil.PrintTable(os.Stdout, loadTable(loads))
	return nil
}
