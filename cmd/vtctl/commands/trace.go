package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ember-hpc/vt/internal/cliutil"
	"github.com/ember-hpc/vt/pkg/tracewriter"
)

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Inspect a gzip-compressed event trace",
	Long: `Read a trace file written by pkg/tracewriter and print its header and
event records.

Examples:
  vtctl trace rank0.trace
  vtctl trace rank0.trace --kind message_recv`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

var traceKindFilter string

func init() {
	traceCmd.Flags().StringVar(&traceKindFilter, "kind", "", "only print events of this kind")
}

type eventTable struct {
	events []tracewriter.Event
	names  map[uint64]string
}

func (t eventTable) Headers() []string {
	return []string{"TIME", "KIND", "HANDLER", "ENTITY", "FROM", "TO", "BYTES"}
}

func (t eventTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.events))
	for _, ev := range t.events {
		handler := t.names[ev.HandlerID]
		if handler == "" {
			handler = fmt.Sprintf("%d", ev.HandlerID)
		}
		rows = append(rows, []string{
			ev.Timestamp.Format("15:04:05.000000"),
			string(ev.Kind),
			handler,
			fmt.Sprintf("%d", ev.EntityID),
			fmt.Sprintf("%d", ev.FromRank),
			fmt.Sprintf("%d", ev.ToRank),
			fmt.Sprintf("%d", ev.Bytes),
		})
	}
	return rows
}

func runTrace(cmd *cobra.Command, args []string) error {
	runID, rank, names, events, err := tracewriter.Read(args[0])
	if err != nil {
		return fmt.Errorf("read trace file: %w", err)
	}

	fmt.Printf("run %s, rank %d, %d event(s)\n", runID, rank, len(events))

	if traceKindFilter != "" {
		filtered := events[:0]
		for _, ev := range events {
			if string(ev.Kind) == traceKindFilter {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	if len(events) == 0 {
		return nil
	}
	cliutil.PrintTable(os.Stdout, eventTable{events: events, names: names})
	return nil
}
