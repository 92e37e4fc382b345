package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
)

var reportCmd = &cobra.Command{
	Use:   "report <recording.sqlite3>",
	Short: "Summarize the faults and shootdowns of a recording.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		reader.MapTable("page_fault", fault.Record{})
		reader.MapTable("shootdown", tlb.ShootdownRecord{})

		out := cmd.OutOrStdout()
		for _, col := range []string{"Kind", "Action", "Reason"} {
			counts, err := reader.CountBy(cmd.Context(), "page_fault", col)
			if err != nil {
				return err
			}

			printCounts(out, "faults by "+col, counts)
		}

		counts, err := reader.CountBy(cmd.Context(), "shootdown", "Full")
		if err != nil {
			return err
		}

		printCounts(out, "shootdowns by Full", counts)

		last, _ := cmd.Flags().GetInt("last")
		if last <= 0 {
			return nil
		}

		rows, total, err := reader.Query(cmd.Context(), "page_fault",
			datarecording.QueryParams{OrderBy: "rowid DESC", Limit: last})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "last %d of %d faults:\n", len(rows), total)
		for _, row := range rows {
			r := row.(*fault.Record)
			fmt.Fprintf(out, "  pid %d core %d %s %s %s %s\n",
				r.PID, r.Core, r.Addr, r.Kind, r.State, r.Reason)
		}

		return nil
	},
}

func printCounts(out io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	fmt.Fprintf(out, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-24s%8d\n", k, counts[k])
	}
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().Int("last", 10, "Also list the last N faults.")
}
