package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/sarchlab/vmcore/datarecording"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario on a new machine and print its memory report.",
	Long: "`run --scenario " + strings.Join(scenarioNames(), "|") +
		"` boots a machine, runs the scenario, and prints meminfo.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("scenario")

		run, ok := scenarios[name]
		if !ok {
			return fmt.Errorf("unknown scenario %q, want one of %s",
				name, strings.Join(scenarioNames(), ", "))
		}

		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		m, recorder, err := buildMachine(c)
		if err != nil {
			return err
		}
		defer m.Shutdown()

		if recorder != nil {
			rec := datarecording.NewRunRecorder(recorder)
			rec.Start(map[string]string{
				"Scenario": name,
				"Cores":    strconv.Itoa(c.NumCores),
				"Memory":   fmt.Sprintf("%d MiB", c.MemoryMiB),
				"TLB":      fmt.Sprintf("%dx%d", c.TLBSets, c.TLBWays),
			})
			defer rec.End()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		open, _ := cmd.Flags().GetBool("open")
		if mon := m.Monitor(); mon != nil && open {
			if err := browser.OpenURL(mon.URL()); err != nil {
				fmt.Fprintf(os.Stderr, "cannot open browser: %v\n", err)
			}
		}

		out := cmd.OutOrStdout()
		if err := run(ctx, m, out); err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}

		fmt.Fprint(out, m.MemInfo())

		wait, _ := cmd.Flags().GetBool("wait")
		if m.Monitor() != nil && wait {
			fmt.Fprintln(os.Stderr, "Waiting for interrupt, monitor at", m.Monitor().URL())
			<-ctx.Done()
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("scenario", "cow", "Scenario to run.")
	runCmd.Flags().String("record", "",
		"Record faults and shootdowns to <record>.sqlite3.")
	runCmd.Flags().Int("monitor-port", 0,
		"Serve the monitor on this port. Turns monitoring on.")
	runCmd.Flags().Bool("open", false,
		"Open the monitor in a browser. Turns monitoring on.")
	runCmd.Flags().Bool("wait", false,
		"Keep the machine and its monitor up until interrupted.")
}
