// Package cmd provides the command-line interface of vmcore.
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/machine"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmcore",
	Short: "vmcore simulates the virtual-memory subsystem of a kernel.",
	Long: `vmcore boots a simulated multi-core machine with paged virtual ` +
		`memory, runs workloads against it, and reports how memory is used.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env",
		"File with VMCORE_* settings to read before the flags.")
	rootCmd.PersistentFlags().Int("cores", 0, "Number of cores.")
	rootCmd.PersistentFlags().Uint64("memory", 0, "Physical memory in MiB.")
	rootCmd.PersistentFlags().Bool("log-faults", false,
		"Log every fault, map and shootdown to stderr.")
}

// loadConfig reads the configuration and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envPath, _ := cmd.Flags().GetString("env")

	c, err := config.Load(envPath)
	if err != nil {
		return c, err
	}

	flags := cmd.Flags()
	if flags.Changed("cores") {
		c.NumCores, _ = flags.GetInt("cores")
	}

	if flags.Changed("memory") {
		c.MemoryMiB, _ = flags.GetUint64("memory")
	}

	if flags.Changed("log-faults") {
		c.LogFaults, _ = flags.GetBool("log-faults")
	}

	if flags.Lookup("record") != nil && flags.Changed("record") {
		c.RecordPath, _ = flags.GetString("record")
	}

	if flags.Lookup("monitor-port") != nil && flags.Changed("monitor-port") {
		c.MonitorPort, _ = flags.GetInt("monitor-port")
		c.Monitor = true
	}

	if flags.Lookup("open") != nil && flags.Changed("open") {
		c.Monitor = true
	}

	if err := c.Validate(); err != nil {
		return c, err
	}

	return c, nil
}

// buildMachine builds a machine from the configuration. The recorder is nil
// unless the configuration asks for a recording.
func buildMachine(c config.Config) (*machine.Machine, datarecording.DataRecorder, error) {
	b := machine.FromConfig(c)

	var recorder datarecording.DataRecorder
	if c.RecordPath != "" {
		recorder = datarecording.New(c.RecordPath)
		b = b.WithRecorder(recorder)
	}

	if c.LogFaults {
		b = b.WithLogger(log.New(os.Stderr, "", log.Lmicroseconds))
	}

	m, err := b.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("building machine: %w", err)
	}

	return m, recorder, nil
}
