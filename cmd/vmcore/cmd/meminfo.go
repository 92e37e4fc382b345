package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var meminfoCmd = &cobra.Command{
	Use:   "meminfo",
	Short: "Boot a machine and print its memory report.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c.Monitor = false
		c.RecordPath = ""

		m, _, err := buildMachine(c)
		if err != nil {
			return err
		}
		defer m.Shutdown()

		fmt.Fprint(cmd.OutOrStdout(), m.MemInfo())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(meminfoCmd)
}
