package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
