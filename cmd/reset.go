package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every recorded session and sample",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !resetForce && !confirm(bufio.NewReader(os.Stdin), os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Println("Aborted.")
			return nil
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to connect to database", err, nil)
			return err
		}
		fmt.Println("🗑️  Clearing Database...")
		if err := db.Reset(cmd.Context()); err != nil {
			utils.ShowError("Failed to reset database", err, nil)
			return err
		}
		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
