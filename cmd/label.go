package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <session> <name>",
	Short: "Assign a name to a recorded capture session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, prefix, name string) error {
	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return err
	}

	id, err := db.ResolveSession(ctx, prefix)
	if err != nil {
		utils.ShowError("Unknown session", err, nil)
		return err
	}
	if err := db.RenameSession(ctx, id, name); err != nil {
		utils.ShowError("Failed to label session", err, nil)
		return err
	}

	fmt.Printf("✅ Session %s labeled as '%s'\n", id[:min(12, len(id))], name)
	return nil
}
