package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/emoscope/internal/store"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "List recorded capture sessions, or the samples of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := openDB(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to connect to database", err, nil)
			return err
		}
		if len(args) == 0 {
			return runHistory(cmd.Context(), db, os.Stdout)
		}
		return runSessionHistory(cmd.Context(), db, args[0], historyLimit, os.Stdout)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show at most this many samples (0 = all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, db *store.Store, out io.Writer) error {
	sessions, err := db.ListSessions(ctx)
	if err != nil {
		utils.ShowError("Failed to list sessions", err, nil)
		return err
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No recorded sessions found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSOURCE\tSTARTED\tDURATION\tSAMPLES")
	fmt.Fprintln(w, "--\t----\t------\t-------\t--------\t-------")

	for _, s := range sessions {
		duration := "live"
		if s.EndedAt != nil {
			duration = utils.FmtTime(s.EndedAt.Sub(s.StartedAt).Seconds())
		}
		name := s.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID[:min(12, len(s.ID))], name, s.Source,
			s.StartedAt.Local().Format("2006-01-02 15:04"), duration, s.Samples)
	}
	return w.Flush()
}

func runSessionHistory(ctx context.Context, db *store.Store, prefix string, limit int, out io.Writer) error {
	id, err := db.ResolveSession(ctx, prefix)
	if err != nil {
		utils.ShowError("Unknown session", err, nil)
		return err
	}
	samples, err := db.GetSamples(ctx, id, limit)
	if err != nil {
		utils.ShowError("Failed to retrieve samples", err, nil)
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(out, "No samples recorded for this session.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tFACES\tDOMINANT\tEMOTIONS")
	fmt.Fprintln(w, "---\t----\t-----\t--------\t--------")

	for _, s := range samples {
		parts := make([]string, 0, len(s.Emotions))
		for _, e := range s.Emotions.Entries() {
			parts = append(parts, fmt.Sprintf("%s=%.1f", e.Emotion, e.Percentage))
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			s.Seq, s.CapturedAt.Local().Format("15:04:05.000"), s.Faces,
			describe(s.Emotions), strings.Join(parts, " "))
	}
	return w.Flush()
}
