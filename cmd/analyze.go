package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/emoscope/internal/aggregate"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>...",
	Short: "Aggregate the expressions of every face in still images",
	Long: "Detects every face in each image and prints the aggregated expression distribution per image.\n" +
		"Images are spread over --engines detectors." + workerHelp,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnalyze(cmd.Context(), args, os.Stdout)
	},
}

func init() {
	analyzeCmd.Flags().IntP("engines", "e", 1, "Number of parallel worker engines")
	configFlag(analyzeCmd.Flags(), "engines", "detector.engines")
	rootCmd.AddCommand(analyzeCmd)
}

type analyzeRow struct {
	Path  string
	Faces int
	Dist  types.Distribution
	Err   error
}

func runAnalyze(ctx context.Context, paths []string, out io.Writer) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range eng.loaders {
		l := l
		g.Go(func() error { return l.Load(gctx) })
	}
	if err := g.Wait(); err != nil {
		utils.ShowError("Failed to load models", err, nil)
		return err
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🔍 Analyzing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	// One image per engine at a time; rows keep the argument order.
	rows := make([]analyzeRow, len(paths))
	work, wctx := errgroup.WithContext(ctx)
	work.SetLimit(max(cfg.Detector.Engines, 1))
	for i, p := range paths {
		i, p := i, p
		work.Go(func() error {
			if err := wctx.Err(); err != nil {
				return err
			}
			row := analyzeRow{Path: p}
			frame, err := loadFrame(p, uint64(i+1))
			if err == nil {
				var dets []types.Detection
				dets, err = eng.Detect(wctx, frame)
				row.Faces = len(dets)
				row.Dist = aggregate.Reduce(types.FrameResultOf(dets))
			}
			row.Err = err
			rows[i] = row
			bar.Add(1)
			return nil
		})
	}
	if err := work.Wait(); err != nil {
		return err
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	printAnalysis(out, rows)
	return nil
}

// loadFrame reads an image file as a frame, taking its size from the image header.
func loadFrame(path string, seq uint64) (types.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, err
	}
	conf, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("not a supported image: %w", err)
	}
	return types.Frame{Seq: seq, At: time.Now(), Width: conf.Width, Height: conf.Height, Data: data}, nil
}

func printAnalysis(out io.Writer, rows []analyzeRow) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	header := []string{"IMAGE", "FACES", "DOMINANT"}
	for _, e := range types.Expressions {
		header = append(header, strings.ToUpper(e.String()))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))

	for _, r := range rows {
		cols := []string{filepath.Base(r.Path)}
		if r.Err != nil {
			cols = append(cols, "-", "❌ "+r.Err.Error())
			fmt.Fprintln(w, strings.Join(cols, "\t"))
			continue
		}
		cols = append(cols, fmt.Sprint(r.Faces), describe(r.Dist))
		for _, e := range types.Expressions {
			if v, ok := r.Dist[e]; ok {
				cols = append(cols, fmt.Sprintf("%.1f%%", v))
			} else {
				cols = append(cols, "-")
			}
		}
		fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	w.Flush()
}
