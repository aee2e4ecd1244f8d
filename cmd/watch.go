package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/emoscope/internal/api"
	"github.com/andresmejia3/emoscope/internal/capture"
	"github.com/andresmejia3/emoscope/internal/sampler"
	"github.com/andresmejia3/emoscope/internal/store"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// WatchOptions holds the flags of the watch command
type WatchOptions struct {
	Open     bool
	Duration time.Duration
	Record   bool
}

var watchOpts WatchOptions

const workerHelp = `

The default worker detector runs detector.script (python/worker.py) with python3, once per engine.
The script is not bundled; it must load the models from models.dir and speak this protocol:
  - after loading, write one frame to FD 3: a status byte 0, or 1 plus [uint32 len][message] on failure
  - then, for each [uint32 len][JPEG] read from stdin, write [uint32 len][0][JSON faces] to FD 3,
    where each face is {"box":[x,y,w,h],"score":s,"expressions":{"happy":0.8,...}}
Lengths are big-endian. A model service can be used instead with detector.kind socket or http.`

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sample a live camera and publish its expression distribution",
	Long: "Loads the expression models, then samples the camera at a fixed interval while capture is open.\n" +
		"Capture is opened and closed through the HTTP API, or with --open/--duration." + workerHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd.Context(), watchOpts)
	},
}

func init() {
	f := watchCmd.Flags()
	f.String("addr", ":8080", "HTTP API listen address (empty disables the API)")
	f.Duration("interval", 200*time.Millisecond, "Sampling interval")
	f.String("device", "/dev/video0", "Capture device for the ffmpeg source")
	f.IntP("engines", "e", 1, "Number of parallel worker engines")
	configFlag(f, "addr", "server.addr")
	configFlag(f, "interval", "capture.interval")
	configFlag(f, "device", "source.device")
	configFlag(f, "engines", "detector.engines")

	f.BoolVar(&watchOpts.Open, "open", false, "Open capture as soon as the models are loaded")
	f.DurationVarP(&watchOpts.Duration, "duration", "d", 0, "Close capture and exit after this long (implies --open)")
	f.BoolVar(&watchOpts.Record, "record", false, "Store every published distribution in PostgreSQL")
	rootCmd.AddCommand(watchCmd)
}

// validateWatchFlags ensures the flags make sense before starting heavy processes.
func validateWatchFlags(opts *WatchOptions, addr string) error {
	if opts.Duration < 0 {
		return fmt.Errorf("invalid duration %s: must not be negative", opts.Duration)
	}
	if opts.Duration > 0 {
		opts.Open = true
	}
	if addr == "" && !opts.Open {
		return errors.New("nothing to do: pass --open or --duration, or serve the API with --addr")
	}
	return nil
}

func runWatch(ctx context.Context, opts WatchOptions) error {
	addr := cfg.Server.Addr
	if err := validateWatchFlags(&opts, addr); err != nil {
		utils.ShowError("Invalid watch flags", err, nil)
		return err
	}
	headless := addr == ""

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	machine := capture.New(src, component("capture"))
	board := sampler.NewBoard()
	loop := sampler.NewLoop(eng, machine, board, sampler.Options{
		Interval:      cfg.Capture.Interval,
		Display:       cfg.Capture.Display(),
		MaxInflight:   cfg.Capture.MaxInflight,
		DetectTimeout: cfg.Capture.DetectTimeout,
	}, component("sampler"))

	// Close capture before anything it depends on goes away.
	defer func() {
		if machine.State() == capture.Capturing {
			if err := machine.Close(); err != nil {
				component("capture").WithError(err).Warn("close on exit failed")
			}
		}
		loop.Wait()
	}()

	if opts.Record {
		db, err := openDB(ctx)
		if err != nil {
			utils.ShowError("Recording requested but the database is unavailable", err, nil)
			return err
		}
		rec := store.NewRecorder(db, src.Name(), component("recorder"))
		updates, cancel := board.Subscribe(64)
		defer cancel()
		machine.Attach(rec)
		recCtx, stopRec := context.WithCancel(ctx)
		recDone := make(chan struct{})
		go func() {
			rec.Run(recCtx, updates)
			close(recDone)
		}()
		// Stopping the recorder ends its open session.
		defer func() {
			stopRec()
			<-recDone
		}()
	}

	// The recorder must see each Arm before the loop can publish under it.
	machine.Attach(loop)

	serveErr := make(chan error, 1)
	if !headless {
		srv := api.NewServer(machine, board, component("api"))
		go func() { serveErr <- srv.Listen(addr) }()
		defer srv.Shutdown(5 * time.Second)
		fmt.Fprintf(os.Stderr, "🌐 API listening on %s\n", addr)
	}

	fmt.Fprintf(os.Stderr, "🧠 Loading models (%s detector)...\n", cfg.Detector.Kind)
	loaded := make(chan error, 1)
	go func() { loaded <- machine.Load(ctx, eng.loaders...) }()

	select {
	case err := <-loaded:
		if err != nil {
			utils.ShowError("Failed to load models", err, nil)
			if headless {
				return err
			}
			// The API keeps serving; /api/state reports the failure.
			return waitForExit(ctx, serveErr)
		}
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return nil
	}
	fmt.Fprintln(os.Stderr, "✅ Models loaded")

	if !opts.Open {
		fmt.Fprintln(os.Stderr, "⏸️  Ready. POST /api/open to start capturing.")
		return waitForExit(ctx, serveErr)
	}

	fmt.Fprintf(os.Stderr, "📷 Opening %s...\n", src.Name())
	if err := machine.Open(ctx); err != nil {
		utils.ShowError("Failed to open capture", err, nil)
		if headless {
			return err
		}
		return waitForExit(ctx, serveErr)
	}

	if opts.Duration > 0 {
		return watchFor(ctx, machine, board, opts.Duration)
	}
	return waitForExit(ctx, serveErr)
}

// watchFor samples for d with a progress bar whose description tracks the dominant expression.
func watchFor(ctx context.Context, machine *capture.Machine, board *sampler.Board, d time.Duration) error {
	updates, cancel := board.Subscribe(16)
	defer cancel()

	bar := progressbar.NewOptions(max(int(d/cfg.Capture.Interval), 1),
		progressbar.OptionSetDescription("🎥 Sampling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	timer := time.NewTimer(d)
	defer timer.Stop()

	published := 0
	for {
		select {
		case p := <-updates:
			published++
			bar.Describe(describe(p.Distribution))
			bar.Add(1)
		case <-timer.C:
			bar.Finish()
			if err := machine.Close(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\n🏁 Capture closed after %s. %d distributions published.\n", d, published)
			return nil
		case <-ctx.Done():
			bar.Finish()
			return nil
		}
	}
}

func waitForExit(ctx context.Context, serveErr <-chan error) error {
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n👋 Shutting down...")
		return nil
	case err := <-serveErr:
		return err
	}
}
