package cmd

import (
	"fmt"

	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/stream"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/worker"
)

// expressionIcons decorate the dominant expression in progress output.
var expressionIcons = map[types.Expression]string{
	types.Neutral:   "😐",
	types.Happy:     "😀",
	types.Sad:       "😢",
	types.Angry:     "😠",
	types.Fearful:   "😨",
	types.Disgusted: "🤢",
	types.Surprised: "😮",
}

// describe renders the dominant expression of a distribution, e.g. "😀 happy 60%".
func describe(d types.Distribution) string {
	e, pct, ok := d.Dominant()
	if !ok {
		return "🫥 no faces"
	}
	return fmt.Sprintf("%s %s %.0f%%", expressionIcons[e], e, pct)
}

func newSource(c *config.Config) (stream.Source, error) {
	log := component("stream")
	switch c.Source.Kind {
	case "ffmpeg":
		return &stream.FFmpeg{
			Device:         c.Source.Device,
			InputFormat:    c.Source.InputFormat,
			VideoSize:      fmt.Sprintf("%dx%d", c.Capture.Width, c.Capture.Height),
			Fallback:       c.Capture.Display(),
			AcquireTimeout: c.Capture.AcquireTimeout,
			Log:            log,
		}, nil
	case "mjpeg":
		return &stream.MJPEG{
			URL:            c.Source.URL,
			Fallback:       c.Capture.Display(),
			AcquireTimeout: c.Capture.AcquireTimeout,
			Log:            log,
		}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", c.Source.Kind)
}

// engine is a configured detector together with what must load before it can be used.
type engine struct {
	detector.Detector
	loaders []detector.Loader
	close   func() error
}

func newEngine(c *config.Config) (*engine, error) {
	log := component("detector")
	assets := detector.RequireAssets(c.Models.Dir, c.Models.Required...)

	switch c.Detector.Kind {
	case "worker":
		pool := detector.NewPool(worker.Config{
			Python:      c.Detector.Python,
			Script:      c.Detector.Script,
			ModelDir:    c.Models.Dir,
			ReadTimeout: c.Capture.DetectTimeout,
		}, c.Detector.Engines, log)
		return &engine{Detector: pool, loaders: []detector.Loader{assets, pool}, close: pool.Close}, nil
	case "socket":
		s := detector.NewSocket(c.Detector.Socket, c.Capture.DetectTimeout, log)
		return &engine{Detector: s, loaders: []detector.Loader{s}, close: func() error { return nil }}, nil
	case "http":
		h := detector.NewHTTP(c.Detector.URL, c.Capture.DetectTimeout, log)
		return &engine{Detector: h, loaders: []detector.Loader{h}, close: func() error { return nil }}, nil
	}
	return nil, fmt.Errorf("unknown detector kind %q", c.Detector.Kind)
}
