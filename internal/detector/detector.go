// Package detector defines the contract with the face-expression model and the
// backends that reach it.
package detector

import (
	"context"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/sirupsen/logrus"
)

// Detector finds faces in a frame and scores their expressions.
// Calls may overlap and may fail; callers impose no retry policy.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
}

// Loader is implemented by detectors whose model assets must be loaded before use.
type Loader interface {
	Load(ctx context.Context) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) error

func (f LoaderFunc) Load(ctx context.Context) error { return f(ctx) }

// Func adapts a function to Detector.
type Func func(ctx context.Context, frame types.Frame) ([]types.Detection, error)

func (f Func) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// Resize rescales detections from the analysed frame size to the display size.
// Only boxes change; expression scores are untouched.
func Resize(dets []types.Detection, from, to types.Size) []types.Detection {
	out := make([]types.Detection, len(dets))
	copy(out, dets)
	if from.Width <= 0 || from.Height <= 0 || from == to {
		return out
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	for i := range out {
		b := out[i].Box
		out[i].Box = types.Box{X: b.X * sx, Y: b.Y * sy, Width: b.Width * sx, Height: b.Height * sy}
	}
	return out
}

// newDetection converts a backend face into a Detection, logging labels outside the known set.
func newDetection(box types.Box, score float64, raw map[string]float64, log *logrus.Entry) types.Detection {
	scores, dropped := types.ParseScores(raw)
	if len(dropped) > 0 && log != nil {
		log.WithField("labels", dropped).Debug("dropping unusable expression labels")
	}
	return types.Detection{Box: box, Score: score, Expressions: scores}
}
