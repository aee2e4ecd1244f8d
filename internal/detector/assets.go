package detector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultAssets are the manifests of the four networks the expression pipeline needs:
// face detector, 68-point landmarks, recognition and expression.
var DefaultAssets = []string{
	"tiny_face_detector_model-weights_manifest.json",
	"face_landmark_68_model-weights_manifest.json",
	"face_recognition_model-weights_manifest.json",
	"face_expression_model-weights_manifest.json",
}

// RequireAssets returns a Loader that fails unless every named asset exists in dir and is non-empty.
func RequireAssets(dir string, names ...string) Loader {
	return LoaderFunc(func(ctx context.Context) error {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("model asset %s: %w", name, err)
			}
			if info.IsDir() || info.Size() == 0 {
				return fmt.Errorf("model asset %s is empty or not a file", path)
			}
		}
		return nil
	})
}
