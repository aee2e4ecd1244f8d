package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/emoscope/internal/types"
)

func TestResize(t *testing.T) {
	dets := []types.Detection{
		{Box: types.Box{X: 10, Y: 20, Width: 30, Height: 40}, Expressions: types.ExpressionScores{types.Happy: 1}},
	}

	tests := []struct {
		name string
		from types.Size
		to   types.Size
		want types.Box
	}{
		{"Upscale", types.Size{Width: 320, Height: 240}, types.Size{Width: 640, Height: 480}, types.Box{X: 20, Y: 40, Width: 60, Height: 80}},
		{"Same size", types.Size{Width: 640, Height: 480}, types.Size{Width: 640, Height: 480}, types.Box{X: 10, Y: 20, Width: 30, Height: 40}},
		{"Unknown source size", types.Size{}, types.Size{Width: 640, Height: 480}, types.Box{X: 10, Y: 20, Width: 30, Height: 40}},
		{"Anisotropic", types.Size{Width: 100, Height: 100}, types.Size{Width: 200, Height: 50}, types.Box{X: 20, Y: 10, Width: 60, Height: 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resize(dets, tt.from, tt.to)
			if got[0].Box != tt.want {
				t.Errorf("Resize() box = %+v, want %+v", got[0].Box, tt.want)
			}
			if got[0].Expressions[types.Happy] != 1 {
				t.Error("Scores must not change")
			}
		})
	}

	if dets[0].Box.X != 10 {
		t.Error("Resize must not mutate its input")
	}
}

func TestRequireAssets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.json"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		names   []string
		wantErr bool
	}{
		{"All present", []string{"a.json"}, false},
		{"Missing asset", []string{"a.json", "missing.json"}, true},
		{"Empty asset", []string{"empty.json"}, true},
		{"Nothing required", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireAssets(dir, tt.names...).Load(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
