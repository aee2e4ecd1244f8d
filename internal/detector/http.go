package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/sirupsen/logrus"
)

// HTTP calls a detection service exposing POST /detect and GET /healthz.
type HTTP struct {
	baseURL string
	client  *http.Client
	log     *logrus.Entry
}

// --- /detect ---
type detectReq struct {
	Image  string `json:"image"` // base64 JPEG
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
type detectFace struct {
	Box         [4]float64         `json:"box"`
	Score       float64            `json:"score"`
	Expressions map[string]float64 `json:"expressions"`
}
type detectResp struct {
	Faces []detectFace `json:"faces"`
}

func NewHTTP(baseURL string, timeout time.Duration, log *logrus.Entry) *HTTP {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Load waits for the service health check, which passes once its models are loaded.
func (h *HTTP) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("detection service health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("detection service not ready %s: %s", resp.Status, string(body))
	}
	return nil
}

func (h *HTTP) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	b, _ := json.Marshal(detectReq{
		Image:  base64.StdEncoding.EncodeToString(frame.Data),
		Width:  frame.Width,
		Height: frame.Height,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/detect", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detect %s: %s", resp.Status, string(body))
	}

	var out detectResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("detect decode: %w", err)
	}

	dets := make([]types.Detection, 0, len(out.Faces))
	for _, f := range out.Faces {
		box := types.Box{X: f.Box[0], Y: f.Box[1], Width: f.Box[2], Height: f.Box[3]}
		dets = append(dets, newDetection(box, f.Score, f.Expressions, h.log))
	}
	return dets, nil
}
