package detector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Socket talks to a detection service over a unix socket, one msgpack request per connection.
type Socket struct {
	socketPath string
	timeout    time.Duration
	log        *logrus.Entry
}

// SocketRequest is sent to the detection service
type SocketRequest struct {
	Seq    uint64 `msgpack:"seq"`
	Height int    `msgpack:"h"`
	Width  int    `msgpack:"w"`
	Data   []byte `msgpack:"d"` // JPEG bytes
}

// SocketFace is one face reported by the service
type SocketFace struct {
	X           float64            `msgpack:"x"`
	Y           float64            `msgpack:"y"`
	Width       float64            `msgpack:"w"`
	Height      float64            `msgpack:"h"`
	Confidence  float64            `msgpack:"c"`
	Expressions map[string]float64 `msgpack:"e"`
}

// SocketResponse is received from the detection service
type SocketResponse struct {
	Faces       []SocketFace `msgpack:"faces"`
	Error       string       `msgpack:"error,omitempty"`
	InferenceMs float32      `msgpack:"inference_ms"`
}

// NewSocket creates a client for the detection service listening on socketPath
func NewSocket(socketPath string, timeout time.Duration, log *logrus.Entry) *Socket {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Socket{socketPath: socketPath, timeout: timeout, log: log}
}

// Load checks the service is listening.
func (s *Socket) Load(ctx context.Context) error {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := d.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("detection service not reachable at %s: %w", s.socketPath, err)
	}
	return conn.Close()
}

// Detect sends a frame to the service and returns its detections
func (s *Socket) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to detection service: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	req := SocketRequest{
		Seq:    frame.Seq,
		Height: frame.Height,
		Width:  frame.Width,
		Data:   frame.Data,
	}
	if err := msgpack.NewEncoder(conn).Encode(&req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp SocketResponse
	if err := msgpack.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detection service error: %s", resp.Error)
	}

	out := make([]types.Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		box := types.Box{X: f.X, Y: f.Y, Width: f.Width, Height: f.Height}
		out = append(out, newDetection(box, f.Confidence, f.Expressions, s.log))
	}
	return out, nil
}
