// Package stream owns live media streams: acquiring a device, keeping its most
// recent frame available, and releasing it.
package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
)

// Source acquires a live stream.
type Source interface {
	// Acquire opens the device. The returned Stream is live until Release.
	Acquire(ctx context.Context) (Stream, error)
	Name() string
}

// Stream is an acquired live feed.
type Stream interface {
	// Latest returns the frame currently on the video surface. It reports false before the
	// first frame and after the feed has stopped.
	Latest() (types.Frame, bool)
	// Release stops every track and frees the device. Safe to call more than once.
	Release() error
}

var errNoFrame = errors.New("no frame received before acquire timeout")

// surface holds the most recent frame of a stream.
type surface struct {
	mu       sync.RWMutex
	frame    types.Frame
	has      bool
	seq      uint64
	fallback types.Size

	first     chan struct{}
	firstOnce sync.Once
}

func newSurface(fallback types.Size) *surface {
	return &surface{fallback: fallback, first: make(chan struct{})}
}

// put stores a copy of a JPEG frame. Dimensions come from the JPEG header when readable.
func (s *surface) put(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	size := s.fallback
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(buf)); err == nil {
		size = types.Size{Width: cfg.Width, Height: cfg.Height}
	}

	s.mu.Lock()
	s.seq++
	s.frame = types.Frame{Seq: s.seq, At: time.Now(), Width: size.Width, Height: size.Height, Data: buf}
	s.has = true
	s.mu.Unlock()

	s.firstOnce.Do(func() { close(s.first) })
}

// end clears the surface once the feed has stopped. A dead feed has no current frame.
func (s *surface) end() {
	s.mu.Lock()
	s.frame = types.Frame{}
	s.has = false
	s.mu.Unlock()
}

// arrived reports whether a first frame was ever put.
func (s *surface) arrived() bool {
	select {
	case <-s.first:
		return true
	default:
		return false
	}
}

func (s *surface) latest() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.has
}
