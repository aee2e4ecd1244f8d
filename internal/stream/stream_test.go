package stream

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

func TestReadFrames(t *testing.T) {
	a := encodeJPEG(t, 8, 6)
	b := encodeJPEG(t, 16, 12)

	var pipe bytes.Buffer
	pipe.Write([]byte{0x00, 0x01}) // noise before the first frame
	pipe.Write(a)
	pipe.Write(b)

	s := newSurface(types.Size{Width: 640, Height: 480})
	if _, ok := s.latest(); ok {
		t.Fatal("Surface should start empty")
	}
	if err := readFrames(&pipe, s); err != nil {
		t.Fatalf("readFrames failed: %v", err)
	}

	frame, ok := s.latest()
	if !ok {
		t.Fatal("Expected a frame on the surface")
	}
	if frame.Seq != 2 {
		t.Errorf("Expected seq 2, got %d", frame.Seq)
	}
	if frame.Width != 16 || frame.Height != 12 {
		t.Errorf("Expected size from JPEG header 16x12, got %dx%d", frame.Width, frame.Height)
	}
	if !bytes.Equal(frame.Data, b) {
		t.Error("Latest frame should be the last JPEG read")
	}

	select {
	case <-s.first:
	default:
		t.Error("first channel should be closed after the first frame")
	}
}

func TestSurfaceFallbackSize(t *testing.T) {
	s := newSurface(types.Size{Width: 640, Height: 480})
	s.put([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}) // not decodable

	frame, ok := s.latest()
	if !ok {
		t.Fatal("Expected a frame")
	}
	if frame.Width != 640 || frame.Height != 480 {
		t.Errorf("Expected fallback size, got %dx%d", frame.Width, frame.Height)
	}
}

func TestSurfaceCopiesData(t *testing.T) {
	s := newSurface(types.Size{})
	data := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	s.put(data)
	data[2] = 0x02

	frame, _ := s.latest()
	if frame.Data[2] != 0x01 {
		t.Error("Surface must not alias the scanner buffer")
	}
}

func TestFFmpegAcquireFailure(t *testing.T) {
	src := &FFmpeg{
		Device:         "/nonexistent/emoscope-device",
		AcquireTimeout: 5 * time.Second,
	}
	st, err := src.Acquire(context.Background())
	if err == nil {
		st.Release()
		t.Fatal("Expected acquisition of a missing device to fail")
	}
}

// mjpegHandler serves the given frames as multipart/x-mixed-replace. With hold it then blocks
// until the client goes away; otherwise it hangs up.
func mjpegHandler(frames [][]byte, hold bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		for _, f := range frames {
			h := textproto.MIMEHeader{}
			h.Set("Content-Type", "image/jpeg")
			part, err := mw.CreatePart(h)
			if err != nil {
				return
			}
			part.Write(f)
			flusher.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}
}

func TestMJPEGAcquire(t *testing.T) {
	frame := encodeJPEG(t, 32, 24)
	srv := httptest.NewServer(mjpegHandler([][]byte{frame, frame}, true))
	defer srv.Close()

	src := &MJPEG{URL: srv.URL, AcquireTimeout: 5 * time.Second}
	st, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got, ok := st.Latest()
	if !ok {
		t.Fatal("Expected a frame after acquisition")
	}
	if got.Width != 32 || got.Height != 24 {
		t.Errorf("Expected 32x24, got %dx%d", got.Width, got.Height)
	}

	done := make(chan struct{})
	go func() {
		st.Release()
		st.Release() // second call is a no-op
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Release did not return")
	}
}

func TestMJPEGFeedEnds(t *testing.T) {
	frame := encodeJPEG(t, 32, 24)
	srv := httptest.NewServer(mjpegHandler([][]byte{frame, frame}, false))
	defer srv.Close()

	src := &MJPEG{URL: srv.URL, AcquireTimeout: 5 * time.Second}
	st, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("A feed that delivered frames before hanging up should still be acquired: %v", err)
	}
	defer st.Release()

	select {
	case <-st.(*mjpegStream).done:
	case <-time.After(5 * time.Second):
		t.Fatal("Reader did not stop after the server hung up")
	}

	if got, ok := st.Latest(); ok {
		t.Errorf("Ended feed still reports frame seq %d as current", got.Seq)
	}
}

func TestSurfaceEnd(t *testing.T) {
	s := newSurface(types.Size{})
	if s.arrived() {
		t.Fatal("No frame has arrived yet")
	}
	s.put([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})
	s.end()

	if _, ok := s.latest(); ok {
		t.Error("Expected no current frame after end")
	}
	if !s.arrived() {
		t.Error("arrived should stay true after end")
	}
}

func TestMJPEGAcquireFailures(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer plain.Close()

	empty := httptest.NewServer(mjpegHandler(nil, false))
	defer empty.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"Non-200 status", notFound.URL},
		{"Ends before the first frame", empty.URL},
		{"Not a multipart stream", plain.URL},
		{"Unreachable", "http://127.0.0.1:1/stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &MJPEG{URL: tt.url, AcquireTimeout: time.Second}
			st, err := src.Acquire(context.Background())
			if err == nil {
				st.Release()
				t.Fatal("Expected acquisition to fail")
			}
		})
	}
}
