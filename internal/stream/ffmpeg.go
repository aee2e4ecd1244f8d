package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

// FFmpeg captures a device (or a file, when InputFormat is empty) through an ffmpeg child process.
type FFmpeg struct {
	Device         string
	InputFormat    string // v4l2, avfoundation, dshow, or "" for files
	VideoSize      string // requested capture size, e.g. "640x480"; "" keeps the device default
	Fallback       types.Size
	AcquireTimeout time.Duration
	Log            *logrus.Entry
}

func (f *FFmpeg) Name() string { return f.Device }

// Acquire starts ffmpeg and waits for the first frame. A device that cannot be opened makes
// ffmpeg exit early; its stderr is returned in the error.
func (f *FFmpeg) Acquire(ctx context.Context) (Stream, error) {
	cmd := utils.NewFFmpegCaptureCmd(f.Device, f.InputFormat, f.VideoSize)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	st := &ffmpegStream{
		cmd:     cmd,
		surface: newSurface(f.Fallback),
		done:    make(chan struct{}),
		log:     f.Log,
	}
	go st.run(out)

	timeout := f.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-st.surface.first:
		return st, nil
	case <-st.done:
		if st.surface.arrived() {
			return st, nil
		}
		logs := strings.TrimSpace(cmd.Logs())
		if st.exitErr != nil {
			return nil, fmt.Errorf("ffmpeg exited before the first frame (%v): %s", st.exitErr, logs)
		}
		return nil, fmt.Errorf("ffmpeg produced no frames from %s: %s", f.Device, logs)
	case <-timer.C:
		st.Release()
		return nil, fmt.Errorf("%w: %s", errNoFrame, f.Device)
	case <-ctx.Done():
		st.Release()
		return nil, ctx.Err()
	}
}

type ffmpegStream struct {
	cmd     *utils.SafeCommand
	surface *surface
	log     *logrus.Entry

	done    chan struct{}
	exitErr error
	once    sync.Once
}

func (s *ffmpegStream) run(out io.Reader) {
	defer close(s.done)
	if err := readFrames(out, s.surface); err != nil && s.log != nil {
		s.log.WithError(err).Debug("frame reader stopped")
	}
	s.surface.end()
	// Wait only after the pipe is drained.
	s.exitErr = s.cmd.Wait()
	if s.exitErr != nil && s.log != nil {
		s.log.WithError(s.exitErr).Debug("ffmpeg exited")
	}
}

func (s *ffmpegStream) Latest() (types.Frame, bool) { return s.surface.latest() }

func (s *ffmpegStream) Release() error {
	s.once.Do(func() {
		select {
		case <-s.done:
		default:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		<-s.done
	})
	return nil
}

// readFrames splits an MJPEG byte stream into frames and puts each one on the surface.
func readFrames(r io.Reader, s *surface) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	for scanner.Scan() {
		s.put(scanner.Bytes())
	}
	return scanner.Err()
}
