package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/mattn/go-mjpeg"
	"github.com/sirupsen/logrus"
)

// MJPEG reads a multipart/x-mixed-replace stream, as served by IP cameras.
type MJPEG struct {
	URL            string
	Fallback       types.Size
	AcquireTimeout time.Duration
	Client         *http.Client
	Log            *logrus.Entry
}

func (m *MJPEG) Name() string { return m.URL }

func (m *MJPEG) Acquire(ctx context.Context) (Stream, error) {
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := m.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// The stream outlives ctx; ctx only bounds acquisition.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, m.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", m.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg %s: %s", m.URL, resp.Status)
	}
	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg %s: bad content type: %w", m.URL, err)
	}

	st := &mjpegStream{
		surface: newSurface(m.Fallback),
		cancel:  cancel,
		body:    resp.Body.Close,
		done:    make(chan struct{}),
	}
	go st.run(dec, m.Log)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-st.surface.first:
		return st, nil
	case <-st.done:
		if st.surface.arrived() {
			return st, nil
		}
		st.Release()
		return nil, fmt.Errorf("mjpeg %s: stream ended before the first frame", m.URL)
	case <-timer.C:
		st.Release()
		return nil, fmt.Errorf("%w: %s", errNoFrame, m.URL)
	case <-ctx.Done():
		st.Release()
		return nil, ctx.Err()
	}
}

type mjpegStream struct {
	surface *surface
	cancel  context.CancelFunc
	body    func() error
	done    chan struct{}
	once    sync.Once
}

func (s *mjpegStream) run(dec *mjpeg.Decoder, log *logrus.Entry) {
	defer close(s.done)
	defer s.surface.end()
	for {
		b, err := dec.DecodeRaw()
		if err != nil {
			if log != nil {
				log.WithError(err).Debug("mjpeg reader stopped")
			}
			return
		}
		s.surface.put(b)
	}
}

func (s *mjpegStream) Latest() (types.Frame, bool) { return s.surface.latest() }

func (s *mjpegStream) Release() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body()
		<-s.done
	})
	return err
}
