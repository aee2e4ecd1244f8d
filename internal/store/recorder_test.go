package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/emoscope/internal/capture"
	"github.com/andresmejia3/emoscope/internal/sampler"
	"github.com/andresmejia3/emoscope/internal/types"
)

type fakeWriter struct {
	mu      sync.Mutex
	started []string
	ended   []string
	samples map[string][]Sample
}

func newFakeWriter() *fakeWriter { return &fakeWriter{samples: map[string][]Sample{}} }

func (f *fakeWriter) StartSession(ctx context.Context, id, source string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeWriter) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeWriter) InsertSample(ctx context.Context, sessionID string, sample Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[sessionID] = append(f.samples[sessionID], sample)
	return nil
}

func (f *fakeWriter) waitStarted(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.started)
		f.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Recorder never started session %d", n)
}

func TestRecorderFollowsSessions(t *testing.T) {
	w := newFakeWriter()
	rec := NewRecorder(w, "/dev/video0", nil)
	updates := make(chan sampler.Publication)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, updates)
		close(done)
	}()

	// Published before any session: dropped.
	updates <- sampler.Publication{Seq: 1, Epoch: 0}

	rec.Arm(capture.Session{Epoch: 1})
	w.waitStarted(t, 1)
	updates <- sampler.Publication{Seq: 2, Epoch: 99}
	updates <- sampler.Publication{Seq: 3, Epoch: 1, Faces: 1, Distribution: types.Distribution{types.Happy: 100}}
	updates <- sampler.Publication{Seq: 4, Epoch: 1}
	rec.Disarm()

	rec.Arm(capture.Session{Epoch: 2})
	w.waitStarted(t, 2)
	updates <- sampler.Publication{Seq: 0, Epoch: 7}
	updates <- sampler.Publication{Seq: 5, Epoch: 2}

	cancel()
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.started) != 2 {
		t.Fatalf("Expected 2 sessions started, got %v", w.started)
	}
	if len(w.ended) != 2 || w.ended[0] != w.started[0] || w.ended[1] != w.started[1] {
		t.Errorf("Expected both sessions ended, got %v", w.ended)
	}
	first := w.samples[w.started[0]]
	if len(first) != 2 || first[0].Seq != 3 || first[0].Emotions[types.Happy] != 100 {
		t.Errorf("Unexpected samples for session 1: %+v", first)
	}
	if second := w.samples[w.started[1]]; len(second) != 1 || second[0].Seq != 5 {
		t.Errorf("Unexpected samples for session 2: %+v", second)
	}
}

func TestRecorderOrdersEventsBeforeSamples(t *testing.T) {
	w := newFakeWriter()
	rec := NewRecorder(w, "cam", nil)
	updates := make(chan sampler.Publication, 8)

	// Everything is queued before Run starts, so Run sees events and samples at once.
	rec.Arm(capture.Session{Epoch: 1})
	updates <- sampler.Publication{Seq: 1, Epoch: 1}
	updates <- sampler.Publication{Seq: 2, Epoch: 1}
	rec.Disarm()
	rec.Arm(capture.Session{Epoch: 2})
	updates <- sampler.Publication{Seq: 3, Epoch: 2}
	close(updates)

	rec.Run(context.Background(), updates)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.started) != 2 {
		t.Fatalf("Expected 2 sessions started, got %v", w.started)
	}
	if len(w.ended) != 2 {
		t.Errorf("Expected both sessions ended, got %v", w.ended)
	}
	if first := w.samples[w.started[0]]; len(first) != 2 || first[0].Seq != 1 || first[1].Seq != 2 {
		t.Errorf("Samples of the first session were lost: %+v", first)
	}
	if second := w.samples[w.started[1]]; len(second) != 1 || second[0].Seq != 3 {
		t.Errorf("Unexpected samples for session 2: %+v", second)
	}
}

func TestRecorderArmAfterStop(t *testing.T) {
	rec := NewRecorder(newFakeWriter(), "cam", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx, make(chan sampler.Publication))

	// Must not block once Run has returned.
	for i := 0; i < 32; i++ {
		rec.Arm(capture.Session{Epoch: uint64(i)})
		rec.Disarm()
	}
}
