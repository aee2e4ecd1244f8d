// Package sampler runs the fixed-interval sampling of a live capture and holds the
// distribution it publishes.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/aggregate"
	"github.com/andresmejia3/emoscope/internal/capture"
	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Gate tells the loop whether a capture session is still live.
type Gate interface {
	Live(epoch uint64) bool
	WithLive(epoch uint64, fn func()) bool
}

type Options struct {
	Interval      time.Duration
	Display       types.Size
	MaxInflight   int           // 0 means unbounded
	DetectTimeout time.Duration // per call; 0 means none
}

// Loop samples the armed session every Interval. Detector calls may overlap;
// whichever completes last is what the Board shows.
type Loop struct {
	opts     Options
	detector detector.Detector
	gate     Gate
	board    *Board
	log      *logrus.Entry
	sem      *semaphore.Weighted

	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
}

func NewLoop(d detector.Detector, gate Gate, board *Board, opts Options, log *logrus.Entry) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Loop{
		opts:     opts,
		detector: d,
		gate:     gate,
		board:    board,
		log:      log,
	}
	if opts.MaxInflight > 0 {
		l.sem = semaphore.NewWeighted(int64(opts.MaxInflight))
	}
	return l
}

func (l *Loop) Board() *Board { return l.board }

// Arm starts ticking for the session. Arming an armed loop does nothing.
func (l *Loop) Arm(sess capture.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(sess, l.stop, l.done)
	l.log.WithFields(logrus.Fields{"epoch": sess.Epoch, "interval": l.opts.Interval}).Debug("sample loop armed")
}

// Disarm stops the ticker and waits until no further tick can start.
// Detector calls already in flight keep running.
func (l *Loop) Disarm() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	l.log.Debug("sample loop disarmed")
}

// Wait blocks until every in-flight detector call has completed.
func (l *Loop) Wait() { l.inflight.Wait() }

func (l *Loop) run(sess capture.Session, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	// time.Ticker drops ticks a slow receiver misses, so ticks never queue up.
	t := time.NewTicker(l.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.tick(sess)
		}
	}
}

// tick starts one sample if the session is live and a frame is on the surface.
func (l *Loop) tick(sess capture.Session) {
	if !l.gate.Live(sess.Epoch) {
		return
	}
	frame, ok := sess.Stream.Latest()
	if !ok {
		return
	}
	if l.sem != nil && !l.sem.TryAcquire(1) {
		l.log.WithField("seq", frame.Seq).Debug("skipping tick, detector calls at limit")
		return
	}
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		if l.sem != nil {
			defer l.sem.Release(1)
		}
		l.sample(sess.Epoch, frame)
	}()
}

// sample runs the detector on one frame and publishes the aggregated result
// unless the session was closed in the meantime.
func (l *Loop) sample(epoch uint64, frame types.Frame) {
	ctx := context.Background()
	if l.opts.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.DetectTimeout)
		defer cancel()
	}

	dets, err := l.detector.Detect(ctx, frame)
	if err != nil {
		l.log.WithError(err).WithField("seq", frame.Seq).Debug("detection failed, skipping tick")
		return
	}

	dets = detector.Resize(dets, frame.Size(), l.opts.Display)
	overlay := make([]types.Box, len(dets))
	for i, d := range dets {
		overlay[i] = d.Box
	}
	pub := Publication{
		Seq:          frame.Seq,
		Epoch:        epoch,
		At:           frame.At,
		Faces:        len(dets),
		Distribution: aggregate.Reduce(types.FrameResultOf(dets)),
		Overlay:      overlay,
	}

	if !l.gate.WithLive(epoch, func() { l.board.Publish(pub) }) {
		l.log.WithFields(logrus.Fields{"seq": frame.Seq, "epoch": epoch}).Debug("discarding result from closed session")
	}
}
