// Package capture governs when sampling may run. The Machine owns the capture state
// and the acquired stream; every other component asks it before acting.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	Idle State = iota
	ModelsLoading
	Ready
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ModelsLoading:
		return "models_loading"
	case Ready:
		return "ready"
	case Capturing:
		return "capturing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrModelsNotReady   = errors.New("models are not loaded")
	ErrAlreadyCapturing = errors.New("already capturing")
	ErrNotCapturing     = errors.New("not capturing")
	ErrAlreadyLoaded    = errors.New("models already loaded or loading")
	ErrAcquire          = errors.New("failed to acquire video stream")
)

// Session is one Ready→Capturing→Ready cycle.
type Session struct {
	Epoch  uint64
	Stream stream.Stream
}

// Armer is armed when capture starts and disarmed before the stream is released.
// A sample loop's Disarm must not return while a tick can still be scheduled.
type Armer interface {
	Arm(Session)
	Disarm()
}

// Status is a snapshot of the Machine.
type Status struct {
	State State  `json:"state"`
	Epoch uint64 `json:"epoch"`
	Err   error  `json:"-"`
}

type Machine struct {
	source stream.Source
	log    *logrus.Entry

	// op serializes Open and Close, which block on the device and the loop.
	op     sync.Mutex
	armers []Armer

	mu     sync.Mutex
	state  State
	epoch  uint64
	stream stream.Stream
	err    error
	ready  chan struct{}
}

func New(source stream.Source, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{
		source: source,
		log:    log,
		ready:  make(chan struct{}),
	}
}

// Attach adds armers driven by every Open and Close, in the order given.
// Call it before the first Open.
func (m *Machine) Attach(a ...Armer) {
	m.op.Lock()
	defer m.op.Unlock()
	m.armers = append(m.armers, a...)
}

// Load moves Idle→ModelsLoading, runs every loader concurrently and moves to Ready once all of
// them succeed. A failure is fatal: the machine stays in ModelsLoading and Err reports it.
func (m *Machine) Load(ctx context.Context, loaders ...detector.Loader) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}
	m.state = ModelsLoading
	m.mu.Unlock()

	m.log.WithField("loaders", len(loaders)).Info("loading model assets")

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loaders {
		l := l
		g.Go(func() error { return l.Load(gctx) })
	}
	if err := g.Wait(); err != nil {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.log.WithError(err).Error("model assets failed to load")
		return err
	}

	m.mu.Lock()
	m.state = Ready
	m.mu.Unlock()
	close(m.ready)
	m.log.Info("models loaded")
	return nil
}

// Ready is closed once the models have loaded.
func (m *Machine) Ready() <-chan struct{} { return m.ready }

// Err reports the fatal model loading error, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Epoch: m.epoch, Err: m.err}
}

// Open acquires the stream and arms the loop. If acquisition fails the state stays Ready.
func (m *Machine) Open(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	switch m.state {
	case Capturing:
		m.mu.Unlock()
		return ErrAlreadyCapturing
	case Idle, ModelsLoading:
		m.mu.Unlock()
		return ErrModelsNotReady
	}
	m.mu.Unlock()

	st, err := m.source.Acquire(ctx)
	if err != nil {
		m.log.WithError(err).WithField("source", m.source.Name()).Warn("stream acquisition failed")
		return fmt.Errorf("%w: %w", ErrAcquire, err)
	}

	// Only Open and Close leave Ready, and op is held.
	m.mu.Lock()
	m.epoch++
	sess := Session{Epoch: m.epoch, Stream: st}
	m.stream = st
	m.state = Capturing
	m.mu.Unlock()

	for _, a := range m.armers {
		a.Arm(sess)
	}
	m.log.WithFields(logrus.Fields{"source": m.source.Name(), "epoch": sess.Epoch}).Info("capture opened")
	return nil
}

// Close stops scheduling ticks and releases the stream. It returns after both have happened.
func (m *Machine) Close() error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.state != Capturing {
		m.mu.Unlock()
		return ErrNotCapturing
	}
	st, epoch := m.stream, m.epoch
	m.stream = nil
	m.state = Ready
	m.mu.Unlock()

	// The ticker may be waiting on mu, so it is disarmed outside the lock.
	for _, a := range m.armers {
		a.Disarm()
	}
	m.log.WithField("epoch", epoch).Info("capture closed")
	if err := st.Release(); err != nil {
		return fmt.Errorf("release stream: %w", err)
	}
	return nil
}

// Session returns the live capture session.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Capturing {
		return Session{}, false
	}
	return Session{Epoch: m.epoch, Stream: m.stream}, true
}

// Live reports whether the session with this epoch is still capturing.
func (m *Machine) Live(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Capturing && m.epoch == epoch
}

// WithLive runs fn only if the session is still capturing, holding the state lock so a
// concurrent Close cannot slip in between the check and fn. fn must not call back into m.
func (m *Machine) WithLive(epoch uint64, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Capturing || m.epoch != epoch {
		return false
	}
	fn()
	return true
}
