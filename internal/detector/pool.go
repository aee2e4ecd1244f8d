package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/worker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// engine is one model process able to analyse a frame at a time.
type engine interface {
	ProcessFrame(data []byte) ([]worker.FaceResult, error)
	Close()
}

// Pool spreads detections over a fixed number of Python worker engines.
// Each engine serves one frame at a time; overlapping calls wait for a free engine.
type Pool struct {
	engines int
	spawn   func(id int) (engine, error)
	log     *logrus.Entry

	mu         sync.Mutex
	idle       chan engine
	closed     bool
	nextID     atomic.Int64
	respawning sync.WaitGroup
}

// NewPool prepares a pool of Python workers. Nothing is started until Load.
func NewPool(cfg worker.Config, engines int, log *logrus.Entry) *Pool {
	return newPool(engines, func(id int) (engine, error) {
		return worker.NewPythonWorker(id, cfg)
	}, log)
}

func newPool(engines int, spawn func(id int) (engine, error), log *logrus.Entry) *Pool {
	if engines < 1 {
		engines = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		engines: engines,
		spawn:   spawn,
		log:     log,
		idle:    make(chan engine, engines),
	}
}

// Load spawns every engine concurrently; each one loads its models before reporting ready.
// Any failure is fatal and closes the engines that did start.
func (p *Pool) Load(ctx context.Context) error {
	started := make([]engine, p.engines)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.engines; i++ {
		i := i
		g.Go(func() error {
			id := int(p.nextID.Add(1))
			e, err := p.spawn(id)
			if err != nil {
				return err
			}
			started[i] = e
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range started {
			if e != nil {
				e.Close()
			}
		}
		return err
	}
	for _, e := range started {
		p.release(e)
	}
	p.log.WithField("engines", p.engines).Info("worker engines ready")
	return nil
}

func (p *Pool) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	var e engine
	select {
	case e = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	faces, err := e.ProcessFrame(frame.Data)
	if err != nil {
		var remote *worker.RemoteError
		var malformed *worker.MalformedError
		if errors.As(err, &remote) || errors.As(err, &malformed) {
			// The engine answered; it is still usable.
			p.release(e)
			return nil, err
		}
		p.replace(e, err)
		return nil, fmt.Errorf("worker engine failed: %w", err)
	}
	p.release(e)

	out := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		box := types.Box{X: f.Box[0], Y: f.Box[1], Width: f.Box[2], Height: f.Box[3]}
		out = append(out, newDetection(box, f.Score, f.Expressions, p.log))
	}
	return out, nil
}

func (p *Pool) release(e engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		e.Close()
		return
	}
	p.idle <- e
}

// replace closes a broken engine and starts a fresh one in the background.
func (p *Pool) replace(e engine, cause error) {
	e.Close()
	p.log.WithError(cause).Warn("worker engine died, respawning")

	p.respawning.Add(1)
	go func() {
		defer p.respawning.Done()
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		fresh, err := p.spawn(int(p.nextID.Add(1)))
		if err != nil {
			p.log.WithError(err).Error("failed to respawn worker engine")
			return
		}
		p.release(fresh)
	}()
}

// Close stops every idle engine; busy engines are stopped when their call returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
drain:
	for {
		select {
		case e := <-p.idle:
			e.Close()
		default:
			break drain
		}
	}
	p.mu.Unlock()
	p.respawning.Wait()
	return nil
}
