package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/emoscope/internal/capture"
	"github.com/andresmejia3/emoscope/internal/sampler"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/sirupsen/logrus"
)

// Writer is the part of Store the Recorder needs.
type Writer interface {
	StartSession(ctx context.Context, id, source string, startedAt time.Time) error
	EndSession(ctx context.Context, id string, endedAt time.Time) error
	InsertSample(ctx context.Context, sessionID string, sample Sample) error
}

type recEvent struct {
	epoch uint64
	at    time.Time
	open  bool
}

// Recorder persists every publication under the capture session it belongs to.
// Attach it to the capture Machine so sessions start and end with the capture.
type Recorder struct {
	w      Writer
	source string
	log    *logrus.Entry

	events chan recEvent
	done   chan struct{}
}

func NewRecorder(w Writer, source string, log *logrus.Entry) *Recorder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{
		w:      w,
		source: source,
		log:    log,
		events: make(chan recEvent, 16),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) Arm(sess capture.Session) {
	r.send(recEvent{epoch: sess.Epoch, at: time.Now(), open: true})
}

func (r *Recorder) Disarm() {
	r.send(recEvent{at: time.Now()})
}

func (r *Recorder) send(ev recEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Run records until ctx is done or updates is closed, then ends the open session.
// Database failures are logged and do not stop recording.
//
// A publication is stored under the session of its epoch. Pending Arm and Disarm events are
// handled before each publication, so the Recorder must be attached ahead of the sample loop.
// The session before the current one stays addressable for publications still buffered when
// it was closed.
func (r *Recorder) Run(ctx context.Context, updates <-chan sampler.Publication) {
	defer close(r.done)

	var (
		open       string // session currently open, if any
		last, prev recSession
	)
	// Writes issued while shutting down must still reach the database.
	dbCtx := context.WithoutCancel(ctx)

	end := func(at time.Time) {
		if open == "" {
			return
		}
		if err := r.w.EndSession(dbCtx, open, at); err != nil {
			r.log.WithError(err).WithField("session", open).Warn("failed to end recorded session")
		}
		r.log.WithField("session", open).Info("recording stopped")
		open = ""
	}

	handle := func(ev recEvent) {
		end(ev.at)
		if !ev.open {
			return
		}
		id := utils.GenerateSessionID(fmt.Sprintf("%s#%d", r.source, ev.epoch), ev.at)
		if err := r.w.StartSession(dbCtx, id, r.source, ev.at); err != nil {
			r.log.WithError(err).Warn("failed to start recorded session, samples will not be stored")
			id = ""
		}
		prev, last = last, recSession{id: id, epoch: ev.epoch}
		open = id
		if id != "" {
			r.log.WithField("session", id).Info("recording started")
		}
	}

	drain := func() {
		for {
			select {
			case ev := <-r.events:
				handle(ev)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			end(time.Now())
			return
		case ev := <-r.events:
			handle(ev)
		case p, ok := <-updates:
			drain()
			if !ok {
				end(time.Now())
				return
			}
			id := last.lookup(p.Epoch)
			if id == "" {
				id = prev.lookup(p.Epoch)
			}
			if id == "" {
				continue
			}
			err := r.w.InsertSample(dbCtx, id, Sample{
				Seq:        p.Seq,
				CapturedAt: p.At,
				Faces:      p.Faces,
				Emotions:   p.Distribution,
			})
			if err != nil {
				r.log.WithError(err).WithField("seq", p.Seq).Warn("failed to store sample")
			}
		}
	}
}

type recSession struct {
	id    string
	epoch uint64
}

func (s recSession) lookup(epoch uint64) string {
	if s.id == "" || s.epoch != epoch {
		return ""
	}
	return s.id
}
