package sampler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
)

// Publication is one chart update. Each one fully replaces the previous.
type Publication struct {
	Seq          uint64             `json:"seq"`
	Epoch        uint64             `json:"epoch"`
	At           time.Time          `json:"at"`
	Faces        int                `json:"faces"`
	Distribution types.Distribution `json:"-"`
	Overlay      []types.Box        `json:"overlay"`
}

// MarshalJSON emits the distribution as the ordered chart series under "emotions".
func (p Publication) MarshalJSON() ([]byte, error) {
	type plain Publication
	return json.Marshal(struct {
		plain
		Emotions []types.Entry `json:"emotions"`
	}{plain(p), p.Distribution.Entries()})
}

// Board holds the current distribution. The sample loop is its only writer.
type Board struct {
	mu     sync.RWMutex
	latest Publication
	has    bool
	subs   map[int]chan Publication
	nextID int
}

func NewBoard() *Board {
	return &Board{subs: make(map[int]chan Publication)}
}

// Publish replaces the current value and offers it to subscribers without blocking.
// A full subscriber buffer loses its oldest entry.
func (b *Board) Publish(p Publication) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest, b.has = p, true
	for _, ch := range b.subs {
		select {
		case ch <- p:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

func (b *Board) Latest() (Publication, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.has
}

// Subscribe returns a channel receiving future publications. A subscriber that falls more
// than buffer publications behind misses the ones in between but always sees the newest.
// cancel closes the channel.
func (b *Board) Subscribe(buffer int) (<-chan Publication, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Publication, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
