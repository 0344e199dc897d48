package recordstore

import (
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/records"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrDisposed = errors.New("record store disposed")
)

type Record[R any] interface {
	RecordID() records.ID
	Clone() R
}

type Patch[R any, P any] interface {
	Apply(*R) P
	Fields() []string
}

// Snapshot is what a Patch or Evict hands back so the change can be undone.
// Removed is set for evictions; otherwise Inverse holds the prior values.
type Snapshot[R any, P any] struct {
	Collection string
	ID         records.ID
	Inverse    P
	Fields     []string
	Removed    *R
	Index      int
	Epoch      uint64
}

// Collection is one keyed, ordered set of mirrored records.
//
// Every authoritative ReplaceAll bumps the epoch. A snapshot taken in an
// older epoch no longer rolls back: the refetched data already superseded
// the optimistic change it would undo.
type Collection[R Record[R], P Patch[R, P]] struct {
	name   string
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	order     []records.ID
	items     map[records.ID]R
	issued    uint64
	applied   uint64
	epoch     uint64
	stale     bool
	fetchedAt time.Time
	disposed  bool
}

func NewCollection[R Record[R], P Patch[R, P]](name string, logger *zap.Logger) *Collection[R, P] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection[R, P]{
		name:   name,
		logger: logger.With(zap.String("collection", name)),
		now:    time.Now,
		items:  map[records.ID]R{},
		stale:  true,
	}
}

func (c *Collection[R, P]) setClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Collection[R, P]) Name() string {
	return c.name
}

func (c *Collection[R, P]) Get(id records.ID) (R, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[id]
	if !ok {
		var zero R
		return zero, false
	}
	return rec.Clone(), true
}

func (c *Collection[R, P]) GetAll() []R {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]R, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id].Clone())
	}
	return out
}

func (c *Collection[R, P]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// BeginFetch issues the generation a fetch must present to ReplaceAll.
func (c *Collection[R, P]) BeginFetch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return c.issued
}

// ReplaceAll overwrites the collection with an authoritative result. It
// returns false, leaving the data untouched, when gen is not the newest
// generation issued by BeginFetch.
func (c *Collection[R, P]) ReplaceAll(recs []R, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	if gen != c.issued || gen <= c.applied {
		c.logger.Debug("discarding stale fetch result",
			zap.Uint64("generation", gen),
			zap.Uint64("latest", c.issued),
		)
		return false
	}
	items := make(map[records.ID]R, len(recs))
	order := make([]records.ID, 0, len(recs))
	for _, rec := range recs {
		id := rec.RecordID()
		if _, dup := items[id]; !dup {
			order = append(order, id)
		}
		items[id] = rec.Clone()
	}
	c.items = items
	c.order = order
	c.applied = gen
	c.epoch++
	c.stale = false
	c.fetchedAt = c.now()
	return true
}

// Patch applies p to the record and returns the snapshot needed to undo it.
func (c *Collection[R, P]) Patch(id records.ID, p P) (Snapshot[R, P], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return Snapshot[R, P]{}, ErrDisposed
	}
	rec, ok := c.items[id]
	if !ok {
		return Snapshot[R, P]{}, ErrNotFound
	}
	inverse := p.Apply(&rec)
	c.items[id] = rec
	return Snapshot[R, P]{
		Collection: c.name,
		ID:         id,
		Inverse:    inverse,
		Fields:     inverse.Fields(),
		Index:      -1,
		Epoch:      c.epoch,
	}, nil
}

// Evict removes the record locally; the snapshot holds it for rollback.
func (c *Collection[R, P]) Evict(id records.ID) (Snapshot[R, P], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return Snapshot[R, P]{}, ErrDisposed
	}
	rec, ok := c.items[id]
	if !ok {
		return Snapshot[R, P]{}, ErrNotFound
	}
	index := -1
	for i, candidate := range c.order {
		if candidate == id {
			index = i
			break
		}
	}
	if index >= 0 {
		c.order = append(c.order[:index], c.order[index+1:]...)
	}
	delete(c.items, id)
	removed := rec
	return Snapshot[R, P]{
		Collection: c.name,
		ID:         id,
		Removed:    &removed,
		Index:      index,
		Epoch:      c.epoch,
	}, nil
}

// Rollback restores a snapshot. It reports false when a newer authoritative
// fetch has been applied since the snapshot was taken, or the record it
// targets is gone.
func (c *Collection[R, P]) Rollback(s Snapshot[R, P]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || s.Epoch != c.epoch {
		return false
	}
	if s.Removed != nil {
		if _, exists := c.items[s.ID]; exists {
			return false
		}
		c.items[s.ID] = *s.Removed
		index := s.Index
		if index < 0 || index > len(c.order) {
			index = len(c.order)
		}
		c.order = append(c.order, "")
		copy(c.order[index+1:], c.order[index:])
		c.order[index] = s.ID
		return true
	}
	rec, ok := c.items[s.ID]
	if !ok {
		return false
	}
	s.Inverse.Apply(&rec)
	c.items[s.ID] = rec
	return true
}

// Invalidate marks the collection stale. Data stays readable.
func (c *Collection[R, P]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

func (c *Collection[R, P]) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

func (c *Collection[R, P]) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

func (c *Collection[R, P]) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

func (c *Collection[R, P]) dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.items = map[records.ID]R{}
	c.order = nil
	c.stale = true
}
