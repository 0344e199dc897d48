// Package mirror is the short-lived persisted copy of each fetched
// collection. Several invalidation sources tend to fire within a second of
// each other; reads inside the TTL are served from here instead of the API.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL       = 8 * time.Second
	DefaultKeyPrefix = "relaydash:mirror:"
)

// Entry is the stored form: {data, timestamp} with timestamp in unix ms.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type FetchFunc func(ctx context.Context) (json.RawMessage, error)

type Options struct {
	TTL       time.Duration
	KeyPrefix string
	Logger    *zap.Logger
	Now       func() time.Time
}

type Mirror struct {
	backend Backend
	ttl     time.Duration
	prefix  string
	logger  *zap.Logger
	now     func() time.Time
	group   singleflight.Group

	// gens counts invalidations per key. A fetch that started before an
	// invalidation does not write its result back.
	mu   sync.Mutex
	gens map[string]uint64
}

func New(backend Backend, opts Options) *Mirror {
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Mirror{
		backend: backend,
		ttl:     ttl,
		prefix:  prefix,
		logger:  logger,
		now:     now,
		gens:    map[string]uint64{},
	}
}

func (m *Mirror) TTL() time.Duration {
	return m.ttl
}

// Read returns the mirrored payload for collection while it is younger than
// the TTL. Otherwise it calls fetch once, shared by concurrent callers, and
// stores the result. The bool reports whether the mirror served the read.
func (m *Mirror) Read(ctx context.Context, collection string, fetch FetchFunc) (json.RawMessage, bool, error) {
	key := m.prefix + collection
	if data, ok := m.lookup(ctx, key); ok {
		return data, true, nil
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		if data, ok := m.lookup(ctx, key); ok {
			return data, nil
		}
		gen := m.generation(key)
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if m.generation(key) != gen {
			m.logger.Debug("mirror invalidated during fetch, not storing", zap.String("key", key))
			return data, nil
		}
		m.store(ctx, key, data)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}

func (m *Mirror) Invalidate(ctx context.Context, collections ...string) {
	for _, collection := range collections {
		key := m.prefix + collection
		m.mu.Lock()
		m.gens[key]++
		m.mu.Unlock()
		m.group.Forget(key)
		if err := m.backend.Delete(ctx, key); err != nil {
			m.logger.Warn("mirror invalidate failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (m *Mirror) generation(key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[key]
}

func (m *Mirror) Close() error {
	return m.backend.Close()
}

func (m *Mirror) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	raw, err := m.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			m.logger.Warn("mirror read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		m.logger.Warn("mirror entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	age := m.now().Sub(time.UnixMilli(entry.Timestamp))
	if age < 0 || age >= m.ttl {
		return nil, false
	}
	return entry.Data, true
}

func (m *Mirror) store(ctx context.Context, key string, data json.RawMessage) {
	raw, err := json.Marshal(Entry{Data: data, Timestamp: m.now().UnixMilli()})
	if err != nil {
		m.logger.Warn("mirror encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := m.backend.Set(ctx, key, raw, m.ttl); err != nil {
		m.logger.Warn("mirror write failed", zap.String("key", key), zap.Error(err))
	}
}

// ReadRecords is Read for typed record slices.
func ReadRecords[R any](ctx context.Context, m *Mirror, collection string, fetch func(ctx context.Context) ([]R, error)) ([]R, bool, error) {
	if m == nil {
		recs, err := fetch(ctx)
		return recs, false, err
	}
	data, fromMirror, err := m.Read(ctx, collection, func(ctx context.Context) (json.RawMessage, error) {
		recs, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []R{}
		}
		return json.Marshal(recs)
	})
	if err != nil {
		return nil, false, err
	}
	var out []R
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, err
	}
	return out, fromMirror, nil
}
