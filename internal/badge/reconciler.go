// Package badge keeps the per-path unseen badges. Acknowledging a path
// zeroes its badge at once and marks the exact unseen set as seen; the
// override lasts until the next authoritative refetch settles it.
package badge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/mutation"
	"github.com/agentworkforce/relaydash/internal/notify"
	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/agentworkforce/relaydash/internal/recordstore"
	"go.uber.org/zap"
)

var ErrUnknownPath = errors.New("path has no notification source")

type Submitter interface {
	Submit(ctx context.Context, m mutation.Mutation) (<-chan mutation.Outcome, error)
}

type override struct {
	token    uint64
	ids      []records.ID
	previous  int
	settled   bool
	settledAt time.Time
}

type Reconciler struct {
	store     *recordstore.Store
	agg       *notify.Aggregator
	submitter Submitter
	paths     map[string]string
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	overrides map[string]*override
	nextToken uint64
}

// NewReconciler maps each navigable path to its source collection
// (records.CollectionLocates or records.CollectionWorkOrders).
func NewReconciler(store *recordstore.Store, agg *notify.Aggregator, submitter Submitter, paths map[string]string, logger *zap.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make(map[string]string, len(paths))
	for path, source := range paths {
		if source != records.CollectionLocates && source != records.CollectionWorkOrders {
			return nil, fmt.Errorf("badge path %s: unknown source %q", path, source)
		}
		copied[path] = source
	}
	return &Reconciler{
		store:     store,
		agg:       agg,
		submitter: submitter,
		paths:     copied,
		logger:    logger,
		now:       time.Now,
		overrides: map[string]*override{},
	}, nil
}

func (r *Reconciler) Paths() []string {
	out := make([]string, 0, len(r.paths))
	for path := range r.paths {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Badge is 0 while the path is optimistically cleared, otherwise the live
// unseen count.
func (r *Reconciler) Badge(path string) (int, error) {
	source, ok := r.paths[path]
	if !ok {
		return 0, ErrUnknownPath
	}
	r.mu.Lock()
	_, cleared := r.overrides[path]
	r.mu.Unlock()
	if cleared {
		return 0, nil
	}
	return len(r.unseen(source)), nil
}

func (r *Reconciler) Badges() map[string]int {
	out := make(map[string]int, len(r.paths))
	for path := range r.paths {
		n, _ := r.Badge(path)
		out[path] = n
	}
	return out
}

// Cleared reports whether the path currently shows an optimistic zero.
func (r *Reconciler) Cleared(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.overrides[path]
	return ok
}

// Acknowledge snapshots the unseen ids for path, zeroes its badge and marks
// exactly those ids as seen. The snapshot is not re-evaluated later. A nil
// channel with a nil error means there was nothing to acknowledge.
func (r *Reconciler) Acknowledge(ctx context.Context, path string) (<-chan mutation.Outcome, error) {
	source, ok := r.paths[path]
	if !ok {
		return nil, ErrUnknownPath
	}
	ids := r.unseen(source)
	if len(ids) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	r.nextToken++
	ov := &override{token: r.nextToken, ids: ids, previous: len(ids)}
	prior := r.overrides[path]
	r.overrides[path] = ov
	r.mu.Unlock()

	kind := mutation.KindMarkWorkOrdersSeen
	if source == records.CollectionLocates {
		kind = mutation.KindMarkLocatesSeen
	}
	ch, err := r.submitter.Submit(ctx, mutation.Mutation{Kind: kind, IDs: ids})
	if err != nil {
		r.mu.Lock()
		if r.overrides[path] == ov {
			if prior != nil && errors.Is(err, mutation.ErrMutationPending) {
				r.overrides[path] = prior
			} else {
				delete(r.overrides, path)
			}
		}
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Debug("badge cleared optimistically",
		zap.String("path", path),
		zap.Int("previous", ov.previous),
	)
	out := make(chan mutation.Outcome, 1)
	go func() {
		defer close(out)
		outcome, ok := <-ch
		if !ok {
			return
		}
		r.settle(path, ov, outcome.Err)
		out <- outcome
	}()
	return out, nil
}

func (r *Reconciler) settle(path string, ov *override, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.overrides[path]
	if !ok || current.token != ov.token {
		return
	}
	if err != nil {
		delete(r.overrides, path)
		r.logger.Warn("badge clear reverted",
			zap.String("path", path),
			zap.Int("restored", ov.previous),
			zap.Error(err),
		)
		return
	}
	current.settled = true
	current.settledAt = r.now()
}

// Reconcile runs after every authoritative refetch; started is when that
// refetch began reading. Overrides settled at or before started are dropped
// whether or not the refetched data still has unseen records, so new
// arrivals are never masked for more than one cycle. Overrides still in
// flight, or settled after the refetch began, are kept: that refetch may
// carry pre-acknowledge data. It returns the paths it released.
func (r *Reconciler) Reconcile(started time.Time) []string {
	r.mu.Lock()
	var released []string
	for path, ov := range r.overrides {
		if !ov.settled || ov.settledAt.After(started) {
			continue
		}
		delete(r.overrides, path)
		released = append(released, path)
	}
	r.mu.Unlock()
	sort.Strings(released)
	for _, path := range released {
		remaining, _ := r.Badge(path)
		r.logger.Debug("badge override released",
			zap.String("path", path),
			zap.Int("unseen", remaining),
		)
	}
	return released
}

func (r *Reconciler) unseen(source string) []records.ID {
	if source == records.CollectionLocates {
		return r.agg.UnseenLocateIDs(r.store.Locates.GetAll())
	}
	return r.agg.UnseenWorkOrderIDs(r.store.WorkOrders.GetAll())
}
