// Package mutation applies user actions to the record store before the
// server confirms them and undoes them if it does not.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/identity"
	"github.com/agentworkforce/relaydash/internal/invalidation"
	"github.com/agentworkforce/relaydash/internal/mirror"
	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/agentworkforce/relaydash/internal/recordstore"
	"github.com/agentworkforce/relaydash/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMutationPending = errors.New("a mutation on this record is already in flight")
	ErrUnknownRecord   = errors.New("mutation targets a record not in the store")
	ErrNotInRecycleBin = errors.New("record is not in the recycle bin")
	ErrEmptyTarget     = errors.New("mutation has no target ids")
	ErrUnknownKind     = errors.New("unknown mutation kind")
	ErrClosed          = errors.New("mutation executor closed")
)

const (
	DefaultTimeout = 30 * time.Second
	fanOutLimit    = 4
)

type Notifier interface {
	Success(message string)
	Failure(message string)
}

type Invalidator interface {
	Invalidate(kind invalidation.TriggerKind)
}

// Outcome is delivered once per submitted mutation after the remote call
// settles.
type Outcome struct {
	Mutation Mutation
	Message  string
	Err      error
}

type Options struct {
	Actor       identity.Identity
	Mirror      *mirror.Mirror
	Invalidator Invalidator
	Notifier    Notifier
	Logger      *zap.Logger
	Now         func() time.Time
	NewReportID func() string
	Timeout     time.Duration
}

type Executor struct {
	store       *recordstore.Store
	client      remote.RemoteClient
	actor       identity.Identity
	mirror      *mirror.Mirror
	invalidator Invalidator
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
	newReportID func() string
	timeout     time.Duration

	mu sync.Mutex
	// busy maps each record with a mutation in flight to that mutation's key.
	busy   map[string]string
	closed bool
	wg     sync.WaitGroup
}

func NewExecutor(store *recordstore.Store, client remote.RemoteClient, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		store:       store,
		client:      client,
		actor:       opts.Actor,
		mirror:      opts.Mirror,
		invalidator: opts.Invalidator,
		notifier:    opts.Notifier,
		logger:      logger,
		now:         opts.Now,
		newReportID: opts.NewReportID,
		timeout:     opts.Timeout,
		busy:        map[string]string{},
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: logger}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newReportID == nil {
		e.newReportID = uuid.NewString
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	return e
}

// SetInvalidator attaches the coordinator after construction; the engine
// builds the two in opposite dependency order.
func (e *Executor) SetInvalidator(inv Invalidator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidator = inv
}

// Pending reports whether any record m targets has a mutation in flight.
func (e *Executor) Pending(m Mutation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, target := range targets(m) {
		if _, ok := e.busy[target]; ok {
			return true
		}
	}
	return false
}

// Submit applies the optimistic change synchronously and sends the remote
// call in the background. The returned channel yields exactly one Outcome.
func (e *Executor) Submit(ctx context.Context, m Mutation) (<-chan Outcome, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	m.IDs = uniqueIDs(m.IDs)
	if len(m.IDs) == 0 {
		return nil, ErrEmptyTarget
	}
	if !m.Kind.Bulk() && len(m.IDs) > 1 {
		return nil, fmt.Errorf("%s takes a single id, got %d", m.Kind, len(m.IDs))
	}

	key := m.Key()
	held := targets(m)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	for _, target := range held {
		if other, busy := e.busy[target]; busy {
			e.mu.Unlock()
			e.logger.Debug("record already has a mutation in flight",
				zap.String("kind", string(m.Kind)),
				zap.String("target", target),
				zap.String("pending", other),
			)
			return nil, fmt.Errorf("%w: %s", ErrMutationPending, target)
		}
	}
	for _, target := range held {
		e.busy[target] = key
	}
	e.wg.Add(1)
	e.mu.Unlock()

	op := e.plan(m)
	if err := op.apply(); err != nil {
		op.rollback()
		e.release(held)
		e.wg.Done()
		return nil, err
	}

	out := make(chan Outcome, 1)
	remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer close(out)
		out <- e.settle(remoteCtx, held, m, op)
	}()
	return out, nil
}

// Execute is Submit followed by waiting for the outcome.
func (e *Executor) Execute(ctx context.Context, m Mutation) error {
	ch, err := e.Submit(ctx, m)
	if err != nil {
		return err
	}
	select {
	case outcome := <-ch:
		return outcome.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Lock(ctx context.Context, id records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindLock, IDs: []records.ID{id}})
}

func (e *Executor) WaitToLock(ctx context.Context, id records.ID, reason, notes string) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindWaitToLock, IDs: []records.ID{id}, Reason: reason, Notes: notes})
}

func (e *Executor) Discard(ctx context.Context, id records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindDiscard, IDs: []records.ID{id}})
}

func (e *Executor) SoftDelete(ctx context.Context, ids ...records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindSoftDelete, IDs: ids})
}

func (e *Executor) Restore(ctx context.Context, ids ...records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindRestore, IDs: ids})
}

func (e *Executor) PermanentDelete(ctx context.Context, ids ...records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindPermanentDelete, IDs: ids})
}

func (e *Executor) MarkLocatesSeen(ctx context.Context, ids ...records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindMarkLocatesSeen, IDs: ids})
}

func (e *Executor) MarkWorkOrdersSeen(ctx context.Context, ids ...records.ID) (<-chan Outcome, error) {
	return e.Submit(ctx, Mutation{Kind: KindMarkWorkOrdersSeen, IDs: ids})
}

// Close refuses new mutations and waits for in-flight ones to settle.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) settle(ctx context.Context, held []string, m Mutation, op *operation) Outcome {
	logger := e.logger.With(
		zap.String("kind", string(m.Kind)),
		zap.Strings("ids", idStrings(m.IDs)),
	)
	err := op.remote(ctx)
	if err != nil {
		restored := op.rollback()
		e.release(held)
		msg := failureMessage(m)
		logger.Warn("mutation failed, rolled back",
			zap.Int("restored", restored),
			zap.Int("targets", len(m.IDs)),
			zap.Error(err),
		)
		e.notifier.Failure(msg)
		return Outcome{Mutation: m, Message: msg, Err: err}
	}
	e.release(held)
	if err := e.store.Invalidate(m.Kind.Collection()); err != nil {
		logger.Warn("mark collection stale", zap.Error(err))
	}
	if e.mirror != nil {
		e.mirror.Invalidate(ctx, m.Kind.Collection())
	}
	e.mu.Lock()
	inv := e.invalidator
	e.mu.Unlock()
	if inv != nil {
		inv.Invalidate(invalidation.TriggerMutation)
	}
	msg := successMessage(m)
	logger.Info("mutation confirmed")
	e.notifier.Success(msg)
	return Outcome{Mutation: m, Message: msg}
}

func (e *Executor) release(held []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, target := range held {
		delete(e.busy, target)
	}
}

// targets names the records m touches, qualified by collection.
func targets(m Mutation) []string {
	ids := uniqueIDs(m.IDs)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = m.Kind.Collection() + "/" + id.String()
	}
	return out
}

// operation is one mutation bound to its store snapshots.
type operation struct {
	apply    func() error
	remote   func(ctx context.Context) error
	rollback func() int
}

func (e *Executor) plan(m Mutation) *operation {
	switch m.Kind {
	case KindMarkLocatesSeen:
		return e.patchLocates(m.IDs, records.LocatePatch{IsSeen: records.Some(true)}, func(ctx context.Context) error {
			return e.client.MarkLocatesSeen(ctx, m.IDs)
		})
	case KindPermanentDelete:
		return e.evictWorkOrders(m.IDs)
	}
	requireDeleted := m.Kind == KindRestore
	patch := e.workOrderPatch(m)
	var send func(ctx context.Context) error
	if m.Kind == KindMarkWorkOrdersSeen {
		send = func(ctx context.Context) error {
			return e.client.MarkWorkOrdersSeen(ctx, m.IDs)
		}
	} else {
		send = func(ctx context.Context) error {
			return fanOut(ctx, m.IDs, func(ctx context.Context, id records.ID) error {
				return e.client.PatchWorkOrder(ctx, id, patch)
			})
		}
	}
	return e.patchWorkOrders(m.IDs, patch, requireDeleted, send)
}

func (e *Executor) workOrderPatch(m Mutation) records.WorkOrderPatch {
	now := records.NewTime(e.now().UTC())
	name := records.String(e.actor.DisplayName())
	email := records.String(e.actor.Email)
	switch m.Kind {
	case KindLock:
		return records.WorkOrderPatch{
			Status:           records.Some(records.StatusLocked),
			RMECompleted:     records.Some(true),
			FinalizedBy:      records.Some(name),
			FinalizedByEmail: records.Some(email),
			FinalizedDate:    records.Some(now),
			ReportID:         records.Some(records.String(e.newReportID())),
		}
	case KindWaitToLock:
		return records.WorkOrderPatch{
			WaitToLock:         records.Some(true),
			Reason:             records.Some(optionalString(m.Reason)),
			Notes:              records.Some(optionalString(m.Notes)),
			MovedToHoldingDate: records.Some(now),
			Status:             records.Some(records.StatusHolding),
		}
	case KindDiscard:
		return records.WorkOrderPatch{
			Status:           records.Some(records.StatusDeleted),
			RMECompleted:     records.Some(true),
			FinalizedBy:      records.Some(name),
			FinalizedByEmail: records.Some(email),
			FinalizedDate:    records.Some(now),
		}
	case KindSoftDelete:
		return records.WorkOrderPatch{
			IsDeleted:      records.Some(true),
			DeletedBy:      records.Some(name),
			DeletedByEmail: records.Some(email),
			DeletedDate:    records.Some(now),
		}
	case KindRestore:
		return records.WorkOrderPatch{
			IsDeleted:      records.Some(false),
			DeletedBy:      records.Some[*string](nil),
			DeletedByEmail: records.Some[*string](nil),
			DeletedDate:    records.Some[*records.Time](nil),
		}
	case KindMarkWorkOrdersSeen:
		return records.WorkOrderPatch{IsSeen: records.Some(true)}
	}
	return records.WorkOrderPatch{}
}

func (e *Executor) patchWorkOrders(ids []records.ID, patch records.WorkOrderPatch, requireDeleted bool, send func(context.Context) error) *operation {
	var snaps []recordstore.WorkOrderSnapshot
	return &operation{
		apply: func() error {
			if requireDeleted {
				if err := e.checkRecycleBin(ids); err != nil {
					return err
				}
			}
			for _, id := range ids {
				s, err := e.store.WorkOrders.Patch(id, patch)
				if err != nil {
					return targetError(id, err)
				}
				snaps = append(snaps, s)
			}
			return nil
		},
		remote: send,
		rollback: func() int {
			restored := 0
			for i := len(snaps) - 1; i >= 0; i-- {
				if e.store.WorkOrders.Rollback(snaps[i]) {
					restored++
				}
			}
			return restored
		},
	}
}

func (e *Executor) patchLocates(ids []records.ID, patch records.LocatePatch, send func(context.Context) error) *operation {
	var snaps []recordstore.LocateSnapshot
	return &operation{
		apply: func() error {
			for _, id := range ids {
				s, err := e.store.Locates.Patch(id, patch)
				if err != nil {
					return targetError(id, err)
				}
				snaps = append(snaps, s)
			}
			return nil
		},
		remote: send,
		rollback: func() int {
			restored := 0
			for i := len(snaps) - 1; i >= 0; i-- {
				if e.store.Locates.Rollback(snaps[i]) {
					restored++
				}
			}
			return restored
		},
	}
}

func (e *Executor) evictWorkOrders(ids []records.ID) *operation {
	var snaps []recordstore.WorkOrderSnapshot
	return &operation{
		apply: func() error {
			if err := e.checkRecycleBin(ids); err != nil {
				return err
			}
			for _, id := range ids {
				s, err := e.store.WorkOrders.Evict(id)
				if err != nil {
					return targetError(id, err)
				}
				snaps = append(snaps, s)
			}
			return nil
		},
		remote: func(ctx context.Context) error {
			if len(ids) == 1 {
				return e.client.DeleteWorkOrder(ctx, ids[0])
			}
			return e.client.BulkDeleteWorkOrders(ctx, ids)
		},
		// Reverse order so every record lands back at its original index.
		rollback: func() int {
			restored := 0
			for i := len(snaps) - 1; i >= 0; i-- {
				if e.store.WorkOrders.Rollback(snaps[i]) {
					restored++
				}
			}
			return restored
		},
	}
}

// checkRecycleBin rejects the batch unless every target is soft-deleted.
func (e *Executor) checkRecycleBin(ids []records.ID) error {
	for _, id := range ids {
		rec, ok := e.store.WorkOrders.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
		}
		if !rec.IsDeleted {
			return fmt.Errorf("%w: work order %s", ErrNotInRecycleBin, id)
		}
	}
	return nil
}

func fanOut(ctx context.Context, ids []records.ID, call func(context.Context, records.ID) error) error {
	if len(ids) == 1 {
		return call(ctx, ids[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := call(gctx, id); err != nil {
				return fmt.Errorf("work order %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func targetError(id records.ID, err error) error {
	if errors.Is(err, recordstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	return err
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return records.String(v)
}

func idStrings(ids []records.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// LogNotifier surfaces messages through the logger when no UI is attached.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Success(message string) {
	n.Logger.Info(message)
}

func (n LogNotifier) Failure(message string) {
	n.Logger.Warn(message)
}
