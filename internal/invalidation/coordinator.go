// Package invalidation turns the independent refresh triggers (poll timer,
// push messages, visibility and connectivity changes, confirmed mutations)
// into a single debounced invalidate-and-refetch operation.
package invalidation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/mirror"
	"go.uber.org/zap"
)

type TriggerKind string

const (
	TriggerPoll         TriggerKind = "poll"
	TriggerPush         TriggerKind = "push"
	TriggerVisibility   TriggerKind = "visibility"
	TriggerConnectivity TriggerKind = "connectivity"
	TriggerMutation     TriggerKind = "mutation"
	TriggerManual       TriggerKind = "manual"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultDebounce     = 100 * time.Millisecond
	eventBuffer         = 64
)

var ErrAlreadyRunning = errors.New("coordinator already running")

type RefetchFunc func(ctx context.Context) error

type RefetchResult struct {
	Triggers []TriggerKind
	Started  time.Time
	Finished time.Time
	Err      error
}

// Source is a long-running trigger producer, started and stopped with the
// coordinator.
type Source interface {
	Run(ctx context.Context, fire func(TriggerKind)) error
}

type SourceFunc func(ctx context.Context, fire func(TriggerKind)) error

func (f SourceFunc) Run(ctx context.Context, fire func(TriggerKind)) error {
	return f(ctx, fire)
}

type Options struct {
	PollInterval time.Duration
	Debounce     time.Duration
	// Mirror and Collections name the mirrored entries dropped on every
	// trigger.
	Mirror      *mirror.Mirror
	Collections []string
	// MarkStale runs on every trigger, before the refetch it schedules.
	MarkStale func()
	Logger    *zap.Logger
}

type Stats struct {
	Triggers  int
	Coalesced int
	Refetches int
	Failures  int
}

type Coordinator struct {
	refetch     RefetchFunc
	poll        time.Duration
	debounce    time.Duration
	mirror      *mirror.Mirror
	collections []string
	markStale   func()
	logger      *zap.Logger

	events chan TriggerKind

	mu        sync.Mutex
	listeners []func(RefetchResult)
	sources   []Source
	running   bool
	stats     Stats
}

func NewCoordinator(refetch RefetchFunc, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	debounce := opts.Debounce
	if debounce < 0 {
		debounce = 0
	} else if debounce == 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		refetch:     refetch,
		poll:        poll,
		debounce:    debounce,
		mirror:      opts.Mirror,
		collections: append([]string(nil), opts.Collections...),
		markStale:   opts.MarkStale,
		logger:      logger,
		events:      make(chan TriggerKind, eventBuffer),
	}
}

// Invalidate reports a trigger. It never blocks; when the queue is full a
// refetch is already guaranteed, so the trigger is counted as coalesced.
func (c *Coordinator) Invalidate(kind TriggerKind) {
	select {
	case c.events <- kind:
	default:
		c.mu.Lock()
		c.stats.Triggers++
		c.stats.Coalesced++
		c.mu.Unlock()
	}
}

// OnRefetch registers fn to run on the coordinator goroutine after every
// refetch, successful or not.
func (c *Coordinator) OnRefetch(fn func(RefetchResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Attach adds a trigger source. Sources attached after Run has started are
// not picked up.
func (c *Coordinator) Attach(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run drives the loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, c.Invalidate); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("trigger source stopped", zap.Error(err))
			}
		}(src)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var (
		timer     *time.Timer
		timerC    <-chan time.Time
		scheduled bool
		inFlight  bool
		// dirty is set by a trigger that lands while a refetch is in flight;
		// that refetch may have read data older than the trigger.
		dirty   bool
		pending []TriggerKind
		done    = make(chan RefetchResult, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	schedule := func() {
		scheduled = true
		if timer == nil {
			timer = time.NewTimer(c.debounce)
		} else {
			timer.Reset(c.debounce)
		}
		timerC = timer.C
	}

	handle := func(kind TriggerKind) {
		c.invalidateMirror(ctx)
		if c.markStale != nil {
			c.markStale()
		}
		pending = append(pending, kind)
		c.mu.Lock()
		c.stats.Triggers++
		if scheduled || inFlight {
			c.stats.Coalesced++
			c.mu.Unlock()
			if inFlight {
				dirty = true
			}
			c.logger.Debug("trigger coalesced", zap.String("trigger", string(kind)))
			return
		}
		c.mu.Unlock()
		schedule()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			handle(TriggerPoll)
		case kind := <-c.events:
			handle(kind)
		case <-timerC:
			timerC = nil
			scheduled = false
			inFlight = true
			triggers := pending
			pending = nil
			go func() {
				started := time.Now()
				err := c.refetch(ctx)
				done <- RefetchResult{Triggers: triggers, Started: started, Finished: time.Now(), Err: err}
			}()
		case res := <-done:
			inFlight = false
			c.finish(res)
			if dirty {
				dirty = false
				c.logger.Debug("scheduling follow-up refetch", zap.Int("triggers", len(pending)))
				schedule()
			}
		}
	}
}

func (c *Coordinator) finish(res RefetchResult) {
	c.mu.Lock()
	c.stats.Refetches++
	if res.Err != nil {
		c.stats.Failures++
	}
	listeners := append([]func(RefetchResult){}, c.listeners...)
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Duration("elapsed", res.Finished.Sub(res.Started)),
		zap.Int("triggers", len(res.Triggers)),
	}
	if len(res.Triggers) > 0 {
		fields = append(fields, zap.String("trigger", string(res.Triggers[0])))
	}
	if res.Err != nil {
		c.logger.Warn("refetch failed", append(fields, zap.Error(res.Err))...)
	} else {
		c.logger.Debug("refetch complete", fields...)
	}
	for _, fn := range listeners {
		fn(res)
	}
}

func (c *Coordinator) invalidateMirror(ctx context.Context) {
	if c.mirror == nil || len(c.collections) == 0 {
		return
	}
	c.mirror.Invalidate(ctx, c.collections...)
}
