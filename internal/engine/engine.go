// Package engine wires one signed-in session: the record store and its
// mirror, the remote client, the invalidation coordinator, the mutation
// executor and the badge reconciler. Views are derived from the store on
// every call and never cached.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/badge"
	"github.com/agentworkforce/relaydash/internal/config"
	"github.com/agentworkforce/relaydash/internal/identity"
	"github.com/agentworkforce/relaydash/internal/invalidation"
	"github.com/agentworkforce/relaydash/internal/mirror"
	"github.com/agentworkforce/relaydash/internal/mutation"
	"github.com/agentworkforce/relaydash/internal/notify"
	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/agentworkforce/relaydash/internal/recordstore"
	"github.com/agentworkforce/relaydash/internal/remote"
	"github.com/agentworkforce/relaydash/internal/workflow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed  = errors.New("engine closed")
	ErrStarted = errors.New("engine already started")
)

type Options struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
	// Client replaces the HTTP client built from the config.
	Client   remote.RemoteClient
	Notifier mutation.Notifier
	Now      func() time.Time
	// Dial is used by the connectivity probe.
	Dial invalidation.DialFunc
}

type Engine struct {
	cfg    config.Config
	logger *zap.Logger
	who    identity.Identity
	now    func() time.Time

	store        *recordstore.Store
	mirror       *mirror.Mirror
	client       remote.RemoteClient
	coord        *invalidation.Coordinator
	exec         *mutation.Executor
	agg          *notify.Aggregator
	badges       *badge.Reconciler
	visibility   *invalidation.VisibilityTracker
	connectivity *invalidation.ConnectivityTracker
	dial         invalidation.DialFunc

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// New builds a session from cfg. The API token doubles as the session
// token; without one the session is anonymous and the push channel stays
// off.
func New(cfg config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	who, err := identity.FromToken(cfg.API.Token, []byte(cfg.Session.TokenSecret))
	if err != nil {
		if !errors.Is(err, identity.ErrNoToken) {
			return nil, err
		}
		logger.Warn("no session token, running anonymous")
	}

	backend, err := mirror.BuildBackendFromDSN(cfg.Sync.MirrorDSN)
	if err != nil {
		return nil, fmt.Errorf("build mirror backend: %w", err)
	}
	mir := mirror.New(backend, mirror.Options{
		TTL:    cfg.Sync.MirrorTTL,
		Logger: logger.Named("mirror"),
		Now:    opts.Now,
	})

	client := opts.Client
	if client == nil {
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.API.Timeout}
		}
		hc := remote.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token, httpClient, logger.Named("remote"))
		hc.SetReadRetries(cfg.API.ReadRetries)
		client = hc
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := recordstore.New(logger.Named("store"))
	store.SetClock(now)
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		who:    who,
		now:    now,
		store:  store,
		mirror: mir,
		client: client,
		dial:   opts.Dial,
		agg: notify.NewAggregator(notify.Options{
			Window: cfg.Sync.NotificationWindow,
			Now:    opts.Now,
		}),
	}
	e.coord = invalidation.NewCoordinator(e.Refetch, invalidation.Options{
		PollInterval: cfg.Sync.PollInterval,
		Debounce:     cfg.Sync.Debounce,
		Mirror:       mir,
		Collections:  store.Collections(),
		MarkStale:    store.InvalidateAll,
		Logger:       logger.Named("invalidation"),
	})
	e.exec = mutation.NewExecutor(store, client, mutation.Options{
		Actor:    who,
		Mirror:   mir,
		Notifier: opts.Notifier,
		Logger:   logger.Named("mutation"),
		Now:      opts.Now,
		Timeout:  cfg.Sync.MutationTimeout,
	})
	e.exec.SetInvalidator(e.coord)

	e.badges, err = badge.NewReconciler(store, e.agg, e.exec, cfg.Badges, logger.Named("badge"))
	if err != nil {
		_ = mir.Close()
		return nil, err
	}
	e.coord.OnRefetch(func(res invalidation.RefetchResult) {
		e.mu.Lock()
		e.lastErr = res.Err
		e.mu.Unlock()
		if res.Err == nil {
			e.badges.Reconcile(res.Started)
		}
	})

	e.visibility = invalidation.NewVisibilityTracker(e.coord.Invalidate, true)
	e.connectivity = invalidation.NewConnectivityTracker(e.coord.Invalidate, true)
	return e, nil
}

// Start loads both collections once, then runs the coordinator and its
// trigger sources until Close or ctx is done. A failed initial load is
// logged; the poll timer retries it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return ErrStarted
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	for _, src := range e.sources() {
		e.coord.Attach(src)
	}
	loadStarted := time.Now()
	if err := e.Refetch(runCtx); err != nil {
		e.logger.Warn("initial load failed", zap.Error(err))
	} else {
		e.badges.Reconcile(loadStarted)
	}
	go func() {
		defer close(e.done)
		if err := e.coord.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("coordinator stopped", zap.Error(err))
		}
	}()
	e.logger.Info("session started",
		zap.String("user", e.who.DisplayName()),
		zap.String("role", e.who.Role),
		zap.Duration("poll_interval", e.cfg.Sync.PollInterval),
	)
	return nil
}

func (e *Engine) sources() []invalidation.Source {
	var out []invalidation.Source
	if push := e.pushSource(); push != nil {
		out = append(out, push)
	}
	if path := e.cfg.Signals.VisibilityFile; path != "" {
		out = append(out, invalidation.SourceFunc(func(ctx context.Context, _ func(invalidation.TriggerKind)) error {
			return invalidation.WatchVisibilityFile(ctx, path, e.visibility, e.logger.Named("visibility"))
		}))
	}
	if addr := e.probeAddress(); addr != "" {
		out = append(out, invalidation.SourceFunc(func(ctx context.Context, _ func(invalidation.TriggerKind)) error {
			return invalidation.ProbeConnectivity(ctx, addr, e.cfg.Signals.ProbeInterval, e.connectivity, e.dial)
		}))
	}
	return out
}

func (e *Engine) pushSource() invalidation.Source {
	push := e.cfg.Push
	if !push.Enabled {
		return nil
	}
	if !identity.RoleAllowed(e.who.Role, push.Roles) {
		e.logger.Info("push channel disabled for role", zap.String("role", e.who.Role))
		return nil
	}
	var channel invalidation.PushChannel
	switch push.Transport {
	case "mqtt":
		channel = &invalidation.MQTTChannel{
			Broker:   push.Broker,
			ClientID: push.ClientID,
			Topic:    push.Topic,
			QoS:      1,
		}
	default:
		header := http.Header{}
		if e.cfg.API.Token != "" {
			header.Set("Authorization", "Bearer "+e.cfg.API.Token)
		}
		channel = &invalidation.WebSocketChannel{URL: push.URL, Header: header}
	}
	return &invalidation.PushRunner{
		Channel: channel,
		Backoff: push.Backoff,
		Logger:  e.logger.Named("push"),
	}
}

// probeAddress is the configured address, or the API host when unset.
func (e *Engine) probeAddress() string {
	if e.cfg.Signals.ProbeAddress != "" {
		return e.cfg.Signals.ProbeAddress
	}
	parsed, err := url.Parse(e.cfg.API.BaseURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	if parsed.Port() != "" {
		return parsed.Host
	}
	port := "80"
	if parsed.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(parsed.Hostname(), port)
}

// Refetch reads both collections through the mirror and applies each
// result only if no newer fetch of that collection was issued meanwhile.
// A failed read keeps the previous data.
func (e *Engine) Refetch(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		return refetchCollection(ctx, e, e.store.WorkOrders, e.client.ListWorkOrders)
	})
	g.Go(func() error {
		return refetchCollection(ctx, e, e.store.Locates, e.client.ListLocates)
	})
	return g.Wait()
}

func refetchCollection[R recordstore.Record[R], P recordstore.Patch[R, P]](
	ctx context.Context,
	e *Engine,
	c *recordstore.Collection[R, P],
	list func(context.Context) ([]R, error),
) error {
	gen := c.BeginFetch()
	logger := e.logger.With(zap.String("collection", c.Name()), zap.Uint64("generation", gen))
	recs, fromMirror, err := mirror.ReadRecords(ctx, e.mirror, c.Name(), list)
	if err != nil {
		logger.Warn("refetch failed, keeping previous data", zap.Error(err))
		return fmt.Errorf("refetch %s: %w", c.Name(), err)
	}
	if !c.ReplaceAll(recs, gen) {
		logger.Debug("discarded stale response")
		return nil
	}
	logger.Debug("collection replaced",
		zap.Int("records", len(recs)),
		zap.Bool("from_mirror", fromMirror),
	)
	return nil
}

// Invalidate reports a trigger to the coordinator.
func (e *Engine) Invalidate(kind invalidation.TriggerKind) {
	e.coord.Invalidate(kind)
}

func (e *Engine) StageBuckets() workflow.Buckets {
	return workflow.Bucketize(e.store.WorkOrders.GetAll())
}

// RecycleBin lists soft-deleted work orders.
func (e *Engine) RecycleBin() []workflow.Entry {
	return e.StageBuckets().Deleted
}

// Feed is the merged notification list, newest first. limit <= 0 returns
// everything.
func (e *Engine) Feed(limit int) []notify.Item {
	return e.agg.Feed(e.store.Locates.GetAll(), e.store.WorkOrders.GetAll(), limit)
}

func (e *Engine) FeedByDay(limit int) []notify.DayGroup {
	return e.agg.GroupByDay(e.Feed(limit))
}

func (e *Engine) UnseenCounts() notify.Counts {
	return e.agg.UnseenCounts(e.store.Locates.GetAll(), e.store.WorkOrders.GetAll())
}

func (e *Engine) WorkOrder(id records.ID) (records.WorkOrderRecord, bool) {
	return e.store.WorkOrders.Get(id)
}

// Stale reports, per collection, whether the data was invalidated and not
// yet refetched, or was last replaced more than Sync.StaleAfter ago.
func (e *Engine) Stale() map[string]bool {
	now := e.now()
	return map[string]bool{
		records.CollectionWorkOrders: e.stale(now, e.store.WorkOrders.Stale(), e.store.WorkOrders.FetchedAt()),
		records.CollectionLocates:    e.stale(now, e.store.Locates.Stale(), e.store.Locates.FetchedAt()),
	}
}

func (e *Engine) stale(now time.Time, invalidated bool, fetchedAt time.Time) bool {
	if invalidated || fetchedAt.IsZero() {
		return true
	}
	return now.Sub(fetchedAt) > e.cfg.Sync.StaleAfter
}

// LastRefetchError is the error of the most recent coordinator refetch.
func (e *Engine) LastRefetchError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) Identity() identity.Identity                     { return e.who }
func (e *Engine) Mutations() *mutation.Executor                   { return e.exec }
func (e *Engine) Badges() *badge.Reconciler                       { return e.badges }
func (e *Engine) Visibility() *invalidation.VisibilityTracker     { return e.visibility }
func (e *Engine) Connectivity() *invalidation.ConnectivityTracker { return e.connectivity }
func (e *Engine) Stats() invalidation.Stats                       { return e.coord.Stats() }

// Close stops the coordinator, lets in-flight mutations settle and drops
// the session's data.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.exec.Close()
	e.store.Dispose()
	return e.mirror.Close()
}
