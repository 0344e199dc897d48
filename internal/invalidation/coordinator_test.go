package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaydash/internal/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCoordinator(t *testing.T, c *Coordinator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return cancel
}

func TestTriggersCoalesceIntoOneRefetch(t *testing.T) {
	var calls int32
	c := NewCoordinator(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, Options{PollInterval: time.Hour, Debounce: 50 * time.Millisecond})
	results := make(chan RefetchResult, 4)
	c.OnRefetch(func(r RefetchResult) { results <- r })
	startCoordinator(t, c)

	c.Invalidate(TriggerPush)
	c.Invalidate(TriggerVisibility)
	c.Invalidate(TriggerConnectivity)

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		assert.Equal(t, []TriggerKind{TriggerPush, TriggerVisibility, TriggerConnectivity}, res.Triggers)
	case <-time.After(2 * time.Second):
		t.Fatal("no refetch result")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	stats := c.Stats()
	assert.Equal(t, 1, stats.Refetches)
	assert.Equal(t, 2, stats.Coalesced)
}

func TestTriggerDuringRefetchSchedulesOneFollowUp(t *testing.T) {
	var calls int32
	started := make(chan struct{}, 2)
	gate := make(chan struct{})
	c := NewCoordinator(func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-gate
		}
		return nil
	}, Options{PollInterval: time.Hour, Debounce: 20 * time.Millisecond})
	results := make(chan RefetchResult, 4)
	c.OnRefetch(func(r RefetchResult) { results <- r })
	startCoordinator(t, c)

	c.Invalidate(TriggerPoll)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("refetch never started")
	}
	c.Invalidate(TriggerMutation)
	c.Invalidate(TriggerPush)
	require.Eventually(t, func() bool { return c.Stats().Triggers == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	close(gate)

	var got []RefetchResult
	for len(got) < 2 {
		select {
		case res := <-results:
			got = append(got, res)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected a follow-up refetch, got %d results", len(got))
		}
	}
	assert.Equal(t, []TriggerKind{TriggerPoll}, got[0].Triggers)
	assert.Equal(t, []TriggerKind{TriggerMutation, TriggerPush}, got[1].Triggers)
	assert.False(t, got[1].Started.Before(got[0].Finished))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	stats := c.Stats()
	assert.Equal(t, 2, stats.Refetches)
	assert.Equal(t, 2, stats.Coalesced)
}

func TestTriggerMarksStoreStale(t *testing.T) {
	var marked int32
	c := NewCoordinator(func(ctx context.Context) error { return nil }, Options{
		PollInterval: time.Hour,
		Debounce:     time.Millisecond,
		MarkStale:    func() { atomic.AddInt32(&marked, 1) },
	})
	startCoordinator(t, c)
	c.Invalidate(TriggerVisibility)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&marked) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTriggerAfterRefetchSchedulesAnother(t *testing.T) {
	var calls int32
	c := NewCoordinator(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, Options{PollInterval: time.Hour, Debounce: time.Millisecond})
	results := make(chan RefetchResult, 4)
	c.OnRefetch(func(r RefetchResult) { results <- r })
	startCoordinator(t, c)

	for i := 0; i < 2; i++ {
		c.Invalidate(TriggerManual)
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatal("no refetch result")
		}
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPollTimerTriggersRefetch(t *testing.T) {
	results := make(chan RefetchResult, 8)
	c := NewCoordinator(func(ctx context.Context) error { return nil },
		Options{PollInterval: 20 * time.Millisecond, Debounce: time.Millisecond})
	c.OnRefetch(func(r RefetchResult) { results <- r })
	startCoordinator(t, c)

	select {
	case res := <-results:
		assert.Equal(t, []TriggerKind{TriggerPoll}, res.Triggers)
	case <-time.After(2 * time.Second):
		t.Fatal("poll never fired")
	}
}

func TestRefetchFailureReachesListeners(t *testing.T) {
	boom := errors.New("offline")
	results := make(chan RefetchResult, 1)
	c := NewCoordinator(func(ctx context.Context) error { return boom },
		Options{PollInterval: time.Hour, Debounce: time.Millisecond})
	c.OnRefetch(func(r RefetchResult) { results <- r })
	startCoordinator(t, c)

	c.Invalidate(TriggerManual)
	select {
	case res := <-results:
		assert.ErrorIs(t, res.Err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("no refetch result")
	}
	assert.Eventually(t, func() bool { return c.Stats().Failures == 1 }, time.Second, 5*time.Millisecond)
}

func TestTriggerDropsMirrorEntry(t *testing.T) {
	backend := mirror.NewInMemoryBackend()
	m := mirror.New(backend, mirror.Options{})
	key := mirror.DefaultKeyPrefix + "locates"
	entry, err := json.Marshal(mirror.Entry{Data: json.RawMessage(`[]`), Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, backend.Set(context.Background(), key, entry, time.Minute))

	c := NewCoordinator(func(ctx context.Context) error { return nil },
		Options{PollInterval: time.Hour, Mirror: m, Collections: []string{"locates"}})
	startCoordinator(t, c)
	c.Invalidate(TriggerPush)

	assert.Eventually(t, func() bool {
		_, err := backend.Get(context.Background(), key)
		return errors.Is(err, mirror.ErrMiss)
	}, time.Second, 5*time.Millisecond)
}

func TestRunTwiceIsRejected(t *testing.T) {
	results := make(chan RefetchResult, 1)
	c := NewCoordinator(func(ctx context.Context) error { return nil },
		Options{PollInterval: time.Hour, Debounce: time.Millisecond})
	c.OnRefetch(func(r RefetchResult) { results <- r })
	startCoordinator(t, c)
	c.Invalidate(TriggerManual)
	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator not running")
	}
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)
}

func TestAttachedSourcesFireTriggers(t *testing.T) {
	results := make(chan RefetchResult, 1)
	c := NewCoordinator(func(ctx context.Context) error { return nil },
		Options{PollInterval: time.Hour, Debounce: time.Millisecond})
	c.OnRefetch(func(r RefetchResult) { results <- r })
	c.Attach(SourceFunc(func(ctx context.Context, fire func(TriggerKind)) error {
		fire(TriggerConnectivity)
		<-ctx.Done()
		return ctx.Err()
	}))
	startCoordinator(t, c)

	select {
	case res := <-results:
		assert.Equal(t, []TriggerKind{TriggerConnectivity}, res.Triggers)
	case <-time.After(2 * time.Second):
		t.Fatal("source trigger never arrived")
	}
}
