package badge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydash/internal/mutation"
	"github.com/agentworkforce/relaydash/internal/notify"
	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/agentworkforce/relaydash/internal/recordstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenClient struct {
	mu   sync.Mutex
	gate chan struct{}
	err  error
	seen [][]records.ID
}

func (c *seenClient) ListWorkOrders(context.Context) ([]records.WorkOrderRecord, error) {
	return nil, nil
}
func (c *seenClient) ListLocates(context.Context) ([]records.LocateRecord, error) { return nil, nil }
func (c *seenClient) PatchWorkOrder(context.Context, records.ID, records.WorkOrderPatch) error {
	return nil
}
func (c *seenClient) DeleteWorkOrder(context.Context, records.ID) error        { return nil }
func (c *seenClient) BulkDeleteWorkOrders(context.Context, []records.ID) error { return nil }

func (c *seenClient) MarkLocatesSeen(_ context.Context, ids []records.ID) error {
	return c.mark(ids)
}

func (c *seenClient) MarkWorkOrdersSeen(_ context.Context, ids []records.ID) error {
	return c.mark(ids)
}

func (c *seenClient) mark(ids []records.ID) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, append([]records.ID(nil), ids...))
	return c.err
}

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func unseenLocate(id string) records.LocateRecord {
	return records.LocateRecord{ID: records.ID(id), CreatedAt: records.Time{Time: now.Add(-time.Hour)}}
}

type fixture struct {
	store  *recordstore.Store
	client *seenClient
	exec   *mutation.Executor
	rec    *Reconciler
}

func newFixture(t *testing.T, locates []records.LocateRecord) *fixture {
	t.Helper()
	store := recordstore.New(nil)
	require.True(t, store.Locates.ReplaceAll(locates, store.Locates.BeginFetch()))
	client := &seenClient{}
	exec := mutation.NewExecutor(store, client, mutation.Options{})
	t.Cleanup(exec.Close)
	agg := notify.NewAggregator(notify.Options{Now: func() time.Time { return now }})
	rec, err := NewReconciler(store, agg, exec, map[string]string{
		"/locates":     records.CollectionLocates,
		"/work-orders": records.CollectionWorkOrders,
	}, nil)
	require.NoError(t, err)
	return &fixture{store: store, client: client, exec: exec, rec: rec}
}

func (f *fixture) refetch(t *testing.T, locates []records.LocateRecord) {
	t.Helper()
	require.True(t, f.store.Locates.ReplaceAll(locates, f.store.Locates.BeginFetch()))
}

func waitOutcome(t *testing.T, ch <-chan mutation.Outcome) mutation.Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acknowledge outcome")
		return mutation.Outcome{}
	}
}

func badge(t *testing.T, r *Reconciler, path string) int {
	t.Helper()
	n, err := r.Badge(path)
	require.NoError(t, err)
	return n
}

func TestAcknowledgeThenRefetchKeepsZero(t *testing.T) {
	f := newFixture(t, []records.LocateRecord{unseenLocate("1"), unseenLocate("2")})
	f.client.gate = make(chan struct{})
	assert.Equal(t, 2, badge(t, f.rec, "/locates"))

	ch, err := f.rec.Acknowledge(context.Background(), "/locates")
	require.NoError(t, err)
	assert.Equal(t, 0, badge(t, f.rec, "/locates"))
	assert.True(t, f.rec.Cleared("/locates"))

	// Still in flight: a refetch does not release the override.
	assert.Empty(t, f.rec.Reconcile(time.Now()))

	close(f.client.gate)
	require.NoError(t, waitOutcome(t, ch).Err)
	assert.Equal(t, 0, badge(t, f.rec, "/locates"))

	seen := []records.LocateRecord{unseenLocate("1"), unseenLocate("2")}
	for i := range seen {
		seen[i].IsSeen = true
	}
	f.refetch(t, seen)
	assert.Equal(t, []string{"/locates"}, f.rec.Reconcile(time.Now()))
	assert.False(t, f.rec.Cleared("/locates"))
	assert.Equal(t, 0, badge(t, f.rec, "/locates"))
	assert.ElementsMatch(t, []records.ID{"1", "2"}, f.client.seen[0])
}

func TestRefetchStartedBeforeSettleKeepsOverride(t *testing.T) {
	f := newFixture(t, []records.LocateRecord{unseenLocate("1"), unseenLocate("2")})
	f.client.gate = make(chan struct{})
	ch, err := f.rec.Acknowledge(context.Background(), "/locates")
	require.NoError(t, err)

	// A poll read begins before the server commits the mark-seen call.
	pollStarted := time.Now()
	close(f.client.gate)
	require.NoError(t, waitOutcome(t, ch).Err)

	// It lands with pre-acknowledge data.
	f.refetch(t, []records.LocateRecord{unseenLocate("1"), unseenLocate("2")})
	assert.Empty(t, f.rec.Reconcile(pollStarted))
	assert.True(t, f.rec.Cleared("/locates"))
	assert.Equal(t, 0, badge(t, f.rec, "/locates"))

	seen := []records.LocateRecord{unseenLocate("1"), unseenLocate("2")}
	for i := range seen {
		seen[i].IsSeen = true
	}
	f.refetch(t, seen)
	assert.Equal(t, []string{"/locates"}, f.rec.Reconcile(time.Now()))
	assert.Equal(t, 0, badge(t, f.rec, "/locates"))
}

func TestFailedAcknowledgeRestoresBadge(t *testing.T) {
	f := newFixture(t, []records.LocateRecord{unseenLocate("1"), unseenLocate("2")})
	f.client.err = errors.New("offline")

	ch, err := f.rec.Acknowledge(context.Background(), "/locates")
	require.NoError(t, err)
	assert.Error(t, waitOutcome(t, ch).Err)
	assert.False(t, f.rec.Cleared("/locates"))
	assert.Equal(t, 2, badge(t, f.rec, "/locates"))
}

func TestNewArrivalIsNotMaskedAfterRefetch(t *testing.T) {
	f := newFixture(t, []records.LocateRecord{unseenLocate("1")})
	ch, err := f.rec.Acknowledge(context.Background(), "/locates")
	require.NoError(t, err)
	require.NoError(t, waitOutcome(t, ch).Err)

	seen := unseenLocate("1")
	seen.IsSeen = true
	f.refetch(t, []records.LocateRecord{seen, unseenLocate("3")})
	assert.Equal(t, 0, badge(t, f.rec, "/locates"))
	f.rec.Reconcile(time.Now())
	assert.Equal(t, 1, badge(t, f.rec, "/locates"))
	assert.Equal(t, []records.ID{"1"}, f.client.seen[0])
}

func TestAcknowledgeWithNothingUnseenSkipsCall(t *testing.T) {
	f := newFixture(t, nil)
	ch, err := f.rec.Acknowledge(context.Background(), "/work-orders")
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.Empty(t, f.client.seen)

	_, err = f.rec.Acknowledge(context.Background(), "/nowhere")
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestBadgesCoversEveryPath(t *testing.T) {
	f := newFixture(t, []records.LocateRecord{unseenLocate("1")})
	assert.Equal(t, map[string]int{"/locates": 1, "/work-orders": 0}, f.rec.Badges())
	assert.Equal(t, []string{"/locates", "/work-orders"}, f.rec.Paths())
}

func TestUnknownSourceRejected(t *testing.T) {
	_, err := NewReconciler(recordstore.New(nil), notify.NewAggregator(notify.Options{}), nil, map[string]string{"/x": "invoices"}, nil)
	assert.Error(t, err)
}
