package recordstore

import (
	"testing"
	"time"

	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWorkOrders(t *testing.T, s *Store, recs ...records.WorkOrderRecord) {
	t.Helper()
	gen := s.WorkOrders.BeginFetch()
	require.True(t, s.WorkOrders.ReplaceAll(recs, gen))
}

func TestReplaceAllKeepsFetchOrder(t *testing.T) {
	s := New(nil)
	seedWorkOrders(t, s,
		records.WorkOrderRecord{ID: "3"},
		records.WorkOrderRecord{ID: "1"},
		records.WorkOrderRecord{ID: "2"},
	)
	all := s.WorkOrders.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, []records.ID{"3", "1", "2"}, []records.ID{all[0].ID, all[1].ID, all[2].ID})
	assert.False(t, s.WorkOrders.Stale())
}

func TestReplaceAllDiscardsStaleGeneration(t *testing.T) {
	s := New(nil)
	older := s.WorkOrders.BeginFetch()
	newer := s.WorkOrders.BeginFetch()

	require.True(t, s.WorkOrders.ReplaceAll([]records.WorkOrderRecord{{ID: "new"}}, newer))
	assert.False(t, s.WorkOrders.ReplaceAll([]records.WorkOrderRecord{{ID: "old"}}, older))

	_, ok := s.WorkOrders.Get("new")
	assert.True(t, ok)
	_, ok = s.WorkOrders.Get("old")
	assert.False(t, ok)
}

func TestReplaceAllDiscardsOlderResponseArrivingFirst(t *testing.T) {
	s := New(nil)
	older := s.WorkOrders.BeginFetch()
	_ = s.WorkOrders.BeginFetch()
	assert.False(t, s.WorkOrders.ReplaceAll([]records.WorkOrderRecord{{ID: "old"}}, older))
	assert.Equal(t, 0, s.WorkOrders.Len())
}

func TestPatchRollbackRestoresRecordExactly(t *testing.T) {
	s := New(nil)
	reason := "parts"
	seedWorkOrders(t, s, records.WorkOrderRecord{ID: "42", Status: records.StatusHolding, Reason: &reason, WaitToLock: true})
	before, _ := s.WorkOrders.Get("42")

	snap, err := s.WorkOrders.Patch("42", records.WorkOrderPatch{
		Status:        records.Some(records.StatusLocked),
		RMECompleted:  records.Some(true),
		FinalizedDate: records.Some(records.NewTime(time.Unix(1700000000, 0).UTC())),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"finalized_date", "rme_completed", "status"}, snap.Fields)

	patched, _ := s.WorkOrders.Get("42")
	assert.Equal(t, records.StatusLocked, patched.Status)

	require.True(t, s.WorkOrders.Rollback(snap))
	after, _ := s.WorkOrders.Get("42")
	assert.Equal(t, before, after)
}

func TestPatchUnknownRecord(t *testing.T) {
	s := New(nil)
	_, err := s.WorkOrders.Patch("missing", records.WorkOrderPatch{IsSeen: records.Some(true)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRollbackSkippedAfterAuthoritativeRefetch(t *testing.T) {
	s := New(nil)
	seedWorkOrders(t, s, records.WorkOrderRecord{ID: "1"})
	snap, err := s.WorkOrders.Patch("1", records.WorkOrderPatch{IsDeleted: records.Some(true)})
	require.NoError(t, err)

	seedWorkOrders(t, s, records.WorkOrderRecord{ID: "1", IsDeleted: true})
	assert.False(t, s.WorkOrders.Rollback(snap))

	rec, _ := s.WorkOrders.Get("1")
	assert.True(t, rec.IsDeleted)
}

func TestEvictRollbackReinsertsAtSamePosition(t *testing.T) {
	s := New(nil)
	seedWorkOrders(t, s,
		records.WorkOrderRecord{ID: "a"},
		records.WorkOrderRecord{ID: "b"},
		records.WorkOrderRecord{ID: "c"},
	)
	snap, err := s.WorkOrders.Evict("b")
	require.NoError(t, err)
	assert.Equal(t, 2, s.WorkOrders.Len())

	require.True(t, s.WorkOrders.Rollback(snap))
	all := s.WorkOrders.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, records.ID("b"), all[1].ID)
}

func TestInvalidateKeepsData(t *testing.T) {
	s := New(nil)
	seedWorkOrders(t, s, records.WorkOrderRecord{ID: "1"})
	require.NoError(t, s.Invalidate(records.CollectionWorkOrders))
	assert.True(t, s.WorkOrders.Stale())
	assert.Equal(t, 1, s.WorkOrders.Len())
	assert.Error(t, s.Invalidate("nope"))
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	s := New(nil)
	notes := "n"
	seedWorkOrders(t, s, records.WorkOrderRecord{ID: "1", Notes: &notes})
	rec, _ := s.WorkOrders.Get("1")
	*rec.Notes = "mutated"
	again, _ := s.WorkOrders.Get("1")
	assert.Equal(t, "n", *again.Notes)
}

func TestDisposeRefusesWrites(t *testing.T) {
	s := New(nil)
	seedWorkOrders(t, s, records.WorkOrderRecord{ID: "1"})
	s.Dispose()
	assert.Equal(t, 0, s.WorkOrders.Len())
	gen := s.WorkOrders.BeginFetch()
	assert.False(t, s.WorkOrders.ReplaceAll([]records.WorkOrderRecord{{ID: "2"}}, gen))
	_, err := s.Locates.Patch("x", records.LocatePatch{})
	assert.ErrorIs(t, err, ErrDisposed)
}
