// Package recordstore holds the session's local view of server-owned
// records. Writes are either authoritative (ReplaceAll, guarded by a fetch
// generation) or optimistic (Patch/Evict, undone through Rollback).
package recordstore

import (
	"fmt"
	"time"

	"github.com/agentworkforce/relaydash/internal/records"
	"go.uber.org/zap"
)

type (
	WorkOrders = Collection[records.WorkOrderRecord, records.WorkOrderPatch]
	Locates    = Collection[records.LocateRecord, records.LocatePatch]

	WorkOrderSnapshot = Snapshot[records.WorkOrderRecord, records.WorkOrderPatch]
	LocateSnapshot    = Snapshot[records.LocateRecord, records.LocatePatch]
)

// Store is created per session and disposed on logout.
type Store struct {
	WorkOrders *WorkOrders
	Locates    *Locates
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		WorkOrders: NewCollection[records.WorkOrderRecord, records.WorkOrderPatch](records.CollectionWorkOrders, logger),
		Locates:    NewCollection[records.LocateRecord, records.LocatePatch](records.CollectionLocates, logger),
	}
}

// SetClock replaces the clock behind FetchedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.WorkOrders.setClock(now)
	s.Locates.setClock(now)
}

func (s *Store) Collections() []string {
	return []string{records.CollectionWorkOrders, records.CollectionLocates}
}

func (s *Store) Invalidate(collection string) error {
	switch collection {
	case records.CollectionWorkOrders:
		s.WorkOrders.Invalidate()
	case records.CollectionLocates:
		s.Locates.Invalidate()
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}
	return nil
}

func (s *Store) InvalidateAll() {
	s.WorkOrders.Invalidate()
	s.Locates.Invalidate()
}

// Dispose drops all data; later writes are refused.
func (s *Store) Dispose() {
	s.WorkOrders.dispose()
	s.Locates.dispose()
}
