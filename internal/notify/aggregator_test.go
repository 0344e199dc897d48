package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestAggregator() *Aggregator {
	return NewAggregator(Options{Now: func() time.Time { return testNow }, Location: time.UTC})
}

func locate(id string, age time.Duration, seen bool) records.LocateRecord {
	return records.LocateRecord{ID: records.ID(id), CreatedAt: records.Time{Time: testNow.Add(-age)}, IsSeen: seen}
}

func workOrder(id string, age time.Duration, seen bool) records.WorkOrderRecord {
	return records.WorkOrderRecord{ID: records.ID(id), CreatedAt: records.Time{Time: testNow.Add(-age)}, IsSeen: seen}
}

func TestTwoLocatesAndOneWorkOrderAllUnseen(t *testing.T) {
	a := newTestAggregator()
	locates := []records.LocateRecord{locate("1", 3*time.Hour, false), locate("2", time.Hour, false)}
	orders := []records.WorkOrderRecord{workOrder("9", 2*time.Hour, false)}

	counts := a.UnseenCounts(locates, orders)
	assert.Equal(t, Counts{Locates: 2, WorkOrders: 1, Total: 3}, counts)

	feed := a.Feed(locates, orders, DrawerLimit)
	require.Len(t, feed, 3)
	assert.Equal(t, records.ID("2"), feed[0].ID)
	assert.Equal(t, SourceLocate, feed[0].Type)
	assert.Equal(t, records.ID("9"), feed[1].ID)
	assert.Equal(t, SourceWorkOrder, feed[1].Type)
	assert.NotNil(t, feed[1].WorkOrder)
	assert.Equal(t, records.ID("1"), feed[2].ID)
}

func TestUnseenWindowAndSeenFlag(t *testing.T) {
	a := newTestAggregator()
	locates := []records.LocateRecord{
		locate("old", 31*24*time.Hour, false),
		locate("seen", time.Hour, true),
		locate("edge", 30*24*time.Hour, false),
		locate("fresh", time.Minute, false),
	}
	assert.ElementsMatch(t, []records.ID{"edge", "fresh"}, a.UnseenLocateIDs(locates))

	// Old and seen records are still shown in the feed.
	feed := a.Feed(locates, nil, ListLimit)
	assert.Len(t, feed, 4)
}

func TestFeedDeduplicatesPerTypeAndCaps(t *testing.T) {
	a := newTestAggregator()
	var locates []records.LocateRecord
	for i := 0; i < 15; i++ {
		locates = append(locates, locate(fmt.Sprint(i), time.Duration(i)*time.Minute, false))
	}
	locates = append(locates, locate("3", time.Second, false))
	orders := []records.WorkOrderRecord{workOrder("3", 2*time.Second, false)}

	feed := a.Feed(locates, orders, DrawerLimit)
	require.Len(t, feed, DrawerLimit)
	count := 0
	for _, it := range feed {
		if it.ID == "3" {
			count++
		}
	}
	assert.Equal(t, 2, count, "same id under both types is kept once per type")
	for i := 1; i < len(feed); i++ {
		assert.False(t, feed[i].Timestamp.After(feed[i-1].Timestamp))
	}
	assert.Len(t, a.Feed(locates, orders, 0), 16)
}

func TestMarkingSeenTwiceNeverGoesNegative(t *testing.T) {
	a := newTestAggregator()
	locates := []records.LocateRecord{locate("1", time.Hour, false)}
	assert.Equal(t, 1, a.UnseenCounts(locates, nil).Total)
	locates[0].IsSeen = true
	assert.Equal(t, 0, a.UnseenCounts(locates, nil).Total)
	locates[0].IsSeen = true
	assert.Equal(t, 0, a.UnseenCounts(locates, nil).Total)
}

func TestGroupByDay(t *testing.T) {
	a := newTestAggregator()
	items := a.Feed([]records.LocateRecord{
		locate("a", time.Hour, false),
		locate("b", 13*time.Hour, false),
		locate("c", 40*time.Hour, false),
		locate("d", 41*time.Hour, false),
	}, nil, 0)
	groups := a.GroupByDay(items)
	require.Len(t, groups, 3)
	assert.Equal(t, "Today", groups[0].Label)
	assert.Equal(t, "Yesterday", groups[1].Label)
	assert.Equal(t, "June 13, 2024", groups[2].Label)
	assert.Len(t, groups[2].Items, 2)
}
