// Package notify merges locates and work orders into one notification feed
// and counts what the user has not seen yet.
package notify

import (
	"sort"
	"time"

	"github.com/agentworkforce/relaydash/internal/records"
)

type Source string

const (
	SourceLocate    Source = "locate"
	SourceWorkOrder Source = "work_order"
)

const (
	DefaultWindow = 30 * 24 * time.Hour
	DrawerLimit   = 10
	ListLimit     = 50
)

type Item struct {
	ID        records.ID              `json:"id"`
	Type      Source                  `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	IsSeen    bool                    `json:"is_seen"`
	Locate    *records.LocateRecord   `json:"locate,omitempty"`
	WorkOrder *records.WorkOrderRecord `json:"work_order,omitempty"`
}

type Counts struct {
	Locates    int `json:"locates"`
	WorkOrders int `json:"work_orders"`
	Total      int `json:"total"`
}

type DayGroup struct {
	Label string `json:"label"`
	Items []Item `json:"items"`
}

type Options struct {
	Window   time.Duration
	Now      func() time.Time
	Location *time.Location
}

type Aggregator struct {
	window time.Duration
	now    func() time.Time
	loc    *time.Location
}

func NewAggregator(opts Options) *Aggregator {
	a := &Aggregator{window: opts.Window, now: opts.Now, loc: opts.Location}
	if a.window <= 0 {
		a.window = DefaultWindow
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	return a
}

func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Feed returns up to limit items from both sources, newest first. A
// non-positive limit returns everything.
func (a *Aggregator) Feed(locates []records.LocateRecord, workOrders []records.WorkOrderRecord, limit int) []Item {
	items := make([]Item, 0, len(locates)+len(workOrders))
	seen := make(map[Source]map[records.ID]struct{}, 2)
	add := func(it Item) {
		ids, ok := seen[it.Type]
		if !ok {
			ids = map[records.ID]struct{}{}
			seen[it.Type] = ids
		}
		if _, dup := ids[it.ID]; dup {
			return
		}
		ids[it.ID] = struct{}{}
		items = append(items, it)
	}
	for i := range locates {
		rec := locates[i]
		add(Item{ID: rec.ID, Type: SourceLocate, Timestamp: rec.CreatedAt.Time, IsSeen: rec.IsSeen, Locate: &rec})
	}
	for i := range workOrders {
		rec := workOrders[i]
		add(Item{ID: rec.ID, Type: SourceWorkOrder, Timestamp: rec.CreatedAt.Time, IsSeen: rec.IsSeen, WorkOrder: &rec})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		if items[i].Type != items[j].Type {
			return items[i].Type < items[j].Type
		}
		return items[i].ID > items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Unseen reports whether a record with this recency and seen flag counts
// towards the badge.
func (a *Aggregator) Unseen(ts time.Time, isSeen bool) bool {
	if isSeen || ts.IsZero() {
		return false
	}
	return !ts.Before(a.now().Add(-a.window))
}

func (a *Aggregator) UnseenCounts(locates []records.LocateRecord, workOrders []records.WorkOrderRecord) Counts {
	var c Counts
	c.Locates = len(a.UnseenLocateIDs(locates))
	c.WorkOrders = len(a.UnseenWorkOrderIDs(workOrders))
	c.Total = c.Locates + c.WorkOrders
	return c
}

func (a *Aggregator) UnseenLocateIDs(locates []records.LocateRecord) []records.ID {
	var ids []records.ID
	seen := map[records.ID]struct{}{}
	for _, rec := range locates {
		if _, dup := seen[rec.ID]; dup || !a.Unseen(rec.CreatedAt.Time, rec.IsSeen) {
			continue
		}
		seen[rec.ID] = struct{}{}
		ids = append(ids, rec.ID)
	}
	return ids
}

func (a *Aggregator) UnseenWorkOrderIDs(workOrders []records.WorkOrderRecord) []records.ID {
	var ids []records.ID
	seen := map[records.ID]struct{}{}
	for _, rec := range workOrders {
		if _, dup := seen[rec.ID]; dup || !a.Unseen(rec.CreatedAt.Time, rec.IsSeen) {
			continue
		}
		seen[rec.ID] = struct{}{}
		ids = append(ids, rec.ID)
	}
	return ids
}

// GroupByDay buckets items under Today, Yesterday or the full date,
// relative to the current clock. Input order is kept within a group.
func (a *Aggregator) GroupByDay(items []Item) []DayGroup {
	now := a.now().In(a.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
	yesterday := today.AddDate(0, 0, -1)

	var groups []DayGroup
	index := map[string]int{}
	for _, it := range items {
		ts := it.Timestamp.In(a.loc)
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, a.loc)
		var label string
		switch {
		case day.Equal(today):
			label = "Today"
		case day.Equal(yesterday):
			label = "Yesterday"
		default:
			label = day.Format("January 2, 2006")
		}
		i, ok := index[label]
		if !ok {
			i = len(groups)
			index[label] = i
			groups = append(groups, DayGroup{Label: label})
		}
		groups[i].Items = append(groups[i].Items, it)
	}
	return groups
}
