package mutation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/relaydash/internal/records"
)

type Kind string

const (
	KindLock               Kind = "lock"
	KindWaitToLock         Kind = "waitToLock"
	KindDiscard            Kind = "discard"
	KindSoftDelete         Kind = "softDelete"
	KindRestore            Kind = "restore"
	KindPermanentDelete    Kind = "permanentDelete"
	KindMarkLocatesSeen    Kind = "markLocatesSeen"
	KindMarkWorkOrdersSeen Kind = "markWorkOrdersSeen"
)

// Bulk reports whether the kind accepts more than one id.
func (k Kind) Bulk() bool {
	switch k {
	case KindSoftDelete, KindRestore, KindPermanentDelete, KindMarkLocatesSeen, KindMarkWorkOrdersSeen:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	switch k {
	case KindLock, KindWaitToLock, KindDiscard:
		return true
	}
	return k.Bulk()
}

func (k Kind) Collection() string {
	if k == KindMarkLocatesSeen {
		return records.CollectionLocates
	}
	return records.CollectionWorkOrders
}

type Mutation struct {
	Kind Kind         `json:"kind"`
	IDs  []records.ID `json:"ids"`
	// Reason and Notes only apply to waitToLock.
	Reason string `json:"reason,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Key identifies the logical target: same kind, same id set.
func (m Mutation) Key() string {
	ids := uniqueIDs(m.IDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	sort.Strings(parts)
	return string(m.Kind) + ":" + strings.Join(parts, ",")
}

func uniqueIDs(ids []records.ID) []records.ID {
	seen := make(map[records.ID]struct{}, len(ids))
	out := make([]records.ID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func describe(ids []records.ID, noun string) string {
	if len(ids) == 1 {
		return fmt.Sprintf("%s %s", noun, ids[0])
	}
	return fmt.Sprintf("%d %ss", len(ids), noun)
}

func successMessage(m Mutation) string {
	target := describe(m.IDs, "work order")
	switch m.Kind {
	case KindLock:
		return capitalize(target) + " locked"
	case KindWaitToLock:
		return capitalize(target) + " moved to holding"
	case KindDiscard:
		return capitalize(target) + " discarded"
	case KindSoftDelete:
		return capitalize(target) + " moved to the recycle bin"
	case KindRestore:
		return capitalize(target) + " restored"
	case KindPermanentDelete:
		return capitalize(target) + " permanently deleted"
	case KindMarkLocatesSeen:
		return capitalize(describe(m.IDs, "locate")) + " marked as seen"
	case KindMarkWorkOrdersSeen:
		return capitalize(target) + " marked as seen"
	}
	return "Done"
}

func failureMessage(m Mutation) string {
	target := describe(m.IDs, "work order")
	switch m.Kind {
	case KindLock:
		return "Failed to lock " + target
	case KindWaitToLock:
		return "Failed to move " + target + " to holding"
	case KindDiscard:
		return "Failed to discard " + target
	case KindSoftDelete:
		return "Failed to delete " + target
	case KindRestore:
		return "Failed to restore " + target
	case KindPermanentDelete:
		return "Failed to permanently delete " + target
	case KindMarkLocatesSeen:
		return "Failed to mark " + describe(m.IDs, "locate") + " as seen"
	case KindMarkWorkOrdersSeen:
		return "Failed to mark " + target + " as seen"
	}
	return "Request failed"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
