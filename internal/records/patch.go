package records

import (
	"encoding/json"
	"sort"
)

// Optional distinguishes "leave the field alone" from "set it to the zero
// value", which matters for nullable columns such as deleted_by.
type Optional[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

func swap[T any](prev *Optional[T], next Optional[T], field *T) {
	if !next.Set {
		return
	}
	*prev = Some(*field)
	*field = next.Value
}

func put[T any](out map[string]any, key string, v Optional[T]) {
	if v.Set {
		out[key] = v.Value
	}
}

// WorkOrderPatch is both the optimistic local change and the body of the
// remote PATCH call. Only fields with Set=true are touched or sent.
type WorkOrderPatch struct {
	TechReportSubmitted Optional[bool]
	WaitToLock          Optional[bool]
	Reason              Optional[*string]
	Notes               Optional[*string]
	MovedToHoldingDate  Optional[*Time]
	Status              Optional[Status]
	RMECompleted        Optional[bool]
	IsDeleted           Optional[bool]
	DeletedBy           Optional[*string]
	DeletedByEmail      Optional[*string]
	DeletedDate         Optional[*Time]
	FinalizedBy         Optional[*string]
	FinalizedByEmail    Optional[*string]
	FinalizedDate       Optional[*Time]
	LastReportLink      Optional[*string]
	UnlockedReportLink  Optional[*string]
	ReportID            Optional[*string]
	IsSeen              Optional[bool]
}

// Apply writes the patch into r and returns the inverse patch: the prior
// values of exactly the fields it touched.
func (p WorkOrderPatch) Apply(r *WorkOrderRecord) WorkOrderPatch {
	var prev WorkOrderPatch
	swap(&prev.TechReportSubmitted, p.TechReportSubmitted, &r.TechReportSubmitted)
	swap(&prev.WaitToLock, p.WaitToLock, &r.WaitToLock)
	swap(&prev.Reason, p.Reason, &r.Reason)
	swap(&prev.Notes, p.Notes, &r.Notes)
	swap(&prev.MovedToHoldingDate, p.MovedToHoldingDate, &r.MovedToHoldingDate)
	swap(&prev.Status, p.Status, &r.Status)
	swap(&prev.RMECompleted, p.RMECompleted, &r.RMECompleted)
	swap(&prev.IsDeleted, p.IsDeleted, &r.IsDeleted)
	swap(&prev.DeletedBy, p.DeletedBy, &r.DeletedBy)
	swap(&prev.DeletedByEmail, p.DeletedByEmail, &r.DeletedByEmail)
	swap(&prev.DeletedDate, p.DeletedDate, &r.DeletedDate)
	swap(&prev.FinalizedBy, p.FinalizedBy, &r.FinalizedBy)
	swap(&prev.FinalizedByEmail, p.FinalizedByEmail, &r.FinalizedByEmail)
	swap(&prev.FinalizedDate, p.FinalizedDate, &r.FinalizedDate)
	swap(&prev.LastReportLink, p.LastReportLink, &r.LastReportLink)
	swap(&prev.UnlockedReportLink, p.UnlockedReportLink, &r.UnlockedReportLink)
	swap(&prev.ReportID, p.ReportID, &r.ReportID)
	swap(&prev.IsSeen, p.IsSeen, &r.IsSeen)
	return prev
}

func (p WorkOrderPatch) fields() map[string]any {
	out := map[string]any{}
	put(out, "tech_report_submitted", p.TechReportSubmitted)
	put(out, "wait_to_lock", p.WaitToLock)
	put(out, "reason", p.Reason)
	put(out, "notes", p.Notes)
	put(out, "moved_to_holding_date", p.MovedToHoldingDate)
	put(out, "status", p.Status)
	put(out, "rme_completed", p.RMECompleted)
	put(out, "is_deleted", p.IsDeleted)
	put(out, "deleted_by", p.DeletedBy)
	put(out, "deleted_by_email", p.DeletedByEmail)
	put(out, "deleted_date", p.DeletedDate)
	put(out, "finalized_by", p.FinalizedBy)
	put(out, "finalized_by_email", p.FinalizedByEmail)
	put(out, "finalized_date", p.FinalizedDate)
	put(out, "last_report_link", p.LastReportLink)
	put(out, "unlocked_report_link", p.UnlockedReportLink)
	put(out, "report_id", p.ReportID)
	put(out, "is_seen", p.IsSeen)
	return out
}

// Fields lists the wire keys the patch touches, sorted.
func (p WorkOrderPatch) Fields() []string {
	return sortedKeys(p.fields())
}

func (p WorkOrderPatch) Empty() bool {
	return len(p.fields()) == 0
}

func (p WorkOrderPatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields())
}

type LocatePatch struct {
	IsSeen Optional[bool]
}

func (p LocatePatch) Apply(r *LocateRecord) LocatePatch {
	var prev LocatePatch
	swap(&prev.IsSeen, p.IsSeen, &r.IsSeen)
	return prev
}

func (p LocatePatch) fields() map[string]any {
	out := map[string]any{}
	put(out, "is_seen", p.IsSeen)
	return out
}

func (p LocatePatch) Fields() []string {
	return sortedKeys(p.fields())
}

func (p LocatePatch) Empty() bool {
	return !p.IsSeen.Set
}

func (p LocatePatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields())
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
