// Package workflow derives the workflow stage of a work order from its
// denormalised flags.
package workflow

import (
	"github.com/agentworkforce/relaydash/internal/records"
)

type Stage string

const (
	StageReportNeeded    Stage = "REPORT_NEEDED"
	StageReportSubmitted Stage = "REPORT_SUBMITTED"
	StageHolding         Stage = "HOLDING"
	StageFinalized       Stage = "FINALIZED"
	// StageDeleted is the recycle bin. It sits outside the four stages.
	StageDeleted Stage = "DELETED"
)

// Stages lists the four mutually exclusive stages in display order.
var Stages = []Stage{StageReportNeeded, StageReportSubmitted, StageHolding, StageFinalized}

type FinalizeAction string

const (
	ActionNone    FinalizeAction = ""
	ActionLocked  FinalizeAction = "locked"
	ActionDeleted FinalizeAction = "deleted"
)

type Classification struct {
	Stage         Stage          `json:"stage"`
	Action        FinalizeAction `json:"action,omitempty"`
	FinalizedBy   string         `json:"finalizedBy,omitempty"`
	FinalizedDate *records.Time  `json:"finalizedDate,omitempty"`
}

// Classify applies the rules in order; the first match wins. Records can
// satisfy several predicates at once (a submitted report that was then put
// on hold), so the order below is what makes the result unique.
func Classify(r records.WorkOrderRecord) Classification {
	switch {
	case r.IsDeleted:
		return Classification{Stage: StageDeleted}
	case r.Status == records.StatusDeleted && r.RMECompleted:
		return finalized(r, ActionDeleted)
	case r.Status == records.StatusLocked && r.RMECompleted:
		return finalized(r, ActionLocked)
	case r.WaitToLock || r.MovedToHoldingDate != nil:
		return Classification{Stage: StageHolding}
	case r.TechReportSubmitted:
		return Classification{Stage: StageReportSubmitted}
	default:
		return Classification{Stage: StageReportNeeded}
	}
}

func finalized(r records.WorkOrderRecord, action FinalizeAction) Classification {
	c := Classification{Stage: StageFinalized, Action: action, FinalizedDate: r.FinalizedDate}
	if r.FinalizedBy != nil {
		c.FinalizedBy = *r.FinalizedBy
	}
	return c
}

type Entry struct {
	Record         records.WorkOrderRecord `json:"record"`
	Classification Classification          `json:"classification"`
}

// Buckets groups work orders by stage. Deleted holds the recycle bin.
type Buckets struct {
	ReportNeeded    []Entry `json:"reportNeeded"`
	ReportSubmitted []Entry `json:"reportSubmitted"`
	Holding         []Entry `json:"holding"`
	Finalized       []Entry `json:"finalized"`
	Deleted         []Entry `json:"deleted"`
}

func (b Buckets) Stage(s Stage) []Entry {
	switch s {
	case StageReportNeeded:
		return b.ReportNeeded
	case StageReportSubmitted:
		return b.ReportSubmitted
	case StageHolding:
		return b.Holding
	case StageFinalized:
		return b.Finalized
	case StageDeleted:
		return b.Deleted
	}
	return nil
}

func (b Buckets) Counts() map[Stage]int {
	return map[Stage]int{
		StageReportNeeded:    len(b.ReportNeeded),
		StageReportSubmitted: len(b.ReportSubmitted),
		StageHolding:         len(b.Holding),
		StageFinalized:       len(b.Finalized),
		StageDeleted:         len(b.Deleted),
	}
}

func Bucketize(recs []records.WorkOrderRecord) Buckets {
	var b Buckets
	for _, r := range recs {
		c := Classify(r)
		e := Entry{Record: r, Classification: c}
		switch c.Stage {
		case StageDeleted:
			b.Deleted = append(b.Deleted, e)
		case StageFinalized:
			b.Finalized = append(b.Finalized, e)
		case StageHolding:
			b.Holding = append(b.Holding, e)
		case StageReportSubmitted:
			b.ReportSubmitted = append(b.ReportSubmitted, e)
		default:
			b.ReportNeeded = append(b.ReportNeeded, e)
		}
	}
	return b
}
