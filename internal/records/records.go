// Package records defines the server-owned record shapes mirrored by the
// dashboard sync layer and the typed patches applied to them.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Collection names double as mirror keys and log fields.
const (
	CollectionWorkOrders = "work_orders"
	CollectionLocates    = "locates"
)

type Status string

const (
	StatusNone    Status = ""
	StatusLocked  Status = "LOCKED"
	StatusDeleted Status = "DELETED"
	StatusHolding Status = "HOLDING"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusLocked, StatusDeleted, StatusHolding:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s == StatusNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = StatusNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !candidate.Valid() {
		return fmt.Errorf("unknown work order status %q", raw)
	}
	*s = candidate
	return nil
}

// ID is a record identity. The remote side uses numeric ids for most
// tables, so numbers and strings are both accepted and all-digit ids are
// written back as numbers.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*id = ID(raw)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid record id %s: %w", string(data), err)
	}
	*id = ID(num.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time accepts the timestamp and plain-date layouts the remote API emits.
type Time struct {
	time.Time
}

func NewTime(t time.Time) *Time {
	return &Time{Time: t}
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", raw)
}

type WorkOrderRecord struct {
	ID            ID     `json:"id"`
	ScheduledDate *Time  `json:"scheduled_date"`
	CompletedDate *Time  `json:"completed_date"`
	Technician    string `json:"technician"`
	Customer      string `json:"customer"`
	FullAddress   string `json:"full_address"`

	TechReportSubmitted bool    `json:"tech_report_submitted"`
	WaitToLock          bool    `json:"wait_to_lock"`
	Reason              *string `json:"reason"`
	Notes               *string `json:"notes"`
	MovedToHoldingDate  *Time   `json:"moved_to_holding_date"`

	Status       Status `json:"status"`
	RMECompleted bool   `json:"rme_completed"`

	IsDeleted      bool    `json:"is_deleted"`
	DeletedBy      *string `json:"deleted_by"`
	DeletedByEmail *string `json:"deleted_by_email"`
	DeletedDate    *Time   `json:"deleted_date"`

	FinalizedBy      *string `json:"finalized_by"`
	FinalizedByEmail *string `json:"finalized_by_email"`
	FinalizedDate    *Time   `json:"finalized_date"`

	LastReportLink     *string `json:"last_report_link"`
	UnlockedReportLink *string `json:"unlocked_report_link"`
	ReportID           *string `json:"report_id"`

	CreatedAt Time `json:"created_at"`
	IsSeen    bool `json:"is_seen"`
}

func (r WorkOrderRecord) RecordID() ID {
	return r.ID
}

// Clone returns a deep copy so callers never share pointer fields with the
// store.
func (r WorkOrderRecord) Clone() WorkOrderRecord {
	out := r
	out.ScheduledDate = cloneTime(r.ScheduledDate)
	out.CompletedDate = cloneTime(r.CompletedDate)
	out.Reason = cloneString(r.Reason)
	out.Notes = cloneString(r.Notes)
	out.MovedToHoldingDate = cloneTime(r.MovedToHoldingDate)
	out.DeletedBy = cloneString(r.DeletedBy)
	out.DeletedByEmail = cloneString(r.DeletedByEmail)
	out.DeletedDate = cloneTime(r.DeletedDate)
	out.FinalizedBy = cloneString(r.FinalizedBy)
	out.FinalizedByEmail = cloneString(r.FinalizedByEmail)
	out.FinalizedDate = cloneTime(r.FinalizedDate)
	out.LastReportLink = cloneString(r.LastReportLink)
	out.UnlockedReportLink = cloneString(r.UnlockedReportLink)
	out.ReportID = cloneString(r.ReportID)
	return out
}

type LocateRecord struct {
	ID              ID     `json:"id"`
	CreatedAt       Time   `json:"created_at"`
	IsSeen          bool   `json:"is_seen"`
	CustomerAddress string `json:"customer_address"`
	WorkOrderNumber string `json:"work_order_number"`
}

func (r LocateRecord) RecordID() ID {
	return r.ID
}

func (r LocateRecord) Clone() LocateRecord {
	return r
}

func String(v string) *string {
	return &v
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *Time) *Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
