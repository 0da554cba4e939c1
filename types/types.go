package types

import (
	"errors"
	"fmt"
	"time"
)

// BillType tags the variant payload carried by a bill.
type BillType string

const (
	BillTypeDepartmentOverhead   BillType = "department_overhead"
	BillTypeConstructionContract BillType = "construction_contract"
	BillTypePurchase             BillType = "purchase"
	BillTypeAdvanceRequest       BillType = "advance_request"
)

// BillTypes lists every bill type in display order.
var BillTypes = []BillType{
	BillTypeDepartmentOverhead,
	BillTypeConstructionContract,
	BillTypePurchase,
	BillTypeAdvanceRequest,
}

var ErrUnknownBillType = errors.New("unknown bill type")

// ParseBillType validates a bill type tag.
func ParseBillType(s string) (BillType, error) {
	for _, t := range BillTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBillType, s)
}

// Label returns the human readable name of the bill type.
func (t BillType) Label() string {
	switch t {
	case BillTypeDepartmentOverhead:
		return "Department Overhead Bills"
	case BillTypeConstructionContract:
		return "Construction Contract Bills"
	case BillTypePurchase:
		return "Purchase Bills"
	case BillTypeAdvanceRequest:
		return "Advance Request Bills"
	}
	return string(t)
}

// Status is both the overall state of a bill and the outcome of one decision.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

var ErrUnknownStatus = errors.New("unknown status")

// ParseStatus validates a status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusRejected:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// IsFinal reports whether the status is absorbing.
func (s Status) IsFinal() bool {
	return s == StatusApproved || s == StatusRejected
}

// IsDecision reports whether the status may be recorded as a stage decision.
func (s Status) IsDecision() bool {
	return s.IsFinal()
}

// ApprovalRecord is the decision taken at one stage.
type ApprovalRecord struct {
	Stage        int       `json:"stage"`
	ApproverName string    `json:"approver_name"`
	Status       Status    `json:"status"`
	Date         time.Time `json:"date"`
	Comments     string    `json:"comments"`
}

// Attachment references a file submitted with a bill.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Bill is a submitted bill and its approval state.
type Bill struct {
	ID           string           `json:"id"`
	Type         BillType         `json:"type"`
	CurrentStage int              `json:"current_stage"`
	Status       Status           `json:"status"`
	Approvals    []ApprovalRecord `json:"approvals"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Remarks      string           `json:"remarks"`
	Attachments  []Attachment     `json:"attachments"`
	Details      Details          `json:"details"`
}

// Clone returns a copy that shares no slices with b.
func (b Bill) Clone() Bill {
	c := b
	if b.Approvals != nil {
		c.Approvals = make([]ApprovalRecord, len(b.Approvals))
		copy(c.Approvals, b.Approvals)
	}
	if b.Attachments != nil {
		c.Attachments = make([]Attachment, len(b.Attachments))
		copy(c.Attachments, b.Attachments)
	}
	return c
}

// Approval returns the record stored for stage, if any.
func (b Bill) Approval(stage int) (ApprovalRecord, bool) {
	for _, a := range b.Approvals {
		if a.Stage == stage {
			return a, true
		}
	}
	return ApprovalRecord{}, false
}

// DisplayAmount is the amount shown for the bill in lists and totals.
func (b Bill) DisplayAmount() float64 {
	if b.Details == nil {
		return 0
	}
	return b.Details.DisplayAmount()
}

// DisplayReference is the variant reference number, or the ID prefix when the
// variant has none.
func (b Bill) DisplayReference() string {
	if b.Details != nil {
		if ref := b.Details.DisplayReference(); ref != "" {
			return ref
		}
	}
	if len(b.ID) > 8 {
		return b.ID[:8]
	}
	return b.ID
}

// Counterparty is the vendor or contractor the bill is payable to.
func (b Bill) Counterparty() string {
	if b.Details == nil {
		return ""
	}
	return b.Details.Counterparty()
}

// NewBill carries the caller supplied fields of a bill being created.
type NewBill struct {
	Details     Details
	Remarks     string
	Attachments []Attachment
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Remarks     *string
	Attachments *[]Attachment
	Details     Details
}

// Apply merges the patch into b. Details must keep the bill type.
func (p Patch) Apply(b *Bill) error {
	if p.Details != nil {
		if p.Details.Kind() != b.Type {
			return fmt.Errorf("%w: details of type %s on %s bill", ErrTypeMismatch, p.Details.Kind(), b.Type)
		}
		b.Details = p.Details
	}
	if p.Remarks != nil {
		b.Remarks = *p.Remarks
	}
	if p.Attachments != nil {
		b.Attachments = make([]Attachment, len(*p.Attachments))
		copy(b.Attachments, *p.Attachments)
	}
	return nil
}

var ErrTypeMismatch = errors.New("details do not match bill type")

// Filter selects bills by type and status. A nil field matches everything.
type Filter struct {
	Type   *BillType
	Status *Status
}

// Match reports whether b satisfies the filter.
func (f Filter) Match(b Bill) bool {
	if f.Type != nil && b.Type != *f.Type {
		return false
	}
	if f.Status != nil && b.Status != *f.Status {
		return false
	}
	return true
}

// ByType returns a filter on bill type only.
func ByType(t BillType) Filter {
	return Filter{Type: &t}
}

// ByStatus returns a filter on status only.
func ByStatus(s Status) Filter {
	return Filter{Status: &s}
}
