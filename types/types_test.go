package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailsAccessors(t *testing.T) {
	tests := []struct {
		name         string
		details      Details
		kind         BillType
		amount       float64
		reference    string
		counterparty string
	}{
		{
			name:         "department overhead",
			details:      DepartmentOverhead{BillNumber: "DO-1", VendorName: "Acme", Amount: 120.5},
			kind:         BillTypeDepartmentOverhead,
			amount:       120.5,
			reference:    "DO-1",
			counterparty: "Acme",
		},
		{
			name:         "construction contract",
			details:      ConstructionContract{BillNumber: "CC-7", ContractorName: "BuildCo", InvoiceAmount: 9000, CertifiedAmount: 8000},
			kind:         BillTypeConstructionContract,
			amount:       9000,
			reference:    "CC-7",
			counterparty: "BuildCo",
		},
		{
			name:         "purchase with total",
			details:      Purchase{PONumber: "PO-3", VendorName: "Supply Ltd", Quantity: 4, UnitPrice: 10, TotalAmount: 44},
			kind:         BillTypePurchase,
			amount:       44,
			reference:    "PO-3",
			counterparty: "Supply Ltd",
		},
		{
			name:         "purchase without total",
			details:      Purchase{PONumber: "PO-4", Quantity: 4, UnitPrice: 2.5},
			kind:         BillTypePurchase,
			amount:       10,
			reference:    "PO-4",
			counterparty: "",
		},
		{
			name:         "advance request",
			details:      AdvanceRequest{VendorName: "Mover", AmountRequested: 300},
			kind:         BillTypeAdvanceRequest,
			amount:       300,
			reference:    "",
			counterparty: "Mover",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.details.Kind())
			assert.Equal(t, tt.amount, tt.details.DisplayAmount())
			assert.Equal(t, tt.reference, tt.details.DisplayReference())
			assert.Equal(t, tt.counterparty, tt.details.Counterparty())
		})
	}
}

func TestBillDisplayReferenceFallsBackToID(t *testing.T) {
	b := Bill{ID: "0123456789abcdef", Type: BillTypeAdvanceRequest, Details: AdvanceRequest{}}
	assert.Equal(t, "01234567", b.DisplayReference())

	b.ID = "short"
	assert.Equal(t, "short", b.DisplayReference())

	b = Bill{ID: "0123456789abcdef", Type: BillTypePurchase, Details: Purchase{PONumber: "PO-9"}}
	assert.Equal(t, "PO-9", b.DisplayReference())

	var empty Bill
	assert.Zero(t, empty.DisplayAmount())
	assert.Empty(t, empty.Counterparty())
}

func TestBillJSONKeepsVariant(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := Bill{
		ID:           "b-1",
		Type:         BillTypeConstructionContract,
		CurrentStage: 2,
		Status:       StatusPending,
		Approvals: []ApprovalRecord{
			{Stage: 0, ApproverName: "Alice", Status: StatusApproved, Date: now},
			{Stage: 1, ApproverName: "Bob", Status: StatusApproved, Date: now, Comments: "ok"},
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		Remarks:     "phase 2",
		Attachments: []Attachment{{Name: "mb.pdf", URL: "s3://bills/mb.pdf", ContentType: "application/pdf"}},
		Details: ConstructionContract{
			ProjectID:       "P-1",
			ContractorName:  "BuildCo",
			BillNumber:      "CC-1",
			BillDate:        now,
			InvoiceAmount:   1500,
			RetentionAmount: 75,
		},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Bill
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
	assert.IsType(t, ConstructionContract{}, out.Details)
}

func TestBillJSONUnknownType(t *testing.T) {
	var b Bill
	err := json.Unmarshal([]byte(`{"id":"x","type":"lease","details":{}}`), &b)
	assert.ErrorIs(t, err, ErrUnknownBillType)
}

func TestDecodeDetailsEmptyPayload(t *testing.T) {
	d, err := DecodeDetails(BillTypePurchase, nil)
	require.NoError(t, err)
	assert.Equal(t, Purchase{}, d)
}

func TestParse(t *testing.T) {
	bt, err := ParseBillType("purchase")
	assert.NoError(t, err)
	assert.Equal(t, BillTypePurchase, bt)
	_, err = ParseBillType("Purchase Bills")
	assert.ErrorIs(t, err, ErrUnknownBillType)

	st, err := ParseStatus("Rejected")
	assert.NoError(t, err)
	assert.Equal(t, StatusRejected, st)
	_, err = ParseStatus("rejected")
	assert.ErrorIs(t, err, ErrUnknownStatus)

	assert.Equal(t, "Purchase Bills", BillTypePurchase.Label())
}

func TestStatusPredicates(t *testing.T) {
	assert.False(t, StatusPending.IsFinal())
	assert.True(t, StatusApproved.IsFinal())
	assert.True(t, StatusRejected.IsFinal())
	assert.False(t, StatusPending.IsDecision())
	assert.False(t, Status("Escalated").IsDecision())
}

func TestFilterMatch(t *testing.T) {
	b := Bill{Type: BillTypePurchase, Status: StatusPending}

	assert.True(t, Filter{}.Match(b))
	assert.True(t, ByType(BillTypePurchase).Match(b))
	assert.False(t, ByType(BillTypeAdvanceRequest).Match(b))
	assert.True(t, ByStatus(StatusPending).Match(b))
	assert.False(t, ByStatus(StatusApproved).Match(b))

	bt, st := BillTypePurchase, StatusRejected
	assert.False(t, Filter{Type: &bt, Status: &st}.Match(b))
}

func TestPatchApply(t *testing.T) {
	b := Bill{Type: BillTypePurchase, Remarks: "old", Details: Purchase{PONumber: "PO-1"}}

	remarks := "new"
	attachments := []Attachment{{Name: "grn.pdf"}}
	err := Patch{Remarks: &remarks, Attachments: &attachments, Details: Purchase{PONumber: "PO-2"}}.Apply(&b)
	require.NoError(t, err)
	assert.Equal(t, "new", b.Remarks)
	assert.Equal(t, attachments, b.Attachments)
	assert.Equal(t, "PO-2", b.DisplayReference())

	err = Patch{Details: AdvanceRequest{}}.Apply(&b)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, "PO-2", b.DisplayReference())
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	b := Bill{Approvals: []ApprovalRecord{{Stage: 0}}, Attachments: []Attachment{{Name: "a"}}}
	c := b.Clone()
	c.Approvals[0].ApproverName = "changed"
	c.Attachments[0].Name = "changed"
	assert.Empty(t, b.Approvals[0].ApproverName)
	assert.Equal(t, "a", b.Attachments[0].Name)
}

func TestStages(t *testing.T) {
	assert.NoError(t, DefaultStages.Validate())
	assert.Equal(t, 6, DefaultStages.Last())
	assert.Equal(t, "Finance Review", DefaultStages.Label(3))
	assert.Empty(t, DefaultStages.Label(7))
	assert.Empty(t, DefaultStages.Label(-1))
	assert.True(t, DefaultStages.Has(0))
	assert.False(t, DefaultStages.Has(7))

	assert.ErrorIs(t, Stages{}.Validate(), ErrInvalidStages)
	assert.ErrorIs(t, Stages{"A", " "}.Validate(), ErrInvalidStages)

	s := Stages{"A"}
	c := s.Clone()
	c[0] = "B"
	assert.Equal(t, "A", s[0])
	assert.Equal(t, 0, s.Last())
}
