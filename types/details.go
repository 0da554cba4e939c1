package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Details is the type specific payload of a bill. The set of implementations
// is closed: only the four variants in this package satisfy it.
type Details interface {
	Kind() BillType
	DisplayAmount() float64
	DisplayReference() string
	Counterparty() string
	sealed()
}

// DepartmentOverhead is a recurring departmental expense.
type DepartmentOverhead struct {
	BillNumber  string    `json:"bill_number"`
	BillDate    time.Time `json:"bill_date"`
	VendorName  string    `json:"vendor_name"`
	Department  string    `json:"department"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	DueDate     time.Time `json:"due_date"`
}

func (DepartmentOverhead) Kind() BillType             { return BillTypeDepartmentOverhead }
func (d DepartmentOverhead) DisplayAmount() float64   { return d.Amount }
func (d DepartmentOverhead) DisplayReference() string { return d.BillNumber }
func (d DepartmentOverhead) Counterparty() string     { return d.VendorName }
func (DepartmentOverhead) sealed()                    {}

// ConstructionContract is a running bill raised by a contractor against a
// work order.
type ConstructionContract struct {
	ProjectID             string    `json:"project_id"`
	ProjectName           string    `json:"project_name"`
	ContractorName        string    `json:"contractor_name"`
	WorkOrderNumber       string    `json:"work_order_number"`
	SiteLocation          string    `json:"site_location"`
	BillNumber            string    `json:"bill_number"`
	BillDate              time.Time `json:"bill_date"`
	InvoiceAmount         float64   `json:"invoice_amount"`
	TaxAmount             float64   `json:"tax_amount"`
	PaymentTerms          string    `json:"payment_terms"`
	MeasurementBookNumber string    `json:"measurement_book_number"`
	CertifiedAmount       float64   `json:"certified_amount"`
	RetentionAmount       float64   `json:"retention_amount"`
}

func (ConstructionContract) Kind() BillType             { return BillTypeConstructionContract }
func (c ConstructionContract) DisplayAmount() float64   { return c.InvoiceAmount }
func (c ConstructionContract) DisplayReference() string { return c.BillNumber }
func (c ConstructionContract) Counterparty() string     { return c.ContractorName }
func (ConstructionContract) sealed()                    {}

// Purchase is a vendor invoice matched against a purchase order and goods
// receipt note.
type Purchase struct {
	PONumber         string    `json:"po_number"`
	PODate           time.Time `json:"po_date"`
	VendorName       string    `json:"vendor_name"`
	ItemDescription  string    `json:"item_description"`
	Quantity         int       `json:"quantity"`
	UnitPrice        float64   `json:"unit_price"`
	InvoiceNumber    string    `json:"invoice_number"`
	InvoiceDate      time.Time `json:"invoice_date"`
	TotalAmount      float64   `json:"total_amount"`
	TaxDetails       string    `json:"tax_details"`
	PaymentTerms     string    `json:"payment_terms"`
	GRNNumber        string    `json:"grn_number"`
	GRNDate          time.Time `json:"grn_date"`
	QuantityReceived int       `json:"quantity_received"`
}

func (Purchase) Kind() BillType { return BillTypePurchase }

// DisplayAmount falls back to quantity times unit price when no total was
// entered.
func (p Purchase) DisplayAmount() float64 {
	if p.TotalAmount != 0 {
		return p.TotalAmount
	}
	return float64(p.Quantity) * p.UnitPrice
}

func (p Purchase) DisplayReference() string { return p.PONumber }
func (p Purchase) Counterparty() string     { return p.VendorName }
func (Purchase) sealed()                    {}

// AdvanceRequest asks for payment ahead of delivery.
type AdvanceRequest struct {
	VendorName      string    `json:"vendor_name"`
	VendorID        string    `json:"vendor_id"`
	ContactNumber   string    `json:"contact_number"`
	BankDetails     string    `json:"bank_details"`
	RequestDate     time.Time `json:"request_date"`
	Purpose         string    `json:"purpose"`
	AmountRequested float64   `json:"amount_requested"`
	PaymentMethod   string    `json:"payment_method"`
	Justification   string    `json:"justification"`
}

func (AdvanceRequest) Kind() BillType           { return BillTypeAdvanceRequest }
func (a AdvanceRequest) DisplayAmount() float64 { return a.AmountRequested }
func (AdvanceRequest) DisplayReference() string { return "" }
func (a AdvanceRequest) Counterparty() string   { return a.VendorName }
func (AdvanceRequest) sealed()                  {}

// DecodeDetails decodes a raw payload for the given bill type.
func DecodeDetails(t BillType, raw json.RawMessage) (Details, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch t {
	case BillTypeDepartmentOverhead:
		return decodeAs[DepartmentOverhead](raw)
	case BillTypeConstructionContract:
		return decodeAs[ConstructionContract](raw)
	case BillTypePurchase:
		return decodeAs[Purchase](raw)
	case BillTypeAdvanceRequest:
		return decodeAs[AdvanceRequest](raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBillType, t)
}

func decodeAs[T Details](raw json.RawMessage) (Details, error) {
	var d T
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode %s details: %w", d.Kind(), err)
	}
	return d, nil
}

// billAlias drops the methods of Bill so the codec below does not recurse.
type billAlias Bill

// UnmarshalJSON decodes the details payload according to the type tag.
func (b *Bill) UnmarshalJSON(data []byte) error {
	var aux struct {
		billAlias
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	details, err := DecodeDetails(aux.Type, aux.Details)
	if err != nil {
		return err
	}
	*b = Bill(aux.billAlias)
	b.Details = details
	return nil
}
