package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

// POStatus enumerates purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusPending   POStatus = "PENDING"
	POStatusApproved  POStatus = "APPROVED"
	POStatusInTransit POStatus = "IN_TRANSIT"
	POStatusDelivered POStatus = "DELIVERED"
	POStatusCancelled POStatus = "CANCELLED"
)

// Valid reports whether the status is a known PO status.
func (s POStatus) Valid() bool {
	switch s {
	case POStatusDraft, POStatusPending, POStatusApproved, POStatusInTransit, POStatusDelivered, POStatusCancelled:
		return true
	}
	return false
}

// Invoiceable reports whether invoices may be drawn against a PO in this status.
func (s POStatus) Invoiceable() bool {
	return s != POStatusDraft && s != POStatusPending
}

// InvoiceStatus enumerates PO invoice statuses.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "DRAFT"
	InvoiceStatusSent    InvoiceStatus = "SENT"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusOverdue InvoiceStatus = "OVERDUE"
	InvoiceStatusVoided  InvoiceStatus = "VOIDED"
)

// Valid reports whether the status is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusVoided:
		return true
	}
	return false
}

// CanTransitionTo reports whether an externally driven status change is allowed.
// Voiding goes through Service.VoidInvoice and is not a plain transition.
func (s InvoiceStatus) CanTransitionTo(target InvoiceStatus) bool {
	switch s {
	case InvoiceStatusDraft:
		return target == InvoiceStatusSent
	case InvoiceStatusSent:
		return target == InvoiceStatusPaid || target == InvoiceStatusOverdue
	case InvoiceStatusOverdue:
		return target == InvoiceStatusPaid
	}
	return false
}

// SummaryStatus describes how far a PO has been invoiced.
type SummaryStatus string

const (
	SummaryNotInvoiced       SummaryStatus = "NOT_INVOICED"
	SummaryPartiallyInvoiced SummaryStatus = "PARTIALLY_INVOICED"
	SummaryFullyInvoiced     SummaryStatus = "FULLY_INVOICED"
)

// PurchaseOrder is the invoicing view of a PO. Items keep line order.
type PurchaseOrder struct {
	ID         int64               `json:"id"`
	Number     string              `json:"number"`
	SupplierID int64               `json:"supplier_id"`
	TaxRate    decimal.Decimal     `json:"tax_rate"`
	Status     POStatus            `json:"status"`
	Items      []PurchaseOrderItem `json:"items"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Item returns the line with the given id.
func (po PurchaseOrder) Item(id int64) (PurchaseOrderItem, bool) {
	for _, item := range po.Items {
		if item.ID == id {
			return item, true
		}
	}
	return PurchaseOrderItem{}, false
}

// PurchaseOrderItem is one PO line.
type PurchaseOrderItem struct {
	ID              int64           `json:"id"`
	Description     string          `json:"description"`
	OrderedQuantity decimal.Decimal `json:"ordered_quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	NetWeight       decimal.Decimal `json:"net_weight"`
}

// Amount is the ordered value of the line before tax.
func (i PurchaseOrderItem) Amount() decimal.Decimal {
	return i.OrderedQuantity.Mul(i.UnitPrice)
}

// POInvoice is an invoice drawn against a single PO.
type POInvoice struct {
	ID          int64           `json:"id"`
	Number      string          `json:"number"`
	POID        int64           `json:"po_id"`
	Status      InvoiceStatus   `json:"status"`
	Items       []POInvoiceItem `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	InvoiceDate time.Time       `json:"invoice_date"`
	DueAt       time.Time       `json:"due_at"`
	Note        string          `json:"note,omitempty"`
	CreatedBy   int64           `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	VoidedAt    *time.Time      `json:"voided_at,omitempty"`
	VoidedBy    *int64          `json:"voided_by,omitempty"`
	VoidReason  *string         `json:"void_reason,omitempty"`
}

// Voided reports whether the invoice has been logically deleted.
func (inv POInvoice) Voided() bool {
	return inv.Status == InvoiceStatusVoided
}

// POInvoiceItem is the quantity of one PO line covered by an invoice.
// UnitPrice is copied from the PO line when the invoice is created.
type POInvoiceItem struct {
	POItemID         int64           `json:"po_item_id"`
	Description      string          `json:"description"`
	InvoicedQuantity decimal.Decimal `json:"invoiced_quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	NetWeight        decimal.Decimal `json:"net_weight"`
	Amount           decimal.Decimal `json:"amount"`
}

// ItemBalance is the ledger view of one PO line.
type ItemBalance struct {
	POItemID          int64           `json:"po_item_id"`
	Description       string          `json:"description"`
	OrderedQuantity   decimal.Decimal `json:"ordered_quantity"`
	InvoicedQuantity  decimal.Decimal `json:"invoiced_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

// Summary is the derived invoicing state of a PO. It is never stored.
type Summary struct {
	POID                int64           `json:"po_id"`
	PONumber            string          `json:"po_number"`
	POTotal             decimal.Decimal `json:"po_total"`
	TotalInvoiced       decimal.Decimal `json:"total_invoiced"`
	RemainingAmount     decimal.Decimal `json:"remaining_amount"`
	InvoiceCount        int             `json:"invoice_count"`
	InvoicingPercentage decimal.Decimal `json:"invoicing_percentage"`
	Status              SummaryStatus   `json:"status"`
}

// --- Input DTOs ---

// Allocation requests a quantity of one PO line on a new invoice.
type Allocation struct {
	POItemID int64
	Quantity decimal.Decimal
}

// InvoiceMetadata carries caller-supplied invoice attributes.
type InvoiceMetadata struct {
	InvoiceDate time.Time
	DueDate     time.Time
	Note        string
	CreatedBy   int64
	// ExpectedTotal is the total the caller computed, if any. A mismatch with
	// the server-side total rejects the request.
	ExpectedTotal *decimal.Decimal
}

// InvoiceRequest is a proposed invoice against a PO.
type InvoiceRequest struct {
	POID        int64
	Allocations []Allocation
	Metadata    InvoiceMetadata
}

// CreateInvoiceInput is the payload for Service.CreateInvoice.
type CreateInvoiceInput struct {
	POID           int64
	Allocations    []Allocation
	Metadata       InvoiceMetadata
	IdempotencyKey string
}

// CreateInvoiceResult bundles the persisted invoice with the refreshed views.
type CreateInvoiceResult struct {
	Invoice  POInvoice     `json:"invoice"`
	Summary  Summary       `json:"summary"`
	Balances []ItemBalance `json:"balances"`
}

// VoidInvoiceInput identifies an invoice to void and records who and why.
type VoidInvoiceInput struct {
	InvoiceID int64
	VoidedBy  int64
	Reason    string
}

// CreatePurchaseOrderInput creates a PO with its lines.
type CreatePurchaseOrderInput struct {
	Number     string
	SupplierID int64
	TaxRate    decimal.Decimal
	Status     POStatus
	Items      []PurchaseOrderItemInput
}

// PurchaseOrderItemInput describes a PO line.
type PurchaseOrderItemInput struct {
	Description     string
	OrderedQuantity decimal.Decimal
	UnitPrice       decimal.Decimal
	NetWeight       decimal.Decimal
}
