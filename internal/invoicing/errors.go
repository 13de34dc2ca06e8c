package invoicing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPurchaseOrderNotFound indicates the PO does not exist.
	ErrPurchaseOrderNotFound = errors.New("invoicing: purchase order not found")
	// ErrInvoiceNotFound indicates the invoice does not exist.
	ErrInvoiceNotFound = errors.New("invoicing: invoice not found")
	// ErrInvalidTransition occurs when a status change violates the workflow.
	ErrInvalidTransition = errors.New("invoicing: invalid status transition")
	// ErrPurchaseOrderLocked occurs when PO lines change after invoicing started.
	ErrPurchaseOrderLocked = errors.New("invoicing: purchase order lines are locked by issued invoices")
	// ErrValidation indicates malformed input outside the invoicing rules.
	ErrValidation = errors.New("invoicing: invalid input")
	// ErrLedgerConsistency is wrapped by every LedgerConsistencyError.
	ErrLedgerConsistency = errors.New("invoicing: ledger consistency violated")
)

// Reason identifies why a proposed invoice was rejected.
type Reason string

const (
	ReasonPONotInvoiceable         Reason = "PO_NOT_INVOICEABLE"
	ReasonEmptyInvoiceRequest      Reason = "EMPTY_INVOICE_REQUEST"
	ReasonUnknownLineItem          Reason = "UNKNOWN_LINE_ITEM"
	ReasonNonPositiveQuantity      Reason = "NON_POSITIVE_QUANTITY"
	ReasonQuantityExceedsRemaining Reason = "QUANTITY_EXCEEDS_REMAINING"
	ReasonAmountMismatch           Reason = "AMOUNT_MISMATCH"
)

// Sentinels matched by errors.Is against a *ValidationError of the same reason.
var (
	ErrPONotInvoiceable         = errors.New("invoicing: purchase order not invoiceable")
	ErrEmptyInvoiceRequest      = errors.New("invoicing: empty invoice request")
	ErrUnknownLineItem          = errors.New("invoicing: unknown line item")
	ErrNonPositiveQuantity      = errors.New("invoicing: non-positive quantity")
	ErrQuantityExceedsRemaining = errors.New("invoicing: quantity exceeds remaining")
	ErrAmountMismatch           = errors.New("invoicing: amount mismatch")
)

var reasonSentinels = map[Reason]error{
	ReasonPONotInvoiceable:         ErrPONotInvoiceable,
	ReasonEmptyInvoiceRequest:      ErrEmptyInvoiceRequest,
	ReasonUnknownLineItem:          ErrUnknownLineItem,
	ReasonNonPositiveQuantity:      ErrNonPositiveQuantity,
	ReasonQuantityExceedsRemaining: ErrQuantityExceedsRemaining,
	ReasonAmountMismatch:           ErrAmountMismatch,
}

// ValidationError is a rejected invoice request. It is a normal outcome, not a fault.
type ValidationError struct {
	Reason    Reason
	POID      int64
	POItemID  int64
	Status    POStatus
	Requested decimal.Decimal
	Available decimal.Decimal
	Expected  decimal.Decimal
	Computed  decimal.Decimal
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonPONotInvoiceable:
		if e.Status == "" {
			return fmt.Sprintf("purchase order %d not found", e.POID)
		}
		return fmt.Sprintf("purchase order %d cannot be invoiced while %s", e.POID, e.Status)
	case ReasonEmptyInvoiceRequest:
		return fmt.Sprintf("invoice for purchase order %d has no positive quantities", e.POID)
	case ReasonUnknownLineItem:
		return fmt.Sprintf("line item %d does not belong to purchase order %d", e.POItemID, e.POID)
	case ReasonNonPositiveQuantity:
		return fmt.Sprintf("line item %d: quantity %s must be greater than zero", e.POItemID, e.Requested.String())
	case ReasonQuantityExceedsRemaining:
		return fmt.Sprintf("line item %d: requested %s exceeds remaining %s", e.POItemID, e.Requested.String(), e.Available.String())
	case ReasonAmountMismatch:
		return fmt.Sprintf("invoice total %s does not match computed total %s", e.Expected.String(), e.Computed.String())
	}
	return fmt.Sprintf("invoice rejected: %s", e.Reason)
}

// Unwrap returns the sentinel for the rejection reason.
func (e *ValidationError) Unwrap() error {
	return reasonSentinels[e.Reason]
}

// LedgerConsistencyError means a line would be invoiced beyond its ordered
// quantity although validation passed. It points at a serialization defect.
type LedgerConsistencyError struct {
	POID     int64
	POItemID int64
	Ordered  decimal.Decimal
	Invoiced decimal.Decimal
	Detail   string
}

func (e *LedgerConsistencyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ledger consistency violated on purchase order %d item %d: %s", e.POID, e.POItemID, e.Detail)
	}
	return fmt.Sprintf("ledger consistency violated on purchase order %d item %d: invoiced %s of ordered %s",
		e.POID, e.POItemID, e.Invoiced.String(), e.Ordered.String())
}

func (e *LedgerConsistencyError) Unwrap() error {
	return ErrLedgerConsistency
}
