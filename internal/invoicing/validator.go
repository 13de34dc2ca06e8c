package invoicing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// QuantityScale is the number of fractional digits kept for quantities, unit
// prices, weights and tax rates.
const QuantityScale = 4

// CheckScale rejects d when it carries more fractional digits than are stored.
func CheckScale(field string, d decimal.Decimal) error {
	if !d.Truncate(QuantityScale).Equal(d) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", ErrValidation, field, d.String(), QuantityScale)
	}
	return nil
}

// Draft is a validated invoice that has not been numbered or persisted yet.
type Draft struct {
	POID      int64
	Items     []POInvoiceItem
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// Validate checks a proposed invoice against a remaining-quantity snapshot.
// It never mutates anything and is safe for concurrent use. po is nil when the
// PO could not be found.
//
// Lines with a zero quantity are treated as not invoiced; repeated item ids are
// summed before the remaining check.
func Validate(po *PurchaseOrder, remaining map[int64]decimal.Decimal, req InvoiceRequest) (Draft, error) {
	if po == nil {
		return Draft{}, &ValidationError{Reason: ReasonPONotInvoiceable, POID: req.POID}
	}
	if !po.Status.Invoiceable() {
		return Draft{}, &ValidationError{Reason: ReasonPONotInvoiceable, POID: po.ID, Status: po.Status}
	}

	positive := false
	for _, alloc := range req.Allocations {
		if alloc.Quantity.IsPositive() {
			positive = true
			break
		}
	}
	if !positive {
		return Draft{}, &ValidationError{Reason: ReasonEmptyInvoiceRequest, POID: po.ID}
	}

	requested := make(map[int64]decimal.Decimal, len(req.Allocations))
	for _, alloc := range req.Allocations {
		if _, ok := po.Item(alloc.POItemID); !ok {
			return Draft{}, &ValidationError{Reason: ReasonUnknownLineItem, POID: po.ID, POItemID: alloc.POItemID}
		}
		if alloc.Quantity.IsNegative() {
			return Draft{}, &ValidationError{Reason: ReasonNonPositiveQuantity, POID: po.ID, POItemID: alloc.POItemID, Requested: alloc.Quantity}
		}
		if alloc.Quantity.IsZero() {
			continue
		}
		sum, ok := requested[alloc.POItemID]
		if !ok {
			sum = decimal.Zero
		}
		sum = sum.Add(alloc.Quantity)
		available, ok := remaining[alloc.POItemID]
		if !ok {
			available = decimal.Zero
		}
		if sum.GreaterThan(available) {
			return Draft{}, &ValidationError{
				Reason:    ReasonQuantityExceedsRemaining,
				POID:      po.ID,
				POItemID:  alloc.POItemID,
				Requested: sum,
				Available: available,
			}
		}
		requested[alloc.POItemID] = sum
	}

	draft := Draft{POID: po.ID, Subtotal: decimal.Zero}
	for _, item := range po.Items {
		qty, ok := requested[item.ID]
		if !ok {
			continue
		}
		amount := qty.Mul(item.UnitPrice)
		draft.Items = append(draft.Items, POInvoiceItem{
			POItemID:         item.ID,
			Description:      item.Description,
			InvoicedQuantity: qty,
			UnitPrice:        item.UnitPrice,
			NetWeight:        lineNetWeight(item, qty),
			Amount:           amount,
		})
		draft.Subtotal = draft.Subtotal.Add(amount)
	}
	draft.TaxAmount = taxOn(draft.Subtotal, po.TaxRate)
	draft.Total = draft.Subtotal.Add(draft.TaxAmount)

	if expected := req.Metadata.ExpectedTotal; expected != nil && !expected.Equal(draft.Total) {
		return Draft{}, &ValidationError{
			Reason:   ReasonAmountMismatch,
			POID:     po.ID,
			Expected: *expected,
			Computed: draft.Total,
		}
	}
	return draft, nil
}

// taxOn applies a percentage tax rate. Division by 100 is exact in decimal.
func taxOn(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(rate).Div(hundred)
}

// lineNetWeight scales the PO line weight to the invoiced share of the line.
func lineNetWeight(item PurchaseOrderItem, qty decimal.Decimal) decimal.Decimal {
	if item.OrderedQuantity.IsZero() || item.NetWeight.IsZero() {
		return decimal.Zero
	}
	if qty.Equal(item.OrderedQuantity) {
		return item.NetWeight
	}
	return item.NetWeight.Mul(qty).Div(item.OrderedQuantity)
}
