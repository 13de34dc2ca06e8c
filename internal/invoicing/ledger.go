package invoicing

import (
	"github.com/shopspring/decimal"
)

// Balances derives ordered, invoiced and remaining quantity for every PO line
// from the invoice set. Voided invoices contribute nothing. The result follows
// PO line order.
func Balances(po PurchaseOrder, invoices []POInvoice) ([]ItemBalance, error) {
	invoiced := make(map[int64]decimal.Decimal, len(po.Items))
	for _, item := range po.Items {
		invoiced[item.ID] = decimal.Zero
	}
	for _, inv := range invoices {
		if inv.Voided() {
			continue
		}
		for _, line := range inv.Items {
			sum, ok := invoiced[line.POItemID]
			if !ok {
				return nil, &LedgerConsistencyError{
					POID:     po.ID,
					POItemID: line.POItemID,
					Detail:   "invoice " + inv.Number + " references a line that is not on the purchase order",
				}
			}
			invoiced[line.POItemID] = sum.Add(line.InvoicedQuantity)
		}
	}

	balances := make([]ItemBalance, 0, len(po.Items))
	for _, item := range po.Items {
		sum := invoiced[item.ID]
		remaining := item.OrderedQuantity.Sub(sum)
		if remaining.IsNegative() || sum.IsNegative() {
			return nil, &LedgerConsistencyError{
				POID:     po.ID,
				POItemID: item.ID,
				Ordered:  item.OrderedQuantity,
				Invoiced: sum,
			}
		}
		balances = append(balances, ItemBalance{
			POItemID:          item.ID,
			Description:       item.Description,
			OrderedQuantity:   item.OrderedQuantity,
			InvoicedQuantity:  sum,
			RemainingQuantity: remaining,
		})
	}
	return balances, nil
}

// RemainingQuantities maps each PO line id to its remaining quantity.
func RemainingQuantities(po PurchaseOrder, invoices []POInvoice) (map[int64]decimal.Decimal, error) {
	balances, err := Balances(po, invoices)
	if err != nil {
		return nil, err
	}
	return remainingByItem(balances), nil
}

func remainingByItem(balances []ItemBalance) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(balances))
	for _, b := range balances {
		out[b.POItemID] = b.RemainingQuantity
	}
	return out
}
