package invoicing

import (
	"github.com/shopspring/decimal"
)

// POTotal is the ordered value of the PO including tax.
func POTotal(po PurchaseOrder) decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range po.Items {
		subtotal = subtotal.Add(item.Amount())
	}
	return subtotal.Add(taxOn(subtotal, po.TaxRate))
}

// Summarize derives the PO summary from its invoices. Voided invoices are
// ignored. The result depends only on the arguments.
func Summarize(po PurchaseOrder, invoices []POInvoice) Summary {
	summary := Summary{
		POID:                po.ID,
		PONumber:            po.Number,
		POTotal:             POTotal(po),
		TotalInvoiced:       decimal.Zero,
		InvoicingPercentage: decimal.Zero,
	}
	for _, inv := range invoices {
		if inv.Voided() {
			continue
		}
		summary.TotalInvoiced = summary.TotalInvoiced.Add(inv.TotalAmount)
		summary.InvoiceCount++
	}

	summary.RemainingAmount = decimal.Max(decimal.Zero, summary.POTotal.Sub(summary.TotalInvoiced))
	if summary.POTotal.IsPositive() {
		pct := summary.TotalInvoiced.Div(summary.POTotal).Mul(hundred)
		summary.InvoicingPercentage = decimal.Min(hundred, decimal.Max(decimal.Zero, pct))
	}

	switch {
	case summary.TotalInvoiced.IsZero():
		summary.Status = SummaryNotInvoiced
	case !summary.RemainingAmount.IsPositive():
		summary.Status = SummaryFullyInvoiced
	default:
		summary.Status = SummaryPartiallyInvoiced
	}
	return summary
}
