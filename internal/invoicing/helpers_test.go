package invoicing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(t testing.TB, s string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(s)
}

func samplePO(status POStatus, taxRate string) PurchaseOrder {
	return PurchaseOrder{
		ID:        7,
		Number:    "PO-2025-014",
		TaxRate:   decimal.RequireFromString(taxRate),
		Status:    status,
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Items: []PurchaseOrderItem{
			{ID: 11, Description: "Copper wire", OrderedQuantity: decimal.NewFromInt(100), UnitPrice: decimal.NewFromInt(10), NetWeight: decimal.NewFromInt(50)},
			{ID: 12, Description: "Steel bolts", OrderedQuantity: decimal.RequireFromString("2.5"), UnitPrice: decimal.RequireFromString("4.20")},
		},
	}
}

func invoiceOf(id int64, number string, status InvoiceStatus, lines map[int64]string) POInvoice {
	inv := POInvoice{ID: id, Number: number, POID: 7, Status: status}
	for itemID, qty := range lines {
		inv.Items = append(inv.Items, POInvoiceItem{POItemID: itemID, InvoicedQuantity: decimal.RequireFromString(qty)})
	}
	return inv
}
