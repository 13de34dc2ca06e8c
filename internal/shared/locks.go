package shared

import "fmt"

// POInvoiceLockKey builds the redis key serialising invoice writes for one PO.
func POInvoiceLockKey(poID int64) string {
	return fmt.Sprintf("invoicing:po:%d:lock", poID)
}
