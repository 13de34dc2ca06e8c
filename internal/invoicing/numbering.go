package invoicing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const invoicePrefix = "PI"

var (
	digitGroups = regexp.MustCompile(`\d+`)
	yearGroup   = regexp.MustCompile(`^(19|20)\d{2}$`)
)

// BaseCode derives the invoice number shared by all invoices of a PO, e.g.
// PO-2025-014 becomes PI25-014. The year comes from a four digit group in the
// PO number, falling back to the PO creation date; the sequence is the last
// other digit group, falling back to the PO id.
func BaseCode(po PurchaseOrder) string {
	groups := digitGroups.FindAllString(po.Number, -1)
	year := ""
	seq := ""
	for _, g := range groups {
		if year == "" && yearGroup.MatchString(g) {
			year = g
			continue
		}
		seq = g
	}
	yearNum := po.CreatedAt.Year()
	if year != "" {
		yearNum, _ = strconv.Atoi(year)
	}
	if seq == "" {
		seq = fmt.Sprintf("%03d", po.ID)
	} else if len(seq) < 3 {
		n, _ := strconv.Atoi(seq)
		seq = fmt.Sprintf("%03d", n)
	}
	return fmt.Sprintf("%s%02d-%s", invoicePrefix, yearNum%100, seq)
}

// NextInvoiceNumber returns base when unused, otherwise base-N for the smallest
// N >= 1 not yet issued. poNumbers are the numbers issued for this PO and
// globalNumbers the numbers issued system-wide; both count as used. Blank
// entries are ignored.
func NextInvoiceNumber(base string, poNumbers, globalNumbers []string) string {
	used := make(map[string]struct{}, len(poNumbers)+len(globalNumbers))
	for _, set := range [][]string{poNumbers, globalNumbers} {
		for _, n := range set {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			used[n] = struct{}{}
		}
	}
	if _, taken := used[base]; !taken {
		return base
	}
	// At most len(used) candidates can be taken, so the loop always returns.
	for k := 1; k <= len(used)+1; k++ {
		candidate := base + "-" + strconv.Itoa(k)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
	return base + "-" + strconv.Itoa(len(used)+1)
}

func invoiceNumbers(invoices []POInvoice) []string {
	out := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, inv.Number)
	}
	return out
}
