package invoicing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/invoicing/internal/platform/db"
	"github.com/odyssey-erp/invoicing/internal/shared"
)

// ErrDuplicateInvoiceNumber occurs when another writer claimed the number first.
var ErrDuplicateInvoiceNumber = errors.New("invoicing: invoice number already issued")

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var (
	_ Repository   = (*PGRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxRepository struct {
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction. Each statement sees
// rows committed before it, so reads issued after LockPurchaseOrder observe
// every invoice written by the previous lock holder.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const (
	selectPO = `SELECT id, number, COALESCE(supplier_id, 0), tax_rate, status, created_at FROM purchase_orders WHERE id=$1`
	selectPOItems = `SELECT id, description, ordered_qty, unit_price, net_weight
FROM purchase_order_items WHERE po_id=$1 ORDER BY line_no, id`
	selectInvoiceCols = `SELECT id, number, po_id, status, subtotal, tax_amount, total_amount, invoice_date, due_at,
COALESCE(note, ''), created_by, created_at, voided_at, voided_by, void_reason FROM po_invoices`
)

// LoadPurchaseOrder returns the PO and its lines.
func (r *PGRepository) LoadPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, r.pool, selectPO, poID)
}

// ListInvoices returns all invoices of a PO including voided ones.
func (r *PGRepository) ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error) {
	return listInvoices(ctx, r.pool, selectInvoiceCols+` WHERE po_id=$1 ORDER BY id`, poID)
}

// ListAllInvoiceNumbers returns every invoice number ever issued.
func (r *PGRepository) ListAllInvoiceNumbers(ctx context.Context) ([]string, error) {
	return listInvoiceNumbers(ctx, r.pool)
}

// GetInvoice returns an invoice with its lines.
func (r *PGRepository) GetInvoice(ctx context.Context, id int64) (POInvoice, error) {
	return getInvoice(ctx, r.pool, id)
}

// ListInvoicesDue returns invoices in status due strictly before the cutoff.
func (r *PGRepository) ListInvoicesDue(ctx context.Context, status InvoiceStatus, before time.Time) ([]POInvoice, error) {
	return listInvoices(ctx, r.pool, selectInvoiceCols+` WHERE status=$1 AND due_at < $2 ORDER BY due_at, id`, string(status), before)
}

// ListInvoicedPurchaseOrderIDs returns the POs that have at least one invoice.
func (r *PGRepository) ListInvoicedPurchaseOrderIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT po_id FROM po_invoices ORDER BY po_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Transactional operations.

func (t *pgTxRepository) LockPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, t.tx, selectPO+` FOR UPDATE`, poID)
}

func (t *pgTxRepository) ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error) {
	return listInvoices(ctx, t.tx, selectInvoiceCols+` WHERE po_id=$1 ORDER BY id`, poID)
}

func (t *pgTxRepository) ListAllInvoiceNumbers(ctx context.Context) ([]string, error) {
	return listInvoiceNumbers(ctx, t.tx)
}

func (t *pgTxRepository) GetInvoice(ctx context.Context, id int64) (POInvoice, error) {
	return getInvoice(ctx, t.tx, id)
}

func (t *pgTxRepository) SaveInvoice(ctx context.Context, inv POInvoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO po_invoices (number, po_id, status, subtotal, tax_amount, total_amount, invoice_date, due_at, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		inv.Number, inv.POID, string(inv.Status), inv.Subtotal, inv.TaxAmount, inv.TotalAmount,
		inv.InvoiceDate, inv.DueAt, inv.Note, inv.CreatedBy, inv.CreatedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateInvoiceNumber
		}
		return 0, err
	}
	for _, line := range inv.Items {
		_, err := t.tx.Exec(ctx, `INSERT INTO po_invoice_items (invoice_id, po_item_id, description, invoiced_qty, unit_price, net_weight, amount)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, id, line.POItemID, line.Description, line.InvoicedQuantity, line.UnitPrice, line.NetWeight, line.Amount)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.WriteAudit(ctx, t.tx, log)
}

func (t *pgTxRepository) MarkInvoiceVoided(ctx context.Context, id int64, voidedBy int64, reason string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE po_invoices SET status=$2, voided_at=$3, voided_by=$4, void_reason=$5
WHERE id=$1 AND status <> $2`, id, string(InvoiceStatusVoided), at, voidedBy, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE po_invoices SET status=$2 WHERE id=$1 AND status <> 'VOIDED'`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, tax_rate, status, created_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5) RETURNING id`, po.Number, po.SupplierID, po.TaxRate, string(po.Status), po.CreatedAt).Scan(&po.ID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	items, err := t.insertItems(ctx, po.ID, po.Items)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items = items
	return po, nil
}

func (t *pgTxRepository) UpdatePurchaseOrderStatus(ctx context.Context, poID int64, status POStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2 WHERE id=$1`, poID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseOrderNotFound
	}
	return nil
}

func (t *pgTxRepository) ReplacePurchaseOrderItems(ctx context.Context, poID int64, items []PurchaseOrderItem) ([]PurchaseOrderItem, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM purchase_order_items WHERE po_id=$1`, poID); err != nil {
		return nil, err
	}
	return t.insertItems(ctx, poID, items)
}

func (t *pgTxRepository) insertItems(ctx context.Context, poID int64, items []PurchaseOrderItem) ([]PurchaseOrderItem, error) {
	out := make([]PurchaseOrderItem, 0, len(items))
	for i, item := range items {
		err := t.tx.QueryRow(ctx, `INSERT INTO purchase_order_items (po_id, line_no, description, ordered_qty, unit_price, net_weight)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, poID, i+1, item.Description, item.OrderedQuantity, item.UnitPrice, item.NetWeight).Scan(&item.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Shared query helpers.

func loadPurchaseOrder(ctx context.Context, q dbtx, query string, poID int64) (PurchaseOrder, error) {
	var po PurchaseOrder
	var status string
	err := q.QueryRow(ctx, query, poID).Scan(&po.ID, &po.Number, &po.SupplierID, &po.TaxRate, &status, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrPurchaseOrderNotFound
		}
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)

	rows, err := q.Query(ctx, selectPOItems, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.Description, &item.OrderedQuantity, &item.UnitPrice, &item.NetWeight); err != nil {
			return PurchaseOrder{}, err
		}
		po.Items = append(po.Items, item)
	}
	if err := rows.Err(); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func getInvoice(ctx context.Context, q dbtx, id int64) (POInvoice, error) {
	invoices, err := listInvoices(ctx, q, selectInvoiceCols+` WHERE id=$1`, id)
	if err != nil {
		return POInvoice{}, err
	}
	if len(invoices) == 0 {
		return POInvoice{}, ErrInvoiceNotFound
	}
	return invoices[0], nil
}

func listInvoices(ctx context.Context, q dbtx, query string, args ...any) ([]POInvoice, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var invoices []POInvoice
	index := make(map[int64]int)
	var ids []int64
	for rows.Next() {
		var inv POInvoice
		var status string
		var voidedAt pgtype.Timestamptz
		var voidedBy pgtype.Int8
		var voidReason pgtype.Text
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.POID, &status, &inv.Subtotal, &inv.TaxAmount, &inv.TotalAmount,
			&inv.InvoiceDate, &inv.DueAt, &inv.Note, &inv.CreatedBy, &inv.CreatedAt, &voidedAt, &voidedBy, &voidReason); err != nil {
			rows.Close()
			return nil, err
		}
		inv.Status = InvoiceStatus(status)
		if voidedAt.Valid {
			at := voidedAt.Time
			inv.VoidedAt = &at
		}
		if voidedBy.Valid {
			by := voidedBy.Int64
			inv.VoidedBy = &by
		}
		if voidReason.Valid {
			reason := voidReason.String
			inv.VoidReason = &reason
		}
		index[inv.ID] = len(invoices)
		ids = append(ids, inv.ID)
		invoices = append(invoices, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return invoices, nil
	}

	lineRows, err := q.Query(ctx, `SELECT invoice_id, po_item_id, description, invoiced_qty, unit_price, net_weight, amount
FROM po_invoice_items WHERE invoice_id = ANY($1) ORDER BY invoice_id, id`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var invoiceID int64
		var line POInvoiceItem
		if err := lineRows.Scan(&invoiceID, &line.POItemID, &line.Description, &line.InvoicedQuantity, &line.UnitPrice, &line.NetWeight, &line.Amount); err != nil {
			return nil, err
		}
		if i, ok := index[invoiceID]; ok {
			invoices[i].Items = append(invoices[i].Items, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func listInvoiceNumbers(ctx context.Context, q dbtx) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT number FROM po_invoices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var number pgtype.Text
		if err := rows.Scan(&number); err != nil {
			return nil, err
		}
		if !number.Valid {
			continue
		}
		numbers = append(numbers, number.String)
	}
	return numbers, rows.Err()
}
