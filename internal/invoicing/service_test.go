package invoicing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/invoicing/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	pos      map[int64]PurchaseOrder
	invoices []POInvoice
	nextPO   int64
	nextItem int64
	nextInv  int64
	saveErr  error
	auditErr error
	txAudit  []shared.AuditLog
}

type memoryTx struct {
	repo *memoryRepo
	undo []func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{pos: make(map[int64]PurchaseOrder)}
}

func (r *memoryRepo) addPO(po PurchaseOrder) PurchaseOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPO++
	po.ID = r.nextPO
	items := make([]PurchaseOrderItem, len(po.Items))
	for i, item := range po.Items {
		r.nextItem++
		item.ID = r.nextItem
		items[i] = item
	}
	po.Items = items
	r.pos[po.ID] = po
	return po
}

func (r *memoryRepo) addInvoice(inv POInvoice) POInvoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextInv++
	inv.ID = r.nextInv
	r.invoices = append(r.invoices, inv)
	return inv
}

func (r *memoryRepo) invoiceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invoices)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r}
	if err := fn(ctx, tx); err != nil {
		r.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) LoadPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[poID]
	if !ok {
		return PurchaseOrder{}, ErrPurchaseOrderNotFound
	}
	po.Items = append([]PurchaseOrderItem(nil), po.Items...)
	return po, nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []POInvoice
	for _, inv := range r.invoices {
		if inv.POID == poID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListAllInvoiceNumbers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.invoices))
	for _, inv := range r.invoices {
		out = append(out, inv.Number)
	}
	return out, nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id int64) (POInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.ID == id {
			return inv, nil
		}
	}
	return POInvoice{}, ErrInvoiceNotFound
}

func (r *memoryRepo) ListInvoicesDue(ctx context.Context, status InvoiceStatus, before time.Time) ([]POInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []POInvoice
	for _, inv := range r.invoices {
		if inv.Status == status && inv.DueAt.Before(before) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListInvoicedPurchaseOrderIDs(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, inv := range r.invoices {
		if _, ok := seen[inv.POID]; ok {
			continue
		}
		seen[inv.POID] = struct{}{}
		ids = append(ids, inv.POID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memoryTx) LockPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return t.repo.LoadPurchaseOrder(ctx, poID)
}

func (t *memoryTx) ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error) {
	return t.repo.ListInvoices(ctx, poID)
}

func (t *memoryTx) ListAllInvoiceNumbers(ctx context.Context) ([]string, error) {
	return t.repo.ListAllInvoiceNumbers(ctx)
}

func (t *memoryTx) GetInvoice(ctx context.Context, id int64) (POInvoice, error) {
	return t.repo.GetInvoice(ctx, id)
}

func (t *memoryTx) SaveInvoice(ctx context.Context, inv POInvoice) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return 0, r.saveErr
	}
	for _, existing := range r.invoices {
		if existing.Number == inv.Number {
			return 0, ErrDuplicateInvoiceNumber
		}
	}
	r.nextInv++
	inv.ID = r.nextInv
	r.invoices = append(r.invoices, inv)
	id := inv.ID
	t.undo = append(t.undo, func() {
		for i, existing := range r.invoices {
			if existing.ID == id {
				r.invoices = append(r.invoices[:i], r.invoices[i+1:]...)
				return
			}
		}
	})
	return id, nil
}

func (t *memoryTx) updateInvoice(id int64, fn func(*POInvoice)) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.invoices {
		if r.invoices[i].ID == id {
			before := r.invoices[i]
			fn(&r.invoices[i])
			idx := i
			t.undo = append(t.undo, func() { r.invoices[idx] = before })
			return nil
		}
	}
	return ErrInvoiceNotFound
}

func (t *memoryTx) MarkInvoiceVoided(ctx context.Context, id int64, voidedBy int64, reason string, at time.Time) error {
	return t.updateInvoice(id, func(inv *POInvoice) {
		inv.Status = InvoiceStatusVoided
		inv.VoidedAt = &at
		inv.VoidedBy = &voidedBy
		inv.VoidReason = &reason
	})
}

func (t *memoryTx) AppendAudit(ctx context.Context, log shared.AuditLog) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.auditErr != nil {
		return r.auditErr
	}
	r.txAudit = append(r.txAudit, log)
	n := len(r.txAudit) - 1
	t.undo = append(t.undo, func() { r.txAudit = r.txAudit[:n] })
	return nil
}

func (r *memoryRepo) auditActions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.txAudit))
	for _, e := range r.txAudit {
		out = append(out, e.Action)
	}
	return out
}

func (t *memoryTx) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	return t.updateInvoice(id, func(inv *POInvoice) { inv.Status = status })
}

func (t *memoryTx) CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	r := t.repo
	r.mu.Lock()
	for _, existing := range r.pos {
		if existing.Number == po.Number {
			r.mu.Unlock()
			return PurchaseOrder{}, fmt.Errorf("duplicate purchase order number %s", po.Number)
		}
	}
	r.mu.Unlock()
	created := r.addPO(po)
	t.undo = append(t.undo, func() { delete(r.pos, created.ID) })
	return created, nil
}

func (t *memoryTx) UpdatePurchaseOrderStatus(ctx context.Context, poID int64, status POStatus) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[poID]
	if !ok {
		return ErrPurchaseOrderNotFound
	}
	before := po
	po.Status = status
	r.pos[poID] = po
	t.undo = append(t.undo, func() { r.pos[poID] = before })
	return nil
}

func (t *memoryTx) ReplacePurchaseOrderItems(ctx context.Context, poID int64, items []PurchaseOrderItem) ([]PurchaseOrderItem, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[poID]
	if !ok {
		return nil, ErrPurchaseOrderNotFound
	}
	before := po
	saved := make([]PurchaseOrderItem, len(items))
	for i, item := range items {
		r.nextItem++
		item.ID = r.nextItem
		saved[i] = item
	}
	po.Items = saved
	r.pos[poID] = po
	t.undo = append(t.undo, func() { r.pos[poID] = before })
	return saved, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	created  int
	voided   int
	ledger   int
	rejected map[string]int
}

func (m *countingMetrics) InvoiceCreated() { m.mu.Lock(); m.created++; m.mu.Unlock() }
func (m *countingMetrics) InvoiceVoided()  { m.mu.Lock(); m.voided++; m.mu.Unlock() }
func (m *countingMetrics) LedgerInconsistency() {
	m.mu.Lock()
	m.ledger++
	m.mu.Unlock()
}
func (m *countingMetrics) InvoiceRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected == nil {
		m.rejected = make(map[string]int)
	}
	m.rejected[reason]++
}

var testNow = time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)

type serviceFixture struct {
	repo    *memoryRepo
	audit   *memoryAudit
	idem    *memoryIdempotency
	metrics *countingMetrics
	svc     *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:    newMemoryRepo(),
		audit:   &memoryAudit{},
		idem:    &memoryIdempotency{},
		metrics: &countingMetrics{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.repo, NewLocalLocker(), f.audit, f.idem, logger, ServiceConfig{
		Clock: func() time.Time { return testNow },
	})
	f.svc.SetMetrics(f.metrics)
	return f
}

// singleItemPO is one line of 100 units at 10 with no tax.
func (f *serviceFixture) singleItemPO(t *testing.T) PurchaseOrder {
	t.Helper()
	return f.repo.addPO(PurchaseOrder{
		Number:    "PO-2025-014",
		TaxRate:   decimal.Zero,
		Status:    POStatusApproved,
		CreatedAt: testNow,
		Items: []PurchaseOrderItem{
			{Description: "Copper wire", OrderedQuantity: decimal.NewFromInt(100), UnitPrice: decimal.NewFromInt(10)},
		},
	})
}

func createFor(po PurchaseOrder, qty string) CreateInvoiceInput {
	return CreateInvoiceInput{
		POID:        po.ID,
		Allocations: []Allocation{{POItemID: po.Items[0].ID, Quantity: decimal.RequireFromString(qty)}},
		Metadata:    InvoiceMetadata{CreatedBy: 3},
	}
}

func remainingOf(t *testing.T, svc *Service, po PurchaseOrder) decimal.Decimal {
	t.Helper()
	remaining, err := svc.RemainingQuantities(context.Background(), po.ID)
	require.NoError(t, err)
	return remaining[po.Items[0].ID]
}

func TestPartialInvoicingScenario(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)

	a, err := f.svc.CreateInvoice(ctx, createFor(po, "60"))
	require.NoError(t, err)
	require.Equal(t, "PI25-014", a.Invoice.Number)
	require.Equal(t, InvoiceStatusDraft, a.Invoice.Status)
	require.True(t, a.Invoice.TotalAmount.Equal(dec(t, "600")))
	require.True(t, a.Balances[0].RemainingQuantity.Equal(dec(t, "40")))
	require.True(t, a.Summary.TotalInvoiced.Equal(dec(t, "600")))
	require.True(t, a.Summary.RemainingAmount.Equal(dec(t, "400")))
	require.Equal(t, SummaryPartiallyInvoiced, a.Summary.Status)

	_, err = f.svc.CreateInvoice(ctx, createFor(po, "50"))
	verr := requireReason(t, err, ReasonQuantityExceedsRemaining)
	require.True(t, verr.Requested.Equal(dec(t, "50")))
	require.True(t, verr.Available.Equal(dec(t, "40")))
	require.Equal(t, 1, f.repo.invoiceCount())

	b, err := f.svc.CreateInvoice(ctx, createFor(po, "40"))
	require.NoError(t, err)
	require.Equal(t, "PI25-014-1", b.Invoice.Number)
	require.True(t, b.Balances[0].RemainingQuantity.IsZero())
	require.Equal(t, SummaryFullyInvoiced, b.Summary.Status)

	summary, err := f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: a.Invoice.ID, VoidedBy: 4, Reason: "wrong quantity"})
	require.NoError(t, err)
	require.True(t, summary.TotalInvoiced.Equal(dec(t, "400")))
	require.Equal(t, SummaryPartiallyInvoiced, summary.Status)
	require.True(t, remainingOf(t, f.svc, po).Equal(dec(t, "60")))

	next, err := f.svc.PreviewInvoiceNumber(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, "PI25-014-2", next, "voided numbers are not reused")

	require.Equal(t, 2, f.metrics.created)
	require.Equal(t, 1, f.metrics.voided)
	require.Equal(t, 1, f.metrics.rejected[string(ReasonQuantityExceedsRemaining)])
	require.Equal(t, []string{"PO_INVOICE_CREATE", "PO_INVOICE_CREATE"}, f.audit.actions())
	require.Equal(t, []string{"PO_INVOICE_VOID"}, f.repo.auditActions())
}

func TestVoidInvoiceIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)

	created, err := f.svc.CreateInvoice(ctx, createFor(po, "25"))
	require.NoError(t, err)

	first, err := f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: created.Invoice.ID, VoidedBy: 1, Reason: "duplicate"})
	require.NoError(t, err)
	remainingAfterFirst := remainingOf(t, f.svc, po)

	second, err := f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: created.Invoice.ID, VoidedBy: 2, Reason: "again"})
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.InvoiceCount, second.InvoiceCount)
	require.True(t, first.TotalInvoiced.Equal(second.TotalInvoiced))
	require.True(t, first.RemainingAmount.Equal(second.RemainingAmount))
	require.True(t, first.InvoicingPercentage.Equal(second.InvoicingPercentage))
	require.True(t, remainingOf(t, f.svc, po).Equal(remainingAfterFirst))

	inv, err := f.svc.GetInvoice(ctx, created.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), *inv.VoidedBy, "second void keeps the original audit fields")
	require.Equal(t, "duplicate", *inv.VoidReason)
	require.Equal(t, 1, f.metrics.voided)
}

func TestCreateThenVoidRestoresRemainingExactly(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)

	_, err := f.svc.CreateInvoice(ctx, createFor(po, "12.345"))
	require.NoError(t, err)
	before := remainingOf(t, f.svc, po)

	created, err := f.svc.CreateInvoice(ctx, createFor(po, "33.3333"))
	require.NoError(t, err)
	require.True(t, remainingOf(t, f.svc, po).Equal(before.Sub(dec(t, "33.3333"))))

	_, err = f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: created.Invoice.ID, Reason: "round trip"})
	require.NoError(t, err)
	after := remainingOf(t, f.svc, po)
	require.True(t, after.Equal(before), "remaining %s, want %s", after, before)
	require.Equal(t, before.String(), after.String())
}

func TestConcurrentCreateNeverOverInvoices(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)

	var mu sync.Mutex
	accepted, rejected := 0, 0
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := f.svc.CreateInvoice(context.Background(), createFor(po, "10"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrQuantityExceedsRemaining):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 10, accepted)
	require.Equal(t, 10, rejected)
	require.True(t, remainingOf(t, f.svc, po).IsZero())

	numbers, err := f.repo.ListAllInvoiceNumbers(context.Background())
	require.NoError(t, err)
	unique := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		unique[n] = struct{}{}
	}
	require.Len(t, unique, 10)
}

func TestConcurrentCreateAndVoidKeepsBounds(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			res, err := f.svc.CreateInvoice(ctx, createFor(po, "15"))
			if errors.Is(err, ErrQuantityExceedsRemaining) {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: res.Invoice.ID, Reason: "churn"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	balances, err := f.svc.ItemBalances(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, balances[0].InvoicedQuantity.IsZero())
	require.True(t, balances[0].RemainingQuantity.Equal(dec(t, "100")))
	summary, err := f.svc.PreviewSummary(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, summary.TotalInvoiced.Add(summary.RemainingAmount).Equal(summary.POTotal))
}

func TestCreateInvoiceRejectsCorruptedLedger(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)
	for i, qty := range []string{"70", "45"} {
		f.repo.addInvoice(POInvoice{
			Number: fmt.Sprintf("LEGACY-%d", i),
			POID:   po.ID,
			Status: InvoiceStatusSent,
			Items:  []POInvoiceItem{{POItemID: po.Items[0].ID, InvoicedQuantity: dec(t, qty)}},
		})
	}

	_, err := f.svc.CreateInvoice(context.Background(), createFor(po, "1"))
	require.ErrorIs(t, err, ErrLedgerConsistency)
	require.Equal(t, 2, f.repo.invoiceCount())
	require.Equal(t, 1, f.metrics.ledger)

	violations, err := f.svc.CheckLedgerIntegrity(context.Background())
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, po.ID, violations[0].POID)
	require.True(t, violations[0].Invoiced.Equal(dec(t, "115")))
}

func TestCreateInvoiceRollsBackOnSaveFailure(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)
	f.repo.saveErr = errors.New("disk full")

	input := createFor(po, "5")
	input.IdempotencyKey = "req-1"
	_, err := f.svc.CreateInvoice(context.Background(), input)
	require.EqualError(t, err, "disk full")
	require.Zero(t, f.repo.invoiceCount())
	require.Empty(t, f.idem.keys, "failed requests release their idempotency key")
}

func TestCreateInvoiceIdempotencyKey(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)

	input := createFor(po, "10")
	input.IdempotencyKey = "abc"
	_, err := f.svc.CreateInvoice(ctx, input)
	require.NoError(t, err)
	require.Contains(t, f.idem.keys, fmt.Sprintf("PO:%d:abc", po.ID))

	_, err = f.svc.CreateInvoice(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, 1, f.repo.invoiceCount())
}

func TestCreateInvoiceForMissingPO(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		POID:        404,
		Allocations: []Allocation{{POItemID: 1, Quantity: decimal.NewFromInt(1)}},
	})
	verr := requireReason(t, err, ReasonPONotInvoiceable)
	require.Equal(t, int64(404), verr.POID)
	require.Empty(t, verr.Status)
}

func TestCreateInvoiceDefaultsDates(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)

	res, err := f.svc.CreateInvoice(context.Background(), createFor(po, "1"))
	require.NoError(t, err)
	require.Equal(t, testNow, res.Invoice.InvoiceDate)
	require.Equal(t, testNow.AddDate(0, 0, 30), res.Invoice.DueAt)

	input := createFor(po, "1")
	input.Metadata.InvoiceDate = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	input.Metadata.DueDate = time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)
	res, err = f.svc.CreateInvoice(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, input.Metadata.DueDate, res.Invoice.DueAt)
}

func TestInvoiceStatusTransitions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)
	res, err := f.svc.CreateInvoice(ctx, createFor(po, "10"))
	require.NoError(t, err)
	id := res.Invoice.ID

	_, err = f.svc.TransitionInvoiceStatus(ctx, id, InvoiceStatusPaid, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.TransitionInvoiceStatus(ctx, id, InvoiceStatusVoided, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)

	inv, err := f.svc.TransitionInvoiceStatus(ctx, id, InvoiceStatusSent, 1)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusSent, inv.Status)
	inv, err = f.svc.TransitionInvoiceStatus(ctx, id, InvoiceStatusPaid, 1)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, inv.Status)

	_, err = f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: id, Reason: "refund"})
	require.NoError(t, err)
	_, err = f.svc.TransitionInvoiceStatus(ctx, id, InvoiceStatusSent, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkOverdue(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)

	late := createFor(po, "10")
	late.Metadata.InvoiceDate = testNow.AddDate(0, -2, 0)
	late.Metadata.DueDate = testNow.AddDate(0, -1, 0)
	lateRes, err := f.svc.CreateInvoice(ctx, late)
	require.NoError(t, err)

	onTime, err := f.svc.CreateInvoice(ctx, createFor(po, "10"))
	require.NoError(t, err)

	draftLate := createFor(po, "10")
	draftLate.Metadata.DueDate = testNow.AddDate(0, 0, -3)
	_, err = f.svc.CreateInvoice(ctx, draftLate)
	require.NoError(t, err)

	for _, id := range []int64{lateRes.Invoice.ID, onTime.Invoice.ID} {
		_, err := f.svc.TransitionInvoiceStatus(ctx, id, InvoiceStatusSent, 0)
		require.NoError(t, err)
	}

	changed, err := f.svc.MarkOverdue(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	inv, err := f.svc.GetInvoice(ctx, lateRes.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusOverdue, inv.Status)
	inv, err = f.svc.GetInvoice(ctx, onTime.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusSent, inv.Status)
}

func TestPurchaseOrderGuard(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderInput{Number: " "})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderInput{
		Number: "PO-2025-100",
		Items:  []PurchaseOrderItemInput{{Description: "x", OrderedQuantity: dec(t, "-1"), UnitPrice: dec(t, "1")}},
	})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderInput{
		Number: "PO-2025-100",
		Items:  []PurchaseOrderItemInput{{Description: "x", OrderedQuantity: dec(t, "1"), UnitPrice: dec(t, "0.12345")}},
	})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderInput{
		Number:  "PO-2025-100",
		TaxRate: dec(t, "7.12345"),
		Items:   []PurchaseOrderItemInput{{Description: "x", OrderedQuantity: dec(t, "1"), UnitPrice: dec(t, "1")}},
	})
	require.ErrorIs(t, err, ErrValidation)

	po, err := f.svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderInput{
		Number:  "PO-2025-100",
		TaxRate: dec(t, "11"),
		Items: []PurchaseOrderItemInput{
			{Description: "Pallet", OrderedQuantity: dec(t, "4"), UnitPrice: dec(t, "250")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, POStatusDraft, po.Status)

	_, err = f.svc.CreateInvoice(ctx, CreateInvoiceInput{POID: po.ID, Allocations: []Allocation{{POItemID: po.Items[0].ID, Quantity: dec(t, "1")}}})
	verr := requireReason(t, err, ReasonPONotInvoiceable)
	require.Equal(t, POStatusDraft, verr.Status)

	// lines may change until the first invoice
	po, err = f.svc.ReplacePurchaseOrderItems(ctx, po.ID, []PurchaseOrderItemInput{
		{Description: "Pallet", OrderedQuantity: dec(t, "5"), UnitPrice: dec(t, "250")},
	}, 1)
	require.NoError(t, err)

	po, err = f.svc.ChangePurchaseOrderStatus(ctx, po.ID, POStatusApproved, 1)
	require.NoError(t, err)
	res, err := f.svc.CreateInvoice(ctx, CreateInvoiceInput{POID: po.ID, Allocations: []Allocation{{POItemID: po.Items[0].ID, Quantity: dec(t, "2")}}})
	require.NoError(t, err)
	require.True(t, res.Invoice.TotalAmount.Equal(dec(t, "555")))

	_, err = f.svc.ReplacePurchaseOrderItems(ctx, po.ID, []PurchaseOrderItemInput{
		{Description: "Pallet", OrderedQuantity: dec(t, "1"), UnitPrice: dec(t, "250")},
	}, 1)
	require.ErrorIs(t, err, ErrPurchaseOrderLocked)

	_, err = f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: res.Invoice.ID, Reason: "cancel"})
	require.NoError(t, err)
	_, err = f.svc.ReplacePurchaseOrderItems(ctx, po.ID, []PurchaseOrderItemInput{
		{Description: "Pallet", OrderedQuantity: dec(t, "1"), UnitPrice: dec(t, "250")},
	}, 1)
	require.ErrorIs(t, err, ErrPurchaseOrderLocked, "voided invoices still lock the lines")

	_, err = f.svc.ChangePurchaseOrderStatus(ctx, po.ID, POStatusCancelled, 1)
	require.NoError(t, err)
	_, err = f.svc.ChangePurchaseOrderStatus(ctx, po.ID, POStatusApproved, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListInvoicesForUnknownPO(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.ListInvoices(context.Background(), 99)
	require.ErrorIs(t, err, ErrPurchaseOrderNotFound)
	_, err = f.svc.PreviewSummary(context.Background(), 99)
	require.ErrorIs(t, err, ErrPurchaseOrderNotFound)
}

// gatedRepo blocks PO loads until release is closed.
type gatedRepo struct {
	*memoryRepo
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (r *gatedRepo) LoadPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error) {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-ctx.Done():
		return PurchaseOrder{}, ctx.Err()
	case <-r.release:
	}
	return r.memoryRepo.LoadPurchaseOrder(ctx, poID)
}

func TestPreviewSummaryIgnoresOtherCallersCancellation(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)
	repo := &gatedRepo{memoryRepo: f.repo, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, NewLocalLocker(), f.audit, f.idem, slog.New(slog.NewTextHandler(io.Discard, nil)), ServiceConfig{
		Clock: func() time.Time { return testNow },
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := svc.PreviewSummary(ctxA, po.ID)
		errA <- err
	}()
	<-repo.entered

	type result struct {
		summary Summary
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		s, err := svc.PreviewSummary(context.Background(), po.ID)
		resB <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(repo.release)
	b := <-resB
	require.NoError(t, b.err)
	require.True(t, b.summary.RemainingAmount.Equal(dec(t, "1000")))
	require.Equal(t, SummaryNotInvoiced, b.summary.Status)
}

func TestCreateInvoiceRejectsQuantityBeyondStoredScale(t *testing.T) {
	f := newServiceFixture(t)
	po := f.singleItemPO(t)

	_, err := f.svc.CreateInvoice(context.Background(), createFor(po, "0.00001"))
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, f.repo.invoiceCount())

	_, err = f.svc.CreateInvoice(context.Background(), createFor(po, "1.25000"))
	require.NoError(t, err)
}

func TestInvoiceTotalsAddUpToPOTotalWithFractionalTax(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.repo.addPO(PurchaseOrder{
		Number:    "PO-2025-021",
		TaxRate:   dec(t, "7.3"),
		Status:    POStatusApproved,
		CreatedAt: testNow,
		Items: []PurchaseOrderItem{
			{Description: "Fuse", OrderedQuantity: decimal.NewFromInt(3), UnitPrice: dec(t, "0.1111")},
		},
	})

	total := decimal.Zero
	for i := 0; i < 3; i++ {
		res, err := f.svc.CreateInvoice(ctx, createFor(po, "1"))
		require.NoError(t, err)
		total = total.Add(res.Invoice.TotalAmount)
	}

	summary, err := f.svc.PreviewSummary(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, summary.POTotal.Equal(dec(t, "0.3576309")), summary.POTotal.String())
	require.True(t, summary.TotalInvoiced.Equal(total))
	require.True(t, summary.TotalInvoiced.Equal(summary.POTotal))
	require.True(t, summary.RemainingAmount.IsZero())
	require.Equal(t, SummaryFullyInvoiced, summary.Status)
}

func TestVoidInvoiceRollsBackWithoutHistoryNote(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	po := f.singleItemPO(t)
	created, err := f.svc.CreateInvoice(ctx, createFor(po, "30"))
	require.NoError(t, err)

	f.repo.auditErr = errors.New("audit_logs unavailable")
	_, err = f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: created.Invoice.ID, VoidedBy: 4, Reason: "duplicate"})
	require.Error(t, err)

	inv, err := f.svc.GetInvoice(ctx, created.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusDraft, inv.Status)
	require.Nil(t, inv.VoidedBy)
	require.True(t, remainingOf(t, f.svc, po).Equal(dec(t, "70")))
	require.Empty(t, f.repo.auditActions())

	f.repo.auditErr = nil
	_, err = f.svc.VoidInvoice(ctx, VoidInvoiceInput{InvoiceID: created.Invoice.ID, VoidedBy: 4, Reason: "duplicate"})
	require.NoError(t, err)
	require.Equal(t, []string{"PO_INVOICE_VOID"}, f.repo.auditActions())
	note := f.repo.txAudit[0]
	require.Equal(t, int64(4), note.ActorID)
	require.Equal(t, "duplicate", note.Meta["reason"])
	require.Equal(t, testNow, note.At)
}
