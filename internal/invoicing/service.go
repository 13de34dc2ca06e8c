package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/invoicing/internal/shared"
)

// Repository describes the persistence collaborator used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LoadPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error)
	ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error)
	ListAllInvoiceNumbers(ctx context.Context) ([]string, error)
	GetInvoice(ctx context.Context, id int64) (POInvoice, error)
	ListInvoicesDue(ctx context.Context, status InvoiceStatus, before time.Time) ([]POInvoice, error)
	ListInvoicedPurchaseOrderIDs(ctx context.Context) ([]int64, error)
}

// TxRepository exposes the operations available inside a transaction.
// LockPurchaseOrder must hold the PO row until the transaction ends.
type TxRepository interface {
	LockPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error)
	ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error)
	ListAllInvoiceNumbers(ctx context.Context) ([]string, error)
	GetInvoice(ctx context.Context, id int64) (POInvoice, error)
	SaveInvoice(ctx context.Context, inv POInvoice) (int64, error)
	MarkInvoiceVoided(ctx context.Context, id int64, voidedBy int64, reason string, at time.Time) error
	UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error
	CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, poID int64, status POStatus) error
	ReplacePurchaseOrderItems(ctx context.Context, poID int64, items []PurchaseOrderItem) ([]PurchaseOrderItem, error)
	AppendAudit(ctx context.Context, log shared.AuditLog) error
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against replayed create requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder receives invoicing outcomes.
type MetricsRecorder interface {
	InvoiceCreated()
	InvoiceRejected(reason string)
	InvoiceVoided()
	LedgerInconsistency()
}

// ServiceConfig tunes Service defaults.
type ServiceConfig struct {
	// DueDays is added to the invoice date when no due date is supplied.
	DueDays int
	Clock   func() time.Time
}

// Service orchestrates invoicing against purchase orders.
type Service struct {
	repo        Repository
	locker      Locker
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsRecorder
	logger      *slog.Logger
	dueDays     int
	clock       func() time.Time
	previews    singleflight.Group
}

// NewService constructs the invoicing service. A nil locker falls back to an
// in-process LocalLocker.
func NewService(repo Repository, locker Locker, audit AuditPort, idem IdempotencyPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = 30
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		repo:        repo,
		locker:      locker,
		audit:       audit,
		idempotency: idem,
		logger:      logger,
		dueDays:     cfg.DueDays,
		clock:       cfg.Clock,
	}
}

// SetMetrics injects the metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// CreateInvoice validates and persists a new invoice against a PO. Rejections
// are returned as *ValidationError and nothing is written.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (CreateInvoiceResult, error) {
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = fmt.Sprintf("PO:%d:%s", input.POID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, "invoicing.create"); err != nil {
			return CreateInvoiceResult{}, err
		}
	}
	result, err := s.createInvoice(ctx, input)
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		s.observeFailure(input.POID, err)
		return CreateInvoiceResult{}, err
	}

	if s.metrics != nil {
		s.metrics.InvoiceCreated()
	}
	s.logger.Info("po invoice created",
		slog.Int64("po_id", input.POID),
		slog.Int64("invoice_id", result.Invoice.ID),
		slog.String("number", result.Invoice.Number),
		slog.String("total", result.Invoice.TotalAmount.String()),
	)
	s.recordAudit(ctx, input.Metadata.CreatedBy, "PO_INVOICE_CREATE", auditEntityInvoice, result.Invoice.ID, map[string]any{
		"po_id":  input.POID,
		"number": result.Invoice.Number,
		"total":  result.Invoice.TotalAmount.String(),
	})
	return result, nil
}

func (s *Service) createInvoice(ctx context.Context, input CreateInvoiceInput) (CreateInvoiceResult, error) {
	for _, alloc := range input.Allocations {
		if err := CheckScale("quantity", alloc.Quantity); err != nil {
			return CreateInvoiceResult{}, err
		}
	}
	unlock, err := s.locker.Lock(ctx, input.POID)
	if err != nil {
		return CreateInvoiceResult{}, err
	}
	defer unlock()

	now := s.clock()
	var result CreateInvoiceResult
	for attempt := 1; ; attempt++ {
		result, err = s.createInvoiceTx(ctx, input, now)
		if errors.Is(err, ErrDuplicateInvoiceNumber) && attempt < maxNumberAttempts {
			s.logger.Warn("invoice number taken, retrying", slog.Int64("po_id", input.POID), slog.Int("attempt", attempt))
			continue
		}
		return result, err
	}
}

// maxNumberAttempts bounds retries when two POs share a base code.
const maxNumberAttempts = 3

func (s *Service) createInvoiceTx(ctx context.Context, input CreateInvoiceInput, now time.Time) (CreateInvoiceResult, error) {
	var result CreateInvoiceResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPurchaseOrder(ctx, input.POID)
		if err != nil {
			if errors.Is(err, ErrPurchaseOrderNotFound) {
				_, verr := Validate(nil, nil, InvoiceRequest{POID: input.POID})
				return verr
			}
			return err
		}
		invoices, err := tx.ListInvoices(ctx, po.ID)
		if err != nil {
			return err
		}
		remaining, err := RemainingQuantities(po, invoices)
		if err != nil {
			return err
		}
		draft, err := Validate(&po, remaining, InvoiceRequest{POID: po.ID, Allocations: input.Allocations, Metadata: input.Metadata})
		if err != nil {
			return err
		}

		global, err := tx.ListAllInvoiceNumbers(ctx)
		if err != nil {
			return err
		}
		inv := s.buildInvoice(po, draft, input.Metadata, now)
		inv.Number = NextInvoiceNumber(BaseCode(po), invoiceNumbers(invoices), global)

		id, err := tx.SaveInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id

		after := append(append(make([]POInvoice, 0, len(invoices)+1), invoices...), inv)
		balances, err := Balances(po, after)
		if err != nil {
			return err
		}
		result = CreateInvoiceResult{Invoice: inv, Summary: Summarize(po, after), Balances: balances}
		return nil
	})
	if err != nil {
		return CreateInvoiceResult{}, err
	}
	return result, nil
}

func (s *Service) buildInvoice(po PurchaseOrder, draft Draft, meta InvoiceMetadata, now time.Time) POInvoice {
	invoiceDate := meta.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = now
	}
	dueAt := meta.DueDate
	if dueAt.IsZero() {
		dueAt = invoiceDate.AddDate(0, 0, s.dueDays)
	}
	return POInvoice{
		POID:        po.ID,
		Status:      InvoiceStatusDraft,
		Items:       draft.Items,
		Subtotal:    draft.Subtotal,
		TaxAmount:   draft.TaxAmount,
		TotalAmount: draft.Total,
		InvoiceDate: invoiceDate,
		DueAt:       dueAt,
		Note:        meta.Note,
		CreatedBy:   meta.CreatedBy,
		CreatedAt:   now,
	}
}

// VoidInvoice logically deletes an invoice, releasing its quantities. Voiding
// an already voided invoice returns the current summary without changes.
func (s *Service) VoidInvoice(ctx context.Context, input VoidInvoiceInput) (Summary, error) {
	existing, err := s.repo.GetInvoice(ctx, input.InvoiceID)
	if err != nil {
		return Summary{}, err
	}
	unlock, err := s.locker.Lock(ctx, existing.POID)
	if err != nil {
		return Summary{}, err
	}
	defer unlock()

	now := s.clock()
	var summary Summary
	voided := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPurchaseOrder(ctx, existing.POID)
		if err != nil {
			return err
		}
		inv, err := tx.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Voided() {
			if err := tx.MarkInvoiceVoided(ctx, inv.ID, input.VoidedBy, input.Reason, now); err != nil {
				return err
			}
			// the void and its history note commit together
			if err := tx.AppendAudit(ctx, shared.AuditLog{
				ActorID:  input.VoidedBy,
				Action:   "PO_INVOICE_VOID",
				Entity:   auditEntityInvoice,
				EntityID: strconv.FormatInt(inv.ID, 10),
				Meta: map[string]any{
					"po_id":  inv.POID,
					"number": inv.Number,
					"reason": input.Reason,
					"at":     now.Format(time.RFC3339),
				},
				At: now,
			}); err != nil {
				return err
			}
			voided = true
		}
		invoices, err := tx.ListInvoices(ctx, po.ID)
		if err != nil {
			return err
		}
		if _, err := Balances(po, invoices); err != nil {
			return err
		}
		summary = Summarize(po, invoices)
		return nil
	})
	if err != nil {
		s.observeFailure(existing.POID, err)
		return Summary{}, err
	}
	if !voided {
		return summary, nil
	}

	if s.metrics != nil {
		s.metrics.InvoiceVoided()
	}
	s.logger.Info("po invoice voided",
		slog.Int64("po_id", existing.POID),
		slog.Int64("invoice_id", existing.ID),
		slog.String("number", existing.Number),
	)
	return summary, nil
}

// TransitionInvoiceStatus applies an externally driven status change such as
// a payment event.
func (s *Service) TransitionInvoiceStatus(ctx context.Context, invoiceID int64, target InvoiceStatus, actorID int64) (POInvoice, error) {
	if !target.Valid() || target == InvoiceStatusVoided {
		return POInvoice{}, ErrInvalidTransition
	}
	existing, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return POInvoice{}, err
	}
	unlock, err := s.locker.Lock(ctx, existing.POID)
	if err != nil {
		return POInvoice{}, err
	}
	defer unlock()

	var updated POInvoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockPurchaseOrder(ctx, existing.POID); err != nil {
			return err
		}
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inv.Status, target)
		}
		if err := tx.UpdateInvoiceStatus(ctx, invoiceID, target); err != nil {
			return err
		}
		inv.Status = target
		updated = inv
		return nil
	})
	if err != nil {
		return POInvoice{}, err
	}
	s.recordAudit(ctx, actorID, "PO_INVOICE_STATUS", auditEntityInvoice, invoiceID, map[string]any{
		"po_id":  existing.POID,
		"number": existing.Number,
		"status": string(target),
	})
	return updated, nil
}

// MarkOverdue moves sent invoices due before asOf to OVERDUE and reports how
// many changed.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	if asOf.IsZero() {
		asOf = s.clock()
	}
	due, err := s.repo.ListInvoicesDue(ctx, InvoiceStatusSent, asOf)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, inv := range due {
		if _, err := s.TransitionInvoiceStatus(ctx, inv.ID, InvoiceStatusOverdue, 0); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// CheckLedgerIntegrity re-derives balances for every invoiced PO and returns
// the violations found.
func (s *Service) CheckLedgerIntegrity(ctx context.Context) ([]*LedgerConsistencyError, error) {
	ids, err := s.repo.ListInvoicedPurchaseOrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	var violations []*LedgerConsistencyError
	for _, id := range ids {
		po, invoices, err := s.load(ctx, id)
		if err != nil {
			return violations, err
		}
		if _, err := Balances(po, invoices); err != nil {
			var lce *LedgerConsistencyError
			if !errors.As(err, &lce) {
				return violations, err
			}
			s.observeFailure(id, err)
			violations = append(violations, lce)
		}
	}
	return violations, nil
}

// PreviewSummary derives the current summary without taking the PO lock.
// Concurrent previews of the same PO share one load, which is detached from
// any single caller's cancellation.
func (s *Service) PreviewSummary(ctx context.Context, poID int64) (Summary, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.previews.DoChan("summary:"+strconv.FormatInt(poID, 10), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(detached, previewLoadTimeout)
		defer cancel()
		po, invoices, err := s.load(loadCtx, poID)
		if err != nil {
			return nil, err
		}
		return Summarize(po, invoices), nil
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

const previewLoadTimeout = 30 * time.Second

// ItemBalances returns the ledger view of every PO line in line order.
func (s *Service) ItemBalances(ctx context.Context, poID int64) ([]ItemBalance, error) {
	po, invoices, err := s.load(ctx, poID)
	if err != nil {
		return nil, err
	}
	balances, err := Balances(po, invoices)
	if err != nil {
		s.observeFailure(poID, err)
		return nil, err
	}
	return balances, nil
}

// RemainingQuantities maps PO line ids to remaining quantity. The snapshot may
// be stale by the time a later write runs.
func (s *Service) RemainingQuantities(ctx context.Context, poID int64) (map[int64]decimal.Decimal, error) {
	balances, err := s.ItemBalances(ctx, poID)
	if err != nil {
		return nil, err
	}
	return remainingByItem(balances), nil
}

// PreviewInvoiceNumber returns the number the next invoice would receive if
// nothing else is issued first.
func (s *Service) PreviewInvoiceNumber(ctx context.Context, poID int64) (string, error) {
	po, invoices, err := s.load(ctx, poID)
	if err != nil {
		return "", err
	}
	global, err := s.repo.ListAllInvoiceNumbers(ctx)
	if err != nil {
		return "", err
	}
	return NextInvoiceNumber(BaseCode(po), invoiceNumbers(invoices), global), nil
}

// ListInvoices returns every invoice of a PO, voided ones included.
func (s *Service) ListInvoices(ctx context.Context, poID int64) ([]POInvoice, error) {
	if _, err := s.repo.LoadPurchaseOrder(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, poID)
}

// GetInvoice returns a single invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (POInvoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// GetPurchaseOrder returns a PO with its lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.LoadPurchaseOrder(ctx, id)
}

func (s *Service) load(ctx context.Context, poID int64) (PurchaseOrder, []POInvoice, error) {
	po, err := s.repo.LoadPurchaseOrder(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	invoices, err := s.repo.ListInvoices(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, invoices, nil
}

func (s *Service) observeFailure(poID int64, err error) {
	var verr *ValidationError
	var lce *LedgerConsistencyError
	switch {
	case errors.As(err, &verr):
		if s.metrics != nil {
			s.metrics.InvoiceRejected(string(verr.Reason))
		}
		s.logger.Info("po invoice rejected",
			slog.Int64("po_id", poID),
			slog.String("reason", string(verr.Reason)),
			slog.String("detail", verr.Error()),
		)
	case errors.As(err, &lce):
		if s.metrics != nil {
			s.metrics.LedgerInconsistency()
		}
		s.logger.Error("LEDGER CONSISTENCY VIOLATION",
			slog.Int64("po_id", lce.POID),
			slog.Int64("po_item_id", lce.POItemID),
			slog.String("ordered", lce.Ordered.String()),
			slog.String("invoiced", lce.Invoiced.String()),
			slog.Any("error", err),
		)
	}
}

const (
	auditEntityInvoice       = "po_invoice"
	auditEntityPurchaseOrder = "purchase_order"
)

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.clock(),
	}); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
