package invoicing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CreatePurchaseOrder persists a PO with its lines. Status defaults to DRAFT.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePurchaseOrderInput) (PurchaseOrder, error) {
	input.Number = strings.TrimSpace(input.Number)
	if input.Number == "" {
		return PurchaseOrder{}, fmt.Errorf("%w: number required", ErrValidation)
	}
	if input.Status == "" {
		input.Status = POStatusDraft
	}
	if !input.Status.Valid() {
		return PurchaseOrder{}, fmt.Errorf("%w: unknown status %q", ErrValidation, input.Status)
	}
	if input.TaxRate.IsNegative() {
		return PurchaseOrder{}, fmt.Errorf("%w: tax rate must not be negative", ErrValidation)
	}
	if err := CheckScale("tax rate", input.TaxRate); err != nil {
		return PurchaseOrder{}, err
	}
	items, err := buildItems(input.Items)
	if err != nil {
		return PurchaseOrder{}, err
	}

	po := PurchaseOrder{
		Number:     input.Number,
		SupplierID: input.SupplierID,
		TaxRate:    input.TaxRate,
		Status:     input.Status,
		Items:      items,
		CreatedAt:  s.clock(),
	}
	var created PurchaseOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		saved, err := tx.CreatePurchaseOrder(ctx, po)
		if err != nil {
			return err
		}
		created = saved
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, 0, "PO_CREATE", auditEntityPurchaseOrder, created.ID, map[string]any{"number": created.Number})
	return created, nil
}

// ChangePurchaseOrderStatus updates the PO status, the only attribute that may
// change after invoicing started. Cancelled POs stay cancelled.
func (s *Service) ChangePurchaseOrderStatus(ctx context.Context, poID int64, status POStatus, actorID int64) (PurchaseOrder, error) {
	if !status.Valid() {
		return PurchaseOrder{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	unlock, err := s.locker.Lock(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer unlock()

	var updated PurchaseOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPurchaseOrder(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status == POStatusCancelled && status != POStatusCancelled {
			return fmt.Errorf("%w: purchase order %d is cancelled", ErrInvalidTransition, poID)
		}
		if err := tx.UpdatePurchaseOrderStatus(ctx, poID, status); err != nil {
			return err
		}
		po.Status = status
		updated = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actorID, "PO_STATUS", auditEntityPurchaseOrder, poID, map[string]any{"status": string(status)})
	return updated, nil
}

// ReplacePurchaseOrderItems rewrites the PO lines. It fails with
// ErrPurchaseOrderLocked once any invoice, voided or not, exists for the PO.
func (s *Service) ReplacePurchaseOrderItems(ctx context.Context, poID int64, inputs []PurchaseOrderItemInput, actorID int64) (PurchaseOrder, error) {
	items, err := buildItems(inputs)
	if err != nil {
		return PurchaseOrder{}, err
	}
	unlock, err := s.locker.Lock(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer unlock()

	var updated PurchaseOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPurchaseOrder(ctx, poID)
		if err != nil {
			return err
		}
		invoices, err := tx.ListInvoices(ctx, poID)
		if err != nil {
			return err
		}
		if len(invoices) > 0 {
			return ErrPurchaseOrderLocked
		}
		saved, err := tx.ReplacePurchaseOrderItems(ctx, poID, items)
		if err != nil {
			return err
		}
		po.Items = saved
		updated = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actorID, "PO_ITEMS_REPLACE", auditEntityPurchaseOrder, poID, map[string]any{"lines": len(items)})
	return updated, nil
}

func buildItems(inputs []PurchaseOrderItemInput) ([]PurchaseOrderItem, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	items := make([]PurchaseOrderItem, 0, len(inputs))
	for i, in := range inputs {
		for name, v := range map[string]decimal.Decimal{
			"ordered quantity": in.OrderedQuantity,
			"unit price":       in.UnitPrice,
			"net weight":       in.NetWeight,
		} {
			if v.IsNegative() {
				return nil, fmt.Errorf("%w: line %d %s must not be negative", ErrValidation, i+1, name)
			}
			if err := CheckScale(fmt.Sprintf("line %d %s", i+1, name), v); err != nil {
				return nil, err
			}
		}
		items = append(items, PurchaseOrderItem{
			Description:     strings.TrimSpace(in.Description),
			OrderedQuantity: in.OrderedQuantity,
			UnitPrice:       in.UnitPrice,
			NetWeight:       in.NetWeight,
		})
	}
	return items, nil
}
