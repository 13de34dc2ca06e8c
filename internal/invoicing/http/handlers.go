package invoicinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/invoicing/internal/invoicing"
	"github.com/odyssey-erp/invoicing/internal/platform/httpx"
	"github.com/odyssey-erp/invoicing/internal/shared"
)

const dateLayout = "2006-01-02"

// InvoicingService defines the business contract consumed by the handlers.
type InvoicingService interface {
	CreateInvoice(ctx context.Context, input invoicing.CreateInvoiceInput) (invoicing.CreateInvoiceResult, error)
	VoidInvoice(ctx context.Context, input invoicing.VoidInvoiceInput) (invoicing.Summary, error)
	TransitionInvoiceStatus(ctx context.Context, invoiceID int64, target invoicing.InvoiceStatus, actorID int64) (invoicing.POInvoice, error)
	PreviewSummary(ctx context.Context, poID int64) (invoicing.Summary, error)
	ItemBalances(ctx context.Context, poID int64) ([]invoicing.ItemBalance, error)
	PreviewInvoiceNumber(ctx context.Context, poID int64) (string, error)
	ListInvoices(ctx context.Context, poID int64) ([]invoicing.POInvoice, error)
	GetInvoice(ctx context.Context, id int64) (invoicing.POInvoice, error)
	CreatePurchaseOrder(ctx context.Context, input invoicing.CreatePurchaseOrderInput) (invoicing.PurchaseOrder, error)
	ChangePurchaseOrderStatus(ctx context.Context, poID int64, status invoicing.POStatus, actorID int64) (invoicing.PurchaseOrder, error)
	ReplacePurchaseOrderItems(ctx context.Context, poID int64, items []invoicing.PurchaseOrderItemInput, actorID int64) (invoicing.PurchaseOrder, error)
}

// Handler serves the purchase order invoicing API.
type Handler struct {
	logger   *slog.Logger
	service  InvoicingService
	validate *validator.Validate
}

// NewHandler builds the invoicing handler.
func NewHandler(logger *slog.Logger, service InvoicingService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type allocationRequest struct {
	POItemID int64  `json:"po_item_id" validate:"required,gt=0"`
	Quantity string `json:"quantity" validate:"required"`
}

type createInvoiceRequest struct {
	Allocations   []allocationRequest `json:"allocations" validate:"required,min=1,dive"`
	InvoiceDate   string              `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate       string              `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Note          string              `json:"note" validate:"max=1000"`
	CreatedBy     int64               `json:"created_by" validate:"gte=0"`
	ExpectedTotal string              `json:"expected_total"`
}

type voidInvoiceRequest struct {
	VoidedBy int64  `json:"voided_by" validate:"gte=0"`
	Reason   string `json:"reason" validate:"required,max=500"`
}

type statusRequest struct {
	Status  string `json:"status" validate:"required"`
	ActorID int64  `json:"actor_id" validate:"gte=0"`
}

type poItemRequest struct {
	Description     string `json:"description" validate:"required,max=255"`
	OrderedQuantity string `json:"ordered_quantity" validate:"required"`
	UnitPrice       string `json:"unit_price" validate:"required"`
	NetWeight       string `json:"net_weight"`
}

type createPurchaseOrderRequest struct {
	Number     string          `json:"number" validate:"required,max=64"`
	SupplierID int64           `json:"supplier_id" validate:"gte=0"`
	TaxRate    string          `json:"tax_rate"`
	Status     string          `json:"status"`
	Items      []poItemRequest `json:"items" validate:"required,min=1,dive"`
}

type replaceItemsRequest struct {
	ActorID int64           `json:"actor_id" validate:"gte=0"`
	Items   []poItemRequest `json:"items" validate:"required,min=1,dive"`
}

type nextNumberResponse struct {
	POID   int64  `json:"po_id"`
	Number string `json:"number"`
}

type invoiceListResponse struct {
	POID     int64                 `json:"po_id"`
	Invoices []invoicing.POInvoice `json:"invoices"`
}

type balancesResponse struct {
	POID     int64                   `json:"po_id"`
	Balances []invoicing.ItemBalance `json:"balances"`
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.PreviewSummary(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRemaining(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	balances, err := h.service.ItemBalances(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balancesResponse{POID: poID, Balances: balances})
}

func (h *Handler) handleNextNumber(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	number, err := h.service.PreviewInvoiceNumber(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nextNumberResponse{POID: poID, Number: number})
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	invoices, err := h.service.ListInvoices(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []invoicing.POInvoice{}
	}
	httpx.JSON(w, http.StatusOK, invoiceListResponse{POID: poID, Invoices: invoices})
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.toInput(poID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	input.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	result, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/invoices/%d", result.Invoice.ID))
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req voidInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	summary, err := h.service.VoidInvoice(r.Context(), invoicing.VoidInvoiceInput{
		InvoiceID: id,
		VoidedBy:  req.VoidedBy,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status := invoicing.InvoiceStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	inv, err := h.service.TransitionInvoiceStatus(r.Context(), id, status, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleCreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	taxRate, err := parseScaled("tax_rate", req.TaxRate, true)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	items, err := toItemInputs(req.Items)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), invoicing.CreatePurchaseOrderInput{
		Number:     req.Number,
		SupplierID: req.SupplierID,
		TaxRate:    taxRate,
		Status:     invoicing.POStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
		Items:      items,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/purchase-orders/%d", po.ID))
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) handlePurchaseOrderStatus(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status := invoicing.POStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	po, err := h.service.ChangePurchaseOrderStatus(r.Context(), poID, status, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) handleReplaceItems(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req replaceItemsRequest
	if !h.decode(w, r, &req) {
		return
	}
	items, err := toItemInputs(req.Items)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	po, err := h.service.ReplacePurchaseOrderItems(r.Context(), poID, items, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (req createInvoiceRequest) toInput(poID int64) (invoicing.CreateInvoiceInput, error) {
	input := invoicing.CreateInvoiceInput{POID: poID}
	for _, a := range req.Allocations {
		qty, err := parseScaled("quantity", a.Quantity, false)
		if err != nil {
			return input, err
		}
		input.Allocations = append(input.Allocations, invoicing.Allocation{POItemID: a.POItemID, Quantity: qty})
	}
	meta := invoicing.InvoiceMetadata{
		Note:      strings.TrimSpace(req.Note),
		CreatedBy: req.CreatedBy,
	}
	var err error
	if meta.InvoiceDate, err = parseDate("invoice_date", req.InvoiceDate); err != nil {
		return input, err
	}
	if meta.DueDate, err = parseDate("due_date", req.DueDate); err != nil {
		return input, err
	}
	if !meta.InvoiceDate.IsZero() && !meta.DueDate.IsZero() && meta.DueDate.Before(meta.InvoiceDate) {
		return input, errors.New("due_date must not be before invoice_date")
	}
	if strings.TrimSpace(req.ExpectedTotal) != "" {
		expected, err := parseDecimal("expected_total", req.ExpectedTotal, false)
		if err != nil {
			return input, err
		}
		meta.ExpectedTotal = &expected
	}
	input.Metadata = meta
	return input, nil
}

func toItemInputs(reqs []poItemRequest) ([]invoicing.PurchaseOrderItemInput, error) {
	items := make([]invoicing.PurchaseOrderItemInput, 0, len(reqs))
	for _, it := range reqs {
		qty, err := parseScaled("ordered_quantity", it.OrderedQuantity, false)
		if err != nil {
			return nil, err
		}
		price, err := parseScaled("unit_price", it.UnitPrice, false)
		if err != nil {
			return nil, err
		}
		weight, err := parseScaled("net_weight", it.NetWeight, true)
		if err != nil {
			return nil, err
		}
		items = append(items, invoicing.PurchaseOrderItemInput{
			Description:     it.Description,
			OrderedQuantity: qty,
			UnitPrice:       price,
			NetWeight:       weight,
		})
	}
	return items, nil
}

// parseScaled parses quantities, prices, weights and rates, which are stored
// with QuantityScale fractional digits.
func parseScaled(field, raw string, optional bool) (decimal.Decimal, error) {
	d, err := parseDecimal(field, raw, optional)
	if err != nil {
		return d, err
	}
	if !d.Truncate(invoicing.QuantityScale).Equal(d) {
		return decimal.Zero, fmt.Errorf("%s: at most %d decimal places", field, invoicing.QuantityScale)
	}
	return d, nil
}

func parseDecimal(field, raw string, optional bool) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a decimal number", field, raw)
	}
	return d, nil
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected YYYY-MM-DD", field)
	}
	return t, nil
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" "+fe.Tag())
			}
			httpx.WriteProblem(w, httpx.ProblemDetail{
				Status:     http.StatusBadRequest,
				Title:      "Bad Request",
				Detail:     "request failed validation",
				Extensions: map[string]any{"fields": fields},
			})
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *invoicing.ValidationError
	if errors.As(err, &verr) {
		ext := map[string]any{"po_id": verr.POID}
		switch verr.Reason {
		case invoicing.ReasonPONotInvoiceable:
			if verr.Status != "" {
				ext["po_status"] = verr.Status
			}
		case invoicing.ReasonUnknownLineItem:
			ext["po_item_id"] = verr.POItemID
		case invoicing.ReasonNonPositiveQuantity:
			ext["po_item_id"] = verr.POItemID
			ext["requested"] = verr.Requested
		case invoicing.ReasonQuantityExceedsRemaining:
			ext["po_item_id"] = verr.POItemID
			ext["requested"] = verr.Requested
			ext["available"] = verr.Available
		case invoicing.ReasonAmountMismatch:
			ext["expected"] = verr.Expected
			ext["computed"] = verr.Computed
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status:     http.StatusUnprocessableEntity,
			Title:      "Invoice Rejected",
			Detail:     verr.Error(),
			Code:       string(verr.Reason),
			Extensions: ext,
		})
		return
	}

	switch {
	case errors.Is(err, invoicing.ErrPurchaseOrderNotFound), errors.Is(err, invoicing.ErrInvoiceNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, invoicing.ErrInvalidTransition), errors.Is(err, invoicing.ErrPurchaseOrderLocked):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status: http.StatusConflict,
			Title:  "Duplicate Request",
			Detail: err.Error(),
			Code:   "IDEMPOTENCY_CONFLICT",
		})
	case errors.Is(err, invoicing.ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, invoicing.ErrLockNotAcquired), errors.Is(err, context.DeadlineExceeded):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "purchase order is busy, retry later")
	default:
		h.logger.Error("invoicing request failed",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
	}
}
