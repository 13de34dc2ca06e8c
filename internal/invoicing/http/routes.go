package invoicinghttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/invoicing/internal/platform/httpx"
)

const writeRateLimit = 60
const rateWindow = time.Minute

// MountRoutes registers the purchase order and invoice endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(writeRateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)

	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/{id}/summary", h.handleSummary)
		r.Get("/{id}/remaining", h.handleRemaining)
		r.Get("/{id}/next-invoice-number", h.handleNextNumber)
		r.Get("/{id}/invoices", h.handleListInvoices)
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/", h.handleCreatePurchaseOrder)
			gr.Post("/{id}/invoices", h.handleCreateInvoice)
			gr.Post("/{id}/status", h.handlePurchaseOrderStatus)
			gr.Put("/{id}/items", h.handleReplaceItems)
		})
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/{id}", h.handleGetInvoice)
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/{id}/void", h.handleVoidInvoice)
			gr.Post("/{id}/status", h.handleInvoiceStatus)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
