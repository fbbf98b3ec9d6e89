package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/invoices", h.handleCreateInvoice).Methods(http.MethodPost)
	r.HandleFunc("/invoices", h.handleListInvoices).Methods(http.MethodGet)
	r.HandleFunc("/invoices/{id}", h.handleGetInvoice).Methods(http.MethodGet)
	r.HandleFunc("/invoices/{id}", h.handleDeleteInvoice).Methods(http.MethodDelete)
	r.HandleFunc("/invoices/{id}/cancel", h.handleCancelInvoice).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/payments", h.handleRecordPayment).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/payments", h.handleListPayments).Methods(http.MethodGet)
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req models.CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	invoice, err := h.service.CreateInvoice(r.Context(), auth.Caller(r.Context()), req)
	if err != nil {
		writeError(w, err, "failed to create invoice")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"invoice": invoice})
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	filter := InvoiceFilter{
		Status:  models.InvoiceStatus(r.URL.Query().Get("status")),
		Overdue: r.URL.Query().Get("overdue") == "true",
		Limit:   parseLimit(r, 50),
	}
	invoices, err := h.service.ListInvoices(r.Context(), auth.Caller(r.Context()), filter)
	if err != nil {
		writeError(w, err, "failed to list invoices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": invoices})
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	invoice, err := h.service.GetInvoice(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to load invoice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invoice": invoice})
}

func (h *Handler) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	invoice, err := h.service.CancelInvoice(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to cancel invoice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invoice": invoice})
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	var req models.RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	payment, invoice, err := h.service.RecordPayment(r.Context(), auth.Caller(r.Context()), id, req)
	if err != nil {
		writeError(w, err, "failed to record payment")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"payment": payment, "invoice": invoice})
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	payments, err := h.service.ListPayments(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to list payments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": payments})
}

func (h *Handler) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), auth.Caller(r.Context()), id); err != nil {
		writeError(w, err, "failed to delete invoice")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeError(w http.ResponseWriter, err error, fallback string) {
	var verr validation.Error
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrNotVisible):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		logger.Log.WithError(err).Error(fallback)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
