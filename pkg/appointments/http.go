package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

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
	r.HandleFunc("/appointments", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/appointments", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/appointments/{id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/appointments/{id}", h.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/appointments/{id}/confirm", h.handleConfirm).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{id}/check-in", h.handleCheckIn).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{id}/check-out", h.handleCheckOut).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{id}/no-show", h.handleNoShow).Methods(http.MethodPost)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	appt, err := h.service.Create(r.Context(), auth.Caller(r.Context()), req)
	if err != nil {
		writeError(w, err, "failed to create appointment")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"appointment": appt})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := AppointmentFilter{Limit: parseLimit(r, 50)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = models.AppointmentStatus(raw)
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		filter.From = &from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		filter.To = &to
	}
	appointments, err := h.service.List(r.Context(), auth.Caller(r.Context()), filter)
	if err != nil {
		writeError(w, err, "failed to list appointments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": appointments})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}
	appt, err := h.service.Get(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to load appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"appointment": appt})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Confirm)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	appt, err := h.service.Cancel(r.Context(), auth.Caller(r.Context()), id, req.Reason)
	if err != nil {
		writeError(w, err, "failed to cancel appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"appointment": appt})
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CheckIn)
}

func (h *Handler) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CheckOut)
}

func (h *Handler) handleNoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkNoShow)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}
	if err := h.service.Delete(r.Context(), auth.Caller(r.Context()), id); err != nil {
		writeError(w, err, "failed to delete appointment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Appointment, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}
	appt, err := fn(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to update appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"appointment": appt})
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
	case errors.Is(err, ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
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
